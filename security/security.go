// Package security owns authentication and session lifecycle: credential
// schemes turn presented tokens into identities, and the Manager turns
// identities into tracked, expiring sessions with permission sets.
package security

import (
	"context"
	"errors"
	"net/netip"
	"time"
)

// Well-known permissions. Tool permissions use the wire method name so the
// dispatcher's permission table reads naturally.
const (
	PermRead      = "read"
	PermToolsList = "tools/list"
	PermToolsCall = "tools/call"
	PermAdmin     = "admin"
	PermAll       = "*"
)

// ErrAuthenticationRequired means no usable credentials were presented and
// anonymous access is disabled.
var ErrAuthenticationRequired = errors.New("security: authentication required")

// ErrAuthenticationFailed means credentials were presented but rejected.
var ErrAuthenticationFailed = errors.New("security: authentication failed")

// ErrUnknownScheme means credentials were presented but no credential
// scheme is registered to check them.
var ErrUnknownScheme = errors.New("security: unknown credential scheme")

// Credentials is the authentication material presented with a request.
type Credentials struct {
	// Scheme names the registered credential scheme, e.g. "bearer",
	// "signed", "api_key".
	Scheme string
	Token  string
}

// Empty reports whether no credentials were presented at all.
func (c *Credentials) Empty() bool {
	return c == nil || (c.Scheme == "" && c.Token == "")
}

// Identity is the outcome of a successful credential check.
type Identity struct {
	UserID      string
	Permissions map[string]bool
	// Method records which scheme established the identity.
	Method string
}

// Scheme validates one kind of credential. Implementations must be safe
// for concurrent use.
type Scheme interface {
	// Name is the credential type this scheme handles.
	Name() string
	// Authenticate verifies the token and returns the identity it proves.
	// Failures wrap or return ErrAuthenticationFailed.
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// Session is an authenticated (or anonymous) principal bound to a source
// address. Sessions expire after a TTL of inactivity and are revocable.
type Session struct {
	ID          string
	UserID      string
	AuthMethod  string
	Permissions map[string]bool
	RemoteAddr  netip.Addr
	CreatedAt   time.Time
	LastActive  time.Time
	ExpiresAt   time.Time
}

// Anonymous reports whether the session was created without credentials.
func (s *Session) Anonymous() bool { return s.AuthMethod == AuthMethodAnonymous }

// Can reports whether the session carries the permission, directly or via
// a wildcard grant.
func (s *Session) Can(permission string) bool {
	return s.Permissions[permission] || s.Permissions[PermAll] || s.Permissions[PermAdmin]
}

// AuthMethodAnonymous marks sessions created without credentials.
const AuthMethodAnonymous = "anonymous"

// AnonymousPermissions is the grant given to unauthenticated sessions.
func AnonymousPermissions() map[string]bool {
	return map[string]bool{
		PermRead:      true,
		PermToolsList: true,
		PermToolsCall: true,
	}
}
