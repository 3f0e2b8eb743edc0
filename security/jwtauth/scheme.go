package jwtauth

import (
	"context"

	"github.com/mcplease/mcplease-go/security"
)

// SchemeName is the credential type handled by this package.
const SchemeName = "bearer"

// PermissionMapper turns validated token claims into a permission set.
type PermissionMapper func(*TokenClaims) map[string]bool

// ScopePermissions is the default mapper: every scope is granted verbatim
// as a permission, plus baseline read access. Scopes carrying an "mcp:"
// prefix are granted both prefixed and bare, so a token scoped
// "mcp:tools/call" satisfies the "tools/call" permission.
func ScopePermissions(claims *TokenClaims) map[string]bool {
	perms := map[string]bool{security.PermRead: true}
	for _, scope := range claims.Scopes {
		perms[scope] = true
		if len(scope) > 4 && scope[:4] == "mcp:" {
			perms[scope[4:]] = true
		}
	}
	return perms
}

// Scheme adapts a Verifier to the security.Scheme contract.
type Scheme struct {
	verifier Verifier
	mapper   PermissionMapper
}

// SchemeOption configures a Scheme at construction.
type SchemeOption func(*Scheme)

// WithPermissionMapper overrides how scopes become permissions.
func WithPermissionMapper(m PermissionMapper) SchemeOption {
	return func(s *Scheme) { s.mapper = m }
}

// NewScheme wraps a Verifier as a bearer credential scheme.
func NewScheme(v Verifier, opts ...SchemeOption) *Scheme {
	s := &Scheme{verifier: v, mapper: ScopePermissions}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements security.Scheme.
func (s *Scheme) Name() string { return SchemeName }

// Authenticate implements security.Scheme.
func (s *Scheme) Authenticate(ctx context.Context, token string) (*security.Identity, error) {
	claims, err := s.verifier.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	return &security.Identity{
		UserID:      claims.Subject,
		Permissions: s.mapper(claims),
		Method:      SchemeName,
	}, nil
}

var _ security.Scheme = (*Scheme)(nil)
