// Package storedtoken implements an opaque credential scheme: tokens are
// random identifiers looked up in a server-side store. Unlike signed
// tokens they can be revoked individually before they expire.
package storedtoken

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcplease/mcplease-go/security"
)

// SchemeName is the credential type handled by this package.
const SchemeName = "api_key"

const (
	defaultTokenTTL = 24 * time.Hour
	tokenPrefix     = "mcpk_"
)

type record struct {
	userID      string
	permissions []string
	issuedAt    time.Time
	expiresAt   time.Time
}

// Scheme issues, validates, and revokes opaque tokens held in memory.
type Scheme struct {
	now func() time.Time
	ttl time.Duration

	mu     sync.Mutex
	tokens map[string]record
}

// Option configures a Scheme at construction.
type Option func(*Scheme)

// WithTokenTTL sets the default lifetime for issued tokens.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Scheme) { s.ttl = ttl }
}

// WithClock overrides the time source. Used by tests to control expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Scheme) { s.now = now }
}

// New builds an empty token store.
func New(opts ...Option) *Scheme {
	s := &Scheme{
		now:    time.Now,
		ttl:    defaultTokenTTL,
		tokens: make(map[string]record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements security.Scheme.
func (s *Scheme) Name() string { return SchemeName }

// Issue mints a token granting permissions to userID for ttl. A zero ttl
// uses the scheme default.
func (s *Scheme) Issue(userID string, permissions []string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	// Two UUIDs worth of entropy; the prefix makes leaked keys greppable.
	token := tokenPrefix + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	now := s.now()

	s.mu.Lock()
	s.tokens[token] = record{
		userID:      userID,
		permissions: permissions,
		issuedAt:    now,
		expiresAt:   now.Add(ttl),
	}
	s.mu.Unlock()
	return token, nil
}

// Authenticate resolves the token, expiring it lazily if its lifetime has
// passed.
func (s *Scheme) Authenticate(ctx context.Context, token string) (*security.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[token]
	if !ok {
		return nil, fmt.Errorf("unknown token")
	}
	if !s.now().Before(rec.expiresAt) {
		delete(s.tokens, token)
		return nil, fmt.Errorf("token expired")
	}
	perms := make(map[string]bool, len(rec.permissions))
	for _, p := range rec.permissions {
		perms[p] = true
	}
	return &security.Identity{UserID: rec.userID, Permissions: perms, Method: SchemeName}, nil
}

// Revoke removes a token. It reports whether the token was present.
func (s *Scheme) Revoke(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[token]; !ok {
		return false
	}
	delete(s.tokens, token)
	return true
}

// RevokeUser removes every token issued to userID and returns how many
// were dropped.
func (s *Scheme) RevokeUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, rec := range s.tokens {
		if rec.userID == userID {
			delete(s.tokens, token)
			n++
		}
	}
	return n
}

// Sweep drops expired tokens and returns how many were removed.
func (s *Scheme) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, rec := range s.tokens {
		if !now.Before(rec.expiresAt) {
			delete(s.tokens, token)
			n++
		}
	}
	return n
}

// Len reports how many tokens are currently stored, expired or not.
func (s *Scheme) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

var _ security.Scheme = (*Scheme)(nil)
