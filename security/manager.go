package security

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultSessionTTL   = time.Hour
	sessionSweepCadence = 5 * time.Minute
)

// Manager authenticates requests and tracks the resulting sessions. It
// indexes sessions by user and by source address so revocation can target
// either. One Manager is constructed at startup; there is no package-level
// instance.
type Manager struct {
	log       *slog.Logger
	now       func() time.Time
	ttl       time.Duration
	anonymous bool
	schemes   []Scheme

	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}
	byAddr   map[netip.Addr]map[string]struct{}
}

// ManagerOption configures a Manager at construction.
type ManagerOption func(*Manager)

// WithLogger sets the structured logger for session events.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithClock overrides the time source. Used by tests to control expiry.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithSessionTTL sets the inactivity window after which sessions expire.
func WithSessionTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.ttl = ttl }
}

// WithScheme appends a credential scheme to the authentication chain.
// Registration order is significant: schemes are tried front to back.
func WithScheme(s Scheme) ManagerOption {
	return func(m *Manager) { m.schemes = append(m.schemes, s) }
}

// WithAnonymousAccess controls whether requests without credentials get a
// session with the anonymous grant. Enabled by default.
func WithAnonymousAccess(enabled bool) ManagerOption {
	return func(m *Manager) { m.anonymous = enabled }
}

// NewManager builds a session manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		log:       slog.Default(),
		now:       time.Now,
		ttl:       defaultSessionTTL,
		anonymous: true,
		sessions:  make(map[string]*Session),
		byUser:    make(map[string]map[string]struct{}),
		byAddr:    make(map[netip.Addr]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Authenticate establishes a session for the presented credentials. Empty
// credentials yield an anonymous session when anonymous access is enabled
// and ErrAuthenticationRequired otherwise. Schemes are tried in
// registration order and the first to accept the token wins; the
// credential's scheme name only moves the matching scheme to the front
// of the chain.
func (m *Manager) Authenticate(ctx context.Context, creds *Credentials, remote netip.Addr) (*Session, error) {
	if creds.Empty() {
		if !m.anonymous {
			return nil, ErrAuthenticationRequired
		}
		sess := m.create(&Identity{
			UserID:      "anonymous:" + uuid.NewString()[:8],
			Permissions: AnonymousPermissions(),
			Method:      AuthMethodAnonymous,
		}, remote)
		m.log.DebugContext(ctx, "anonymous session created",
			slog.String("session_id", sess.ID),
			slog.String("remote_addr", remote.String()))
		return sess, nil
	}

	if len(m.schemes) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, creds.Scheme)
	}

	var lastErr error
	for _, scheme := range m.orderedSchemes(creds.Scheme) {
		identity, err := scheme.Authenticate(ctx, creds.Token)
		if err != nil {
			lastErr = err
			continue
		}
		if identity.Method == "" {
			identity.Method = scheme.Name()
		}
		sess := m.create(identity, remote)
		m.log.InfoContext(ctx, "session created",
			slog.String("session_id", sess.ID),
			slog.String("user_id", sess.UserID),
			slog.String("auth_method", sess.AuthMethod))
		return sess, nil
	}

	m.log.WarnContext(ctx, "authentication rejected",
		slog.String("scheme", creds.Scheme),
		slog.String("remote_addr", remote.String()),
		slog.String("error", lastErr.Error()))
	return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, lastErr)
}

// orderedSchemes returns the authentication chain with the named scheme,
// when registered, moved to the front. The name is a hint: every scheme
// still gets a chance to accept the token.
func (m *Manager) orderedSchemes(name string) []Scheme {
	for i, s := range m.schemes {
		if s.Name() != name {
			continue
		}
		if i == 0 {
			break
		}
		ordered := make([]Scheme, 0, len(m.schemes))
		ordered = append(ordered, s)
		ordered = append(ordered, m.schemes[:i]...)
		return append(ordered, m.schemes[i+1:]...)
	}
	return m.schemes
}

func (m *Manager) create(identity *Identity, remote netip.Addr) *Session {
	now := m.now()
	sess := &Session{
		ID:          uuid.NewString(),
		UserID:      identity.UserID,
		AuthMethod:  identity.Method,
		Permissions: identity.Permissions,
		RemoteAddr:  remote,
		CreatedAt:   now,
		LastActive:  now,
		ExpiresAt:   now.Add(m.ttl),
	}
	if sess.Permissions == nil {
		sess.Permissions = map[string]bool{PermRead: true}
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	index(m.byUser, sess.UserID, sess.ID)
	index(m.byAddr, sess.RemoteAddr, sess.ID)
	m.mu.Unlock()
	return snapshot(sess)
}

// Validate looks up a live session, expiring it lazily if its TTL has
// passed, and bumps its activity clock. The returned session is a copy.
func (m *Manager) Validate(sessionID string) (*Session, bool) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	// Expired only strictly past the deadline; a session observed at
	// exactly its TTL is still live.
	if now.After(sess.ExpiresAt) {
		m.dropLocked(sess)
		return nil, false
	}
	sess.LastActive = now
	sess.ExpiresAt = now.Add(m.ttl)
	return snapshot(sess), true
}

// CheckPermission reports whether the session exists, is live, and carries
// the permission.
func (m *Manager) CheckPermission(sessionID, permission string) bool {
	sess, ok := m.Validate(sessionID)
	return ok && sess.Can(permission)
}

// Revoke removes a session. It reports whether the session was present,
// so a second call for the same ID returns false.
func (m *Manager) Revoke(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	m.dropLocked(sess)
	m.log.Info("session revoked", slog.String("session_id", sessionID))
	return true
}

// RevokeUser removes every session belonging to userID and returns how
// many were dropped.
func (m *Manager) RevokeUser(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id := range m.byUser[userID] {
		if sess, ok := m.sessions[id]; ok {
			m.dropLocked(sess)
			n++
		}
	}
	if n > 0 {
		m.log.Info("user sessions revoked", slog.String("user_id", userID), slog.Int("count", n))
	}
	return n
}

// RevokeAddr removes every session bound to the source address and returns
// how many were dropped. Used when an address is added to the block list.
func (m *Manager) RevokeAddr(addr netip.Addr) int {
	addr = addr.Unmap()

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id := range m.byAddr[addr] {
		if sess, ok := m.sessions[id]; ok {
			m.dropLocked(sess)
			n++
		}
	}
	if n > 0 {
		m.log.Info("address sessions revoked", slog.String("remote_addr", addr.String()), slog.Int("count", n))
	}
	return n
}

// Sweep drops every expired session.
func (m *Manager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, sess := range m.sessions {
		if now.After(sess.ExpiresAt) {
			m.dropLocked(sess)
			n++
		}
	}
	return n
}

// RunSweeper sweeps expired sessions on a fixed cadence until ctx is
// canceled. Run it in its own goroutine.
func (m *Manager) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(sessionSweepCadence)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.log.Debug("expired sessions swept", slog.Int("count", n))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats is a point-in-time view of tracked sessions.
type Stats struct {
	ActiveSessions int
	UniqueUsers    int
	UniqueAddrs    int
	ByAuthMethod   map[string]int
}

// Stats summarizes the live session population.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		ActiveSessions: len(m.sessions),
		UniqueUsers:    len(m.byUser),
		UniqueAddrs:    len(m.byAddr),
		ByAuthMethod:   make(map[string]int),
	}
	for _, sess := range m.sessions {
		s.ByAuthMethod[sess.AuthMethod]++
	}
	return s
}

// dropLocked removes a session from the primary map and both indexes.
// Caller holds m.mu.
func (m *Manager) dropLocked(sess *Session) {
	delete(m.sessions, sess.ID)
	unindex(m.byUser, sess.UserID, sess.ID)
	unindex(m.byAddr, sess.RemoteAddr, sess.ID)
}

func index[K comparable](idx map[K]map[string]struct{}, key K, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func unindex[K comparable](idx map[K]map[string]struct{}, key K, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

func snapshot(sess *Session) *Session {
	cp := *sess
	cp.Permissions = make(map[string]bool, len(sess.Permissions))
	for k, v := range sess.Permissions {
		cp.Permissions[k] = v
	}
	return &cp
}
