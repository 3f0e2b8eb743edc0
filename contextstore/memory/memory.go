// Package memory provides an in-memory contextstore backend using
// github.com/hashicorp/golang-lru/v2 so the resident session count stays
// bounded even without TTL pressure.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mcplease/mcplease-go/contextstore"
)

const (
	defaultMaxSessions = 1024
	cleanupCadence     = 5 * time.Minute
)

type record struct {
	ctx       *contextstore.Context
	expiresAt time.Time
}

// Store implements contextstore.Store in process memory.
type Store struct {
	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	mu     sync.Mutex
	cache  *lru.Cache[string, *record]
	done   chan struct{}
	closed bool
}

// Option configures a Store at construction.
type Option func(*Store)

// WithMaxEntries bounds the conversation window per session.
func WithMaxEntries(n int) Option {
	return func(s *Store) { s.maxEntries = n }
}

// WithTTL sets the idle lifetime of stored contexts.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock overrides the time source. Used by tests to control expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an in-memory store holding at most maxSessions contexts.
// Zero means the default. A background goroutine evicts expired contexts
// until Close is called.
func New(maxSessions int, opts ...Option) (*Store, error) {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	s := &Store{
		maxEntries: contextstore.DefaultMaxEntries,
		ttl:        contextstore.DefaultTTL,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	cache, err := lru.New[string, *record](maxSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	s.cache = cache

	go s.cleanupExpired()
	return s, nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*contextstore.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, contextstore.ErrClosed
	}

	rec, ok := s.cache.Get(sessionID)
	if !ok {
		return nil, nil
	}
	if !s.now().Before(rec.expiresAt) {
		s.cache.Remove(sessionID)
		return nil, nil
	}
	return copyContext(rec.ctx), nil
}

func (s *Store) Put(ctx context.Context, c *contextstore.Context) error {
	if c == nil || c.SessionID == "" {
		return fmt.Errorf("context with session id is required")
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return contextstore.ErrClosed
	}

	cp := copyContext(c)
	cp.Entries = contextstore.Trim(cp.Entries, s.maxEntries)
	cp.UpdatedAt = now
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	s.cache.Add(c.SessionID, &record{ctx: cp, expiresAt: now.Add(s.ttl)})
	return nil
}

func (s *Store) Append(ctx context.Context, sessionID, userID string, entries ...contextstore.Entry) (*contextstore.Context, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, contextstore.ErrClosed
	}

	var c *contextstore.Context
	if rec, ok := s.cache.Get(sessionID); ok && s.now().Before(rec.expiresAt) {
		c = rec.ctx
	} else {
		c = &contextstore.Context{SessionID: sessionID, UserID: userID, CreatedAt: now}
	}
	c.Entries = contextstore.Trim(append(c.Entries, entries...), s.maxEntries)
	c.UpdatedAt = now
	s.cache.Add(sessionID, &record{ctx: c, expiresAt: now.Add(s.ttl)})
	return copyContext(c), nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return contextstore.ErrClosed
	}
	s.cache.Remove(sessionID)
	return nil
}

// Len reports how many contexts are resident, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// Close stops the cleanup goroutine and drops all contexts.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	s.cache.Purge()
	return nil
}

func (s *Store) cleanupExpired() {
	ticker := time.NewTicker(cleanupCadence)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.done:
			return
		}
	}
}

func (s *Store) evictExpired() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, key := range s.cache.Keys() {
		if rec, ok := s.cache.Peek(key); ok && !now.Before(rec.expiresAt) {
			s.cache.Remove(key)
		}
	}
}

func copyContext(c *contextstore.Context) *contextstore.Context {
	cp := *c
	cp.Entries = append([]contextstore.Entry(nil), c.Entries...)
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

var _ contextstore.Store = (*Store)(nil)
