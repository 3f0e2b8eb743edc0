// Package redis provides a Redis-backed contextstore so session context
// survives process restarts and can be shared across replicas.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mcplease/mcplease-go/contextstore"
)

const defaultKeyPrefix = "mcplease:ctx:"

// appendRetries bounds the optimistic-transaction retry loop used by
// Append when concurrent writers touch the same session.
const appendRetries = 5

// Config contains configuration for the Redis store.
type Config struct {
	// Client is the Redis client instance. Required.
	Client *redis.Client

	// KeyPrefix namespaces all keys. Default: "mcplease:ctx:".
	KeyPrefix string

	// MaxEntries bounds the conversation window per session.
	MaxEntries int

	// TTL is the idle lifetime of stored contexts.
	TTL time.Duration
}

// Store implements contextstore.Store on Redis.
type Store struct {
	client     *redis.Client
	keyPrefix  string
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

// New creates a Redis-backed store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = contextstore.DefaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = contextstore.DefaultTTL
	}
	return &Store{
		client:     cfg.Client,
		keyPrefix:  cfg.KeyPrefix,
		maxEntries: cfg.MaxEntries,
		ttl:        cfg.TTL,
		now:        time.Now,
	}, nil
}

func (s *Store) key(sessionID string) string {
	return s.keyPrefix + sessionID
}

func (s *Store) Get(ctx context.Context, sessionID string) (*contextstore.Context, error) {
	raw, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	var c contextstore.Context
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored context: %w", err)
	}
	return &c, nil
}

func (s *Store) Put(ctx context.Context, c *contextstore.Context) error {
	if c == nil || c.SessionID == "" {
		return fmt.Errorf("context with session id is required")
	}
	now := s.now()
	cp := *c
	cp.Entries = contextstore.Trim(cp.Entries, s.maxEntries)
	cp.UpdatedAt = now
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}
	if err := s.client.Set(ctx, s.key(c.SessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session %s: %w", c.SessionID, err)
	}
	return nil
}

// Append adds entries inside a WATCH transaction so concurrent appends to
// the same session serialize instead of clobbering each other.
func (s *Store) Append(ctx context.Context, sessionID, userID string, entries ...contextstore.Entry) (*contextstore.Context, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	key := s.key(sessionID)

	var result *contextstore.Context
	txn := func(tx *redis.Tx) error {
		now := s.now()
		c := &contextstore.Context{SessionID: sessionID, UserID: userID, CreatedAt: now}

		raw, err := tx.Get(ctx, key).Result()
		switch {
		case err == nil:
			if err := json.Unmarshal([]byte(raw), c); err != nil {
				return fmt.Errorf("failed to unmarshal stored context: %w", err)
			}
		case errors.Is(err, redis.Nil):
			// new session context
		default:
			return err
		}

		c.Entries = contextstore.Trim(append(c.Entries, entries...), s.maxEntries)
		c.UpdatedAt = now

		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal context: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		result = c
		return nil
	}

	var err error
	for i := 0; i < appendRetries; i++ {
		err = s.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to append to session %s: %w", sessionID, err)
	}
	return result, nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

var _ contextstore.Store = (*Store)(nil)
