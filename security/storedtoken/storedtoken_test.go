package storedtoken

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcplease/mcplease-go/security"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestIssueAndAuthenticate(t *testing.T) {
	s := New()

	tok, err := s.Issue("alice", []string{security.PermRead}, time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tok, tokenPrefix))

	identity, err := s.Authenticate(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.UserID)
	assert.Equal(t, SchemeName, identity.Method)
	assert.True(t, identity.Permissions[security.PermRead])

	_, err = s.Authenticate(context.Background(), "mcpk_bogus")
	assert.Error(t, err)
}

func TestTokensAreUnique(t *testing.T) {
	s := New()

	a, err := s.Issue("alice", nil, time.Hour)
	require.NoError(t, err)
	b, err := s.Issue("alice", nil, time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestExpiryIsLazy(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	tok, err := s.Issue("alice", nil, time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = s.Authenticate(context.Background(), tok)
	assert.ErrorContains(t, err, "expired")
	assert.Zero(t, s.Len(), "expired token should be dropped on lookup")
}

func TestRevoke(t *testing.T) {
	s := New()

	tok, err := s.Issue("alice", nil, time.Hour)
	require.NoError(t, err)

	assert.True(t, s.Revoke(tok))
	assert.False(t, s.Revoke(tok))

	_, err = s.Authenticate(context.Background(), tok)
	assert.Error(t, err)
}

func TestRevokeUser(t *testing.T) {
	s := New()

	_, err := s.Issue("alice", nil, time.Hour)
	require.NoError(t, err)
	_, err = s.Issue("alice", nil, time.Hour)
	require.NoError(t, err)
	bobTok, err := s.Issue("bob", nil, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 2, s.RevokeUser("alice"))

	_, err = s.Authenticate(context.Background(), bobTok)
	assert.NoError(t, err)
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	_, err := s.Issue("alice", nil, time.Minute)
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = s.Issue("bob", nil, time.Hour)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len())
}
