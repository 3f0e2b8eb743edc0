package policy

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

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

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	addr, err := netip.ParseAddr(s)
	require.NoError(t, err)
	return addr
}

func TestSpecCompile(t *testing.T) {
	spec := Spec{
		AllowedAddrs: []string{"203.0.113.9"},
		AllowedNets:  []string{"10.0.0.0/8"},
		BlockedAddrs: []string{"198.51.100.1"},
		AllowedPorts: []int{9000},
		RateLimit:    5,
	}
	p, err := spec.Compile()
	require.NoError(t, err)

	assert.Contains(t, p.AllowedAddrs, netip.MustParseAddr("203.0.113.9"))
	assert.Contains(t, p.AllowedPorts, 9000)
	assert.Equal(t, 5, p.RateLimitPerAddr)
	assert.Equal(t, 10, p.MaxConnsPerAddr, "unset limit gets the default")
}

func TestSpecCompileRejectsBadInput(t *testing.T) {
	_, err := (&Spec{AllowedAddrs: []string{"not-an-ip"}}).Compile()
	assert.Error(t, err)

	_, err = (&Spec{AllowedNets: []string{"10.0.0.0/64"}}).Compile()
	assert.Error(t, err)

	_, err = (&Spec{AllowedPorts: []int{70000}}).Compile()
	assert.Error(t, err)
}

func TestValidateAccessOrderAndReasons(t *testing.T) {
	spec := Spec{
		AllowedNets:  []string{"10.0.0.0/8"},
		BlockedAddrs: []string{"10.0.0.66"},
		BlockedNets:  []string{"10.9.0.0/16"},
		AllowedPorts: []int{8000},
		RequireTLS:   true,
	}
	p, err := spec.Compile()
	require.NoError(t, err)
	e := NewEnforcer(p, WithLogger(discardLogger()))

	cases := []struct {
		name   string
		addr   string
		port   int
		scheme string
		ok     bool
		reason string
	}{
		{"allowed", "10.1.2.3", 8000, "https", true, ""},
		{"port checked first", "10.0.0.66", 9999, "http", false, "port 9999 not allowed"},
		{"tls before block list", "10.0.0.66", 8000, "http", false, "encrypted transport required"},
		{"blocked address", "10.0.0.66", 8000, "https", false, "address 10.0.0.66 is blocked"},
		{"blocked network", "10.9.1.1", 8000, "https", false, "address 10.9.1.1 is in blocked network 10.9.0.0/16"},
		{"outside allow list", "192.0.2.10", 8000, "https", false, "address 192.0.2.10 not in allowed list"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := e.ValidateAccess(mustAddr(t, tc.addr), tc.port, tc.scheme)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestValidateAccessNoAllowListAdmitsAnyUnblocked(t *testing.T) {
	p, err := (&Spec{AllowedPorts: []int{8000}, BlockedAddrs: []string{"192.0.2.1"}}).Compile()
	require.NoError(t, err)
	e := NewEnforcer(p, WithLogger(discardLogger()))

	ok, _ := e.ValidateAccess(mustAddr(t, "203.0.113.50"), 8000, "http")
	assert.True(t, ok)

	ok, _ = e.ValidateAccess(mustAddr(t, "192.0.2.1"), 8000, "http")
	assert.False(t, ok)
}

func TestValidateAccessUnmapsMappedAddrs(t *testing.T) {
	e := NewEnforcer(Default(), WithLogger(discardLogger()))

	ok, _ := e.ValidateAccess(netip.MustParseAddr("::ffff:10.1.2.3"), 8000, "http")
	assert.True(t, ok, "v4-mapped address should match a v4 prefix")
}

func TestCheckRateLimitSlidingWindow(t *testing.T) {
	clock := newFakeClock()
	p, err := (&Spec{AllowedPorts: []int{8000}, RateLimit: 2}).Compile()
	require.NoError(t, err)
	e := NewEnforcer(p, WithLogger(discardLogger()), WithClock(clock.Now))
	addr := mustAddr(t, "10.1.2.3")

	ok, _ := e.CheckRateLimit(addr)
	assert.True(t, ok)
	ok, _ = e.CheckRateLimit(addr)
	assert.True(t, ok)

	ok, reason := e.CheckRateLimit(addr)
	assert.False(t, ok)
	assert.Contains(t, reason, "rate limit exceeded")

	// A different address has its own window.
	ok, _ = e.CheckRateLimit(mustAddr(t, "10.1.2.4"))
	assert.True(t, ok)

	// After the window slides, the budget recovers.
	clock.Advance(61 * time.Second)
	ok, _ = e.CheckRateLimit(addr)
	assert.True(t, ok)
}

func TestConnectionLimit(t *testing.T) {
	p, err := (&Spec{AllowedPorts: []int{8000}, MaxConns: 2}).Compile()
	require.NoError(t, err)
	e := NewEnforcer(p, WithLogger(discardLogger()))
	addr := mustAddr(t, "10.1.2.3")

	ok, _ := e.CheckConnectionLimit(addr)
	require.True(t, ok)
	e.RegisterConnection(addr)
	e.RegisterConnection(addr)

	ok, reason := e.CheckConnectionLimit(addr)
	assert.False(t, ok)
	assert.Contains(t, reason, "connection limit exceeded")

	e.UnregisterConnection(addr)
	ok, _ = e.CheckConnectionLimit(addr)
	assert.True(t, ok)

	// Unmatched releases must not drive the counter negative.
	e.UnregisterConnection(addr)
	e.UnregisterConnection(addr)
	e.RegisterConnection(addr)
	assert.Equal(t, 1, e.Stats().LiveConnections)
}

func TestReplaceSwapsLimitsImmediately(t *testing.T) {
	clock := newFakeClock()
	p, err := (&Spec{AllowedPorts: []int{8000}, RateLimit: 1}).Compile()
	require.NoError(t, err)
	e := NewEnforcer(p, WithLogger(discardLogger()), WithClock(clock.Now))
	addr := mustAddr(t, "10.1.2.3")

	ok, _ := e.CheckRateLimit(addr)
	require.True(t, ok)
	ok, _ = e.CheckRateLimit(addr)
	require.False(t, ok)

	wider, err := (&Spec{AllowedPorts: []int{8000}, RateLimit: 100}).Compile()
	require.NoError(t, err)
	e.Replace(wider)

	// Recorded requests persist across the swap; only the limit changed.
	ok, _ = e.CheckRateLimit(addr)
	assert.True(t, ok)
	assert.Equal(t, 100, e.Current().RateLimitPerAddr)
}

func TestSweepDropsIdleState(t *testing.T) {
	clock := newFakeClock()
	e := NewEnforcer(Default(), WithLogger(discardLogger()), WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		addr := mustAddr(t, fmt.Sprintf("10.0.0.%d", i+1))
		_, _ = e.CheckRateLimit(addr)
	}
	assert.Equal(t, 5, e.Stats().TrackedAddrs)

	clock.Advance(2 * time.Minute)
	e.Sweep()
	assert.Zero(t, e.Stats().TrackedAddrs)
}

func TestProductionPolicyRequiresTLS(t *testing.T) {
	e := NewEnforcer(Production(), WithLogger(discardLogger()))

	ok, reason := e.ValidateAccess(mustAddr(t, "203.0.113.5"), 8000, "http")
	assert.False(t, ok)
	assert.Equal(t, "encrypted transport required", reason)

	ok, _ = e.ValidateAccess(mustAddr(t, "203.0.113.5"), 8000, "https")
	assert.True(t, ok)
}
