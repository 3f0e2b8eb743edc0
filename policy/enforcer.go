package policy

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

const (
	rateWindow    = time.Minute
	sweepInterval = 5 * time.Minute
)

// Enforcer applies a Policy to connections and requests. The active policy
// is swapped atomically by Replace; in-flight checks finish against the
// snapshot they started with. Rate and connection state survives policy
// swaps.
type Enforcer struct {
	log    *slog.Logger
	now    func() time.Time
	policy atomic.Pointer[Policy]

	rateMu  sync.Mutex
	windows map[netip.Addr][]time.Time

	connMu sync.Mutex
	conns  map[netip.Addr]int
}

// EnforcerOption configures an Enforcer at construction.
type EnforcerOption func(*Enforcer)

// WithLogger sets the structured logger for denial records.
func WithLogger(log *slog.Logger) EnforcerOption {
	return func(e *Enforcer) { e.log = log }
}

// WithClock overrides the time source. Used by tests to shape rate windows.
func WithClock(now func() time.Time) EnforcerOption {
	return func(e *Enforcer) { e.now = now }
}

// NewEnforcer builds an Enforcer around the given policy. A nil policy
// gets the development default.
func NewEnforcer(p *Policy, opts ...EnforcerOption) *Enforcer {
	if p == nil {
		p = Default()
	}
	e := &Enforcer{
		log:     slog.Default(),
		now:     time.Now,
		windows: make(map[netip.Addr][]time.Time),
		conns:   make(map[netip.Addr]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.policy.Store(p)
	return e
}

// Replace swaps in a new policy. Checks already in flight complete against
// the old snapshot.
func (e *Enforcer) Replace(p *Policy) {
	if p == nil {
		return
	}
	e.policy.Store(p)
	e.log.Info("network policy replaced",
		slog.Int("rate_limit_per_addr", p.RateLimitPerAddr),
		slog.Int("max_conns_per_addr", p.MaxConnsPerAddr),
		slog.Bool("require_tls", p.RequireTLS))
}

// Current returns the active policy snapshot.
func (e *Enforcer) Current() *Policy {
	return e.policy.Load()
}

// insecureSchemes are the plaintext transports rejected when the policy
// requires encryption. Local pipes do not traverse a network and pass.
var insecureSchemes = map[string]bool{"http": true, "ws": true, "tcp": true}

// ValidateAccess checks whether addr may reach the server on port over the
// named scheme. Checks run in a fixed order: port, transport security,
// block-list, allow-list. The returned reason is empty when access is
// granted.
func (e *Enforcer) ValidateAccess(addr netip.Addr, port int, scheme string) (bool, string) {
	p := e.policy.Load()
	addr = addr.Unmap()

	if _, ok := p.AllowedPorts[port]; !ok {
		return e.deny(addr, fmt.Sprintf("port %d not allowed", port))
	}
	if p.RequireTLS && insecureSchemes[scheme] {
		return e.deny(addr, "encrypted transport required")
	}
	if _, ok := p.BlockedAddrs[addr]; ok {
		return e.deny(addr, fmt.Sprintf("address %s is blocked", addr))
	}
	for _, pfx := range p.BlockedNets {
		if pfx.Contains(addr) {
			return e.deny(addr, fmt.Sprintf("address %s is in blocked network %s", addr, pfx))
		}
	}
	if p.hasAllowList() {
		if _, ok := p.AllowedAddrs[addr]; !ok && !containedIn(p.AllowedNets, addr) {
			return e.deny(addr, fmt.Sprintf("address %s not in allowed list", addr))
		}
	}
	return true, ""
}

func containedIn(nets []netip.Prefix, addr netip.Addr) bool {
	for _, pfx := range nets {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

func (e *Enforcer) deny(addr netip.Addr, reason string) (bool, string) {
	e.log.Warn("network access denied",
		slog.String("remote_addr", addr.String()),
		slog.String("reason", reason))
	return false, reason
}

// CheckRateLimit records one request for addr and reports whether it stays
// within the per-address budget for the trailing window. The address's
// window is pruned lazily on each call.
func (e *Enforcer) CheckRateLimit(addr netip.Addr) (bool, string) {
	p := e.policy.Load()
	addr = addr.Unmap()
	now := e.now()
	cutoff := now.Add(-rateWindow)

	e.rateMu.Lock()
	defer e.rateMu.Unlock()

	window := e.windows[addr]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= p.RateLimitPerAddr {
		e.windows[addr] = kept
		return false, fmt.Sprintf("rate limit exceeded for %s: %d requests per minute", addr, p.RateLimitPerAddr)
	}
	e.windows[addr] = append(kept, now)
	return true, ""
}

// CheckConnectionLimit reports whether addr may open another connection.
// It does not register the connection; callers that proceed must call
// RegisterConnection.
func (e *Enforcer) CheckConnectionLimit(addr netip.Addr) (bool, string) {
	p := e.policy.Load()
	addr = addr.Unmap()

	e.connMu.Lock()
	defer e.connMu.Unlock()
	if e.conns[addr] >= p.MaxConnsPerAddr {
		return false, fmt.Sprintf("connection limit exceeded for %s: %d concurrent", addr, p.MaxConnsPerAddr)
	}
	return true, ""
}

// RegisterConnection counts a new live connection from addr.
func (e *Enforcer) RegisterConnection(addr netip.Addr) {
	addr = addr.Unmap()
	e.connMu.Lock()
	e.conns[addr]++
	e.connMu.Unlock()
}

// UnregisterConnection releases a connection slot for addr. The counter
// never goes negative; an unmatched release is dropped.
func (e *Enforcer) UnregisterConnection(addr netip.Addr) {
	addr = addr.Unmap()
	e.connMu.Lock()
	if n := e.conns[addr]; n <= 1 {
		delete(e.conns, addr)
	} else {
		e.conns[addr] = n - 1
	}
	e.connMu.Unlock()
}

// Sweep drops expired rate windows and zeroed connection counters so idle
// addresses do not accumulate state.
func (e *Enforcer) Sweep() {
	cutoff := e.now().Add(-rateWindow)

	e.rateMu.Lock()
	for addr, window := range e.windows {
		kept := window[:0]
		for _, ts := range window {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(e.windows, addr)
		} else {
			e.windows[addr] = kept
		}
	}
	e.rateMu.Unlock()

	e.connMu.Lock()
	for addr, n := range e.conns {
		if n <= 0 {
			delete(e.conns, addr)
		}
	}
	e.connMu.Unlock()
}

// RunSweeper sweeps on a fixed cadence until ctx is canceled. Run it in
// its own goroutine.
func (e *Enforcer) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Sweep()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats is a point-in-time view of enforcer state.
type Stats struct {
	TrackedAddrs    int
	LiveConnections int
	RateLimitPerMin int
	MaxConnsPerAddr int
	RequireTLS      bool
}

// Stats summarizes tracked addresses and the limits in force.
func (e *Enforcer) Stats() Stats {
	p := e.policy.Load()

	e.rateMu.Lock()
	tracked := len(e.windows)
	e.rateMu.Unlock()

	e.connMu.Lock()
	live := 0
	for _, n := range e.conns {
		live += n
	}
	e.connMu.Unlock()

	return Stats{
		TrackedAddrs:    tracked,
		LiveConnections: live,
		RateLimitPerMin: p.RateLimitPerAddr,
		MaxConnsPerAddr: p.MaxConnsPerAddr,
		RequireTLS:      p.RequireTLS,
	}
}
