// Package policy decides, per source address and port, whether a
// connection or request is admissible: allow/deny lists, CIDR ranges,
// a per-address request rate limit, and a per-address concurrent
// connection limit.
package policy

import (
	"fmt"
	"net/netip"
)

// Policy is the network access policy. It is read-only during request
// processing and replaced as a whole on reconfiguration.
type Policy struct {
	AllowedAddrs map[netip.Addr]struct{}
	BlockedAddrs map[netip.Addr]struct{}
	AllowedNets  []netip.Prefix
	BlockedNets  []netip.Prefix

	AllowedPorts map[int]struct{}

	// RateLimitPerAddr is the number of requests allowed per address in a
	// trailing 60 second window.
	RateLimitPerAddr int
	// MaxConnsPerAddr caps live connections per address.
	MaxConnsPerAddr int
	// RequireTLS rejects plaintext schemes.
	RequireTLS bool
}

// Builder-style snapshot used by config loaders before compilation into a
// Policy. Address and prefix fields are textual.
type Spec struct {
	AllowedAddrs []string `yaml:"allowed_addrs"`
	BlockedAddrs []string `yaml:"blocked_addrs"`
	AllowedNets  []string `yaml:"allowed_nets"`
	BlockedNets  []string `yaml:"blocked_nets"`
	AllowedPorts []int    `yaml:"allowed_ports"`
	RateLimit    int      `yaml:"rate_limit_per_addr"`
	MaxConns     int      `yaml:"max_conns_per_addr"`
	RequireTLS   bool     `yaml:"require_tls"`
}

// Compile parses the textual spec into a Policy, applying defaults for
// unset limits.
func (s *Spec) Compile() (*Policy, error) {
	p := &Policy{
		AllowedAddrs:     make(map[netip.Addr]struct{}),
		BlockedAddrs:     make(map[netip.Addr]struct{}),
		AllowedPorts:     make(map[int]struct{}),
		RateLimitPerAddr: s.RateLimit,
		MaxConnsPerAddr:  s.MaxConns,
		RequireTLS:       s.RequireTLS,
	}
	for _, raw := range s.AllowedAddrs {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed address %q: %w", raw, err)
		}
		p.AllowedAddrs[addr] = struct{}{}
	}
	for _, raw := range s.BlockedAddrs {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked address %q: %w", raw, err)
		}
		p.BlockedAddrs[addr] = struct{}{}
	}
	for _, raw := range s.AllowedNets {
		pfx, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed network %q: %w", raw, err)
		}
		p.AllowedNets = append(p.AllowedNets, pfx.Masked())
	}
	for _, raw := range s.BlockedNets {
		pfx, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked network %q: %w", raw, err)
		}
		p.BlockedNets = append(p.BlockedNets, pfx.Masked())
	}
	for _, port := range s.AllowedPorts {
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid port %d", port)
		}
		p.AllowedPorts[port] = struct{}{}
	}
	p.normalize()
	return p, nil
}

func (p *Policy) normalize() {
	if p.RateLimitPerAddr <= 0 {
		p.RateLimitPerAddr = 100
	}
	if p.MaxConnsPerAddr <= 0 {
		p.MaxConnsPerAddr = 10
	}
	if len(p.AllowedPorts) == 0 {
		p.AllowedPorts = map[int]struct{}{8000: {}, 8001: {}}
	}
}

// hasAllowList reports whether an allow-list is configured at all. When it
// is, addresses must match it to be admitted.
func (p *Policy) hasAllowList() bool {
	return len(p.AllowedAddrs) > 0 || len(p.AllowedNets) > 0
}

// Default returns the development policy: loopback and private ranges
// admitted, generous limits, no TLS requirement.
func Default() *Policy {
	spec := Spec{
		AllowedNets:  []string{"127.0.0.0/8", "::1/128", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
		AllowedPorts: []int{8000, 8001},
		RateLimit:    100,
		MaxConns:     10,
	}
	p, err := spec.Compile()
	if err != nil {
		panic(err) // static spec
	}
	return p
}

// Production returns a stricter policy: tighter limits and mandatory
// encrypted transport. No allow-list is set; deployments add their own.
func Production() *Policy {
	spec := Spec{
		AllowedPorts: []int{8000, 8001},
		RateLimit:    50,
		MaxConns:     5,
		RequireTLS:   true,
	}
	p, err := spec.Compile()
	if err != nil {
		panic(err)
	}
	return p
}
