package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcplease/mcplease-go/policy"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "mcplease", cfg.ServerName)
	assert.Equal(t, 8000, cfg.ListenPort)
	assert.Equal(t, time.Hour, cfg.SessionTTL)
	assert.True(t, cfg.AnonymousAccess)
	assert.Equal(t, 10, cfg.MaxConcurrent)
	assert.Empty(t, cfg.RedisAddr)
	assert.Empty(t, cfg.SignedTokenKey)
	assert.Equal(t, "default", cfg.SignedTokenKID)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("MCPLEASE_PORT", "8001")
	t.Setenv("MCPLEASE_SESSION_TTL", "30m")
	t.Setenv("MCPLEASE_ANONYMOUS_ACCESS", "false")
	t.Setenv("MCPLEASE_REDIS_ADDR", "localhost:6379")
	t.Setenv("MCPLEASE_LOG_FORMAT", "json")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 8001, cfg.ListenPort)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.False(t, cfg.AnonymousAccess)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("MCPLEASE_PORT", "99999")
	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid port")

	t.Setenv("MCPLEASE_PORT", "8000")
	t.Setenv("MCPLEASE_LOG_FORMAT", "xml")
	_, err = FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log format")
}

func writePolicyFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadPolicy(t *testing.T) {
	path := writePolicyFile(t, t.TempDir(), `
allowed_nets:
  - 10.1.0.0/16
allowed_ports: [9000]
rate_limit_per_addr: 25
require_tls: true
`)

	pol, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 25, pol.RateLimitPerAddr)
	assert.True(t, pol.RequireTLS)
	assert.Contains(t, pol.AllowedPorts, 9000)
}

func TestLoadPolicyEmptyPathUsesDefault(t *testing.T) {
	pol, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, policy.Default().RateLimitPerAddr, pol.RateLimitPerAddr)
}

func TestLoadPolicyErrors(t *testing.T) {
	_, err := LoadPolicy("/nonexistent/policy.yaml")
	require.Error(t, err)

	path := writePolicyFile(t, t.TempDir(), "allowed_nets: [not-a-cidr]")
	_, err = LoadPolicy(path)
	require.Error(t, err)
}

func TestPolicyWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, "rate_limit_per_addr: 10")

	pol, err := LoadPolicy(path)
	require.NoError(t, err)
	enforcer := policy.NewEnforcer(pol)
	require.Equal(t, 10, enforcer.Stats().RateLimitPerMin)

	w := NewPolicyWatcher(path, enforcer, slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher a moment to arm before touching the file.
	time.Sleep(100 * time.Millisecond)
	writePolicyFile(t, dir, "rate_limit_per_addr: 99")

	require.Eventually(t, func() bool {
		return enforcer.Stats().RateLimitPerMin == 99
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

func TestPolicyWatcherKeepsPolicyOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, "rate_limit_per_addr: 10")

	pol, err := LoadPolicy(path)
	require.NoError(t, err)
	enforcer := policy.NewEnforcer(pol)

	w := NewPolicyWatcher(path, enforcer, slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	writePolicyFile(t, dir, "allowed_nets: [garbage")

	// The broken file must not displace the live policy.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 10, enforcer.Stats().RateLimitPerMin)
}
