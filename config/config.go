// Package config loads server configuration from the environment and
// network policy from a YAML file, with optional live reload.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/mcplease/mcplease-go/policy"
)

// Config is the process configuration. Defaults are provided via struct
// tags so an empty environment yields a working local setup.
type Config struct {
	ServerName    string `env:"MCPLEASE_SERVER_NAME,default=mcplease"`
	ServerVersion string `env:"MCPLEASE_SERVER_VERSION,default=dev"`
	LogLevel      string `env:"MCPLEASE_LOG_LEVEL,default=info"`
	LogFormat     string `env:"MCPLEASE_LOG_FORMAT,default=text"`

	ListenPort int `env:"MCPLEASE_PORT,default=8000"`

	// PolicyFile points at the YAML network policy. Empty means the
	// built-in default policy.
	PolicyFile string `env:"MCPLEASE_POLICY_FILE"`

	SessionTTL      time.Duration `env:"MCPLEASE_SESSION_TTL,default=1h"`
	AnonymousAccess bool          `env:"MCPLEASE_ANONYMOUS_ACCESS,default=true"`

	// JWTIssuer enables the bearer scheme via OIDC discovery when set.
	JWTIssuer   string `env:"MCPLEASE_JWT_ISSUER"`
	JWTAudience string `env:"MCPLEASE_JWT_AUDIENCE"`

	// SignedTokenKey is a base64 Ed25519 seed for the signed-token scheme,
	// letting the server verify tokens issued by another process holding
	// the same key. Empty means a fresh per-process key.
	SignedTokenKey string `env:"MCPLEASE_SIGNED_TOKEN_KEY"`
	SignedTokenKID string `env:"MCPLEASE_SIGNED_TOKEN_KID,default=default"`

	// RedisAddr switches context storage from in-memory to Redis when set.
	RedisAddr     string `env:"MCPLEASE_REDIS_ADDR"`
	RedisPassword string `env:"MCPLEASE_REDIS_PASSWORD"`

	ContextMaxEntries int           `env:"MCPLEASE_CONTEXT_MAX_ENTRIES,default=50"`
	ContextTTL        time.Duration `env:"MCPLEASE_CONTEXT_TTL,default=1h"`

	MaxConcurrent int `env:"MCPLEASE_MAX_CONCURRENT,default=10"`
	MaxQueued     int `env:"MCPLEASE_MAX_QUEUED,default=64"`
}

// FromEnv populates a Config from the process environment.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid port %d", c.ListenPort)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session ttl must be positive, got %s", c.SessionTTL)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// LoadPolicy reads and compiles the YAML policy file. An empty path
// yields the built-in default policy.
func LoadPolicy(path string) (*policy.Policy, error) {
	if path == "" {
		return policy.Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var spec policy.Spec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	pol, err := spec.Compile()
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return pol, nil
}
