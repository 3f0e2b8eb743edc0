// Command mcpleased runs the tool-invocation server over stdio.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mcplease/mcplease-go/config"
	"github.com/mcplease/mcplease-go/contextstore"
	ctxmemory "github.com/mcplease/mcplease-go/contextstore/memory"
	ctxredis "github.com/mcplease/mcplease-go/contextstore/redis"
	"github.com/mcplease/mcplease-go/dispatch"
	"github.com/mcplease/mcplease-go/faults"
	"github.com/mcplease/mcplease-go/internal/logctx"
	"github.com/mcplease/mcplease-go/mcp"
	"github.com/mcplease/mcplease-go/policy"
	"github.com/mcplease/mcplease-go/security"
	"github.com/mcplease/mcplease-go/security/jwtauth"
	"github.com/mcplease/mcplease-go/security/signedtoken"
	"github.com/mcplease/mcplease-go/security/storedtoken"
	"github.com/mcplease/mcplease-go/server"
	"github.com/mcplease/mcplease-go/stdio"
	"github.com/mcplease/mcplease-go/tools"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mcpleased:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	log := newLogger(cfg)
	slog.SetDefault(log)

	pol, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}
	enforcer := policy.NewEnforcer(pol, policy.WithLogger(log))

	sessions, err := newSessionManager(ctx, cfg, log)
	if err != nil {
		return err
	}

	store, err := newContextStore(cfg)
	if err != nil {
		return err
	}

	fh := faults.NewHandler(faults.WithLogger(log))
	registry := tools.NewRegistry(tools.AITools(nil, log)...)

	dispatcher := dispatch.New(registry, fh,
		dispatch.WithLogger(log),
		dispatch.WithServerInfo(mcp.ImplementationInfo{
			Name:    cfg.ServerName,
			Version: cfg.ServerVersion,
		}))

	srv := server.New(enforcer, sessions, store, registry, dispatcher, fh,
		server.WithLogger(log),
		server.WithLimiter(dispatch.NewLimiter(cfg.MaxConcurrent, cfg.MaxQueued, func() int {
			return fh.DegradationConfig().MaxConcurrentRequests
		})))

	transport := stdio.NewHandler(
		stdio.WithLogger(log),
		stdio.WithLocalPort(cfg.ListenPort),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx, transport)
	})
	if cfg.PolicyFile != "" {
		watcher := config.NewPolicyWatcher(cfg.PolicyFile, enforcer, log)
		g.Go(func() error {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	log.Info("server started",
		slog.String("name", cfg.ServerName),
		slog.String("version", cfg.ServerVersion),
		slog.Int("port", cfg.ListenPort))

	return g.Wait()
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	// Stdout carries the protocol; logs go to stderr.
	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logctx.Handler{Handler: inner})
}

func newSessionManager(ctx context.Context, cfg *config.Config, log *slog.Logger) (*security.Manager, error) {
	signed, err := newSignedScheme(cfg)
	if err != nil {
		return nil, err
	}

	// Registration order is the chain order: opaque API keys first, then
	// signed tokens, then bearer JWTs.
	opts := []security.ManagerOption{
		security.WithLogger(log),
		security.WithSessionTTL(cfg.SessionTTL),
		security.WithAnonymousAccess(cfg.AnonymousAccess),
		security.WithScheme(storedtoken.New()),
		security.WithScheme(signed),
	}

	if cfg.JWTIssuer != "" {
		jcfg := jwtauth.DefaultConfig()
		jcfg.Issuer = cfg.JWTIssuer
		jcfg.ExpectedAudiences = []string{cfg.JWTAudience}
		verifier, err := jwtauth.NewFromDiscovery(ctx, jcfg)
		if err != nil {
			return nil, fmt.Errorf("jwt discovery for %s: %w", cfg.JWTIssuer, err)
		}
		opts = append(opts, security.WithScheme(jwtauth.NewScheme(verifier)))
	}

	return security.NewManager(opts...), nil
}

// newSignedScheme builds the signed-token scheme, loading key material from
// the configured seed when present so tokens issued elsewhere verify here.
func newSignedScheme(cfg *config.Config) (*signedtoken.Scheme, error) {
	if cfg.SignedTokenKey == "" {
		return signedtoken.New()
	}
	seed, err := base64.StdEncoding.DecodeString(cfg.SignedTokenKey)
	if err != nil {
		return nil, fmt.Errorf("decode signed-token key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signed-token key must be a %d-byte seed, got %d bytes", ed25519.SeedSize, len(seed))
	}
	keys := signedtoken.NewKeyring()
	keys.Add(cfg.SignedTokenKID, ed25519.NewKeyFromSeed(seed))
	if err := keys.SetActive(cfg.SignedTokenKID); err != nil {
		return nil, err
	}
	return signedtoken.New(signedtoken.WithKeyring(keys))
}

func newContextStore(cfg *config.Config) (contextstore.Store, error) {
	if cfg.RedisAddr == "" {
		return ctxmemory.New(0,
			ctxmemory.WithMaxEntries(cfg.ContextMaxEntries),
			ctxmemory.WithTTL(cfg.ContextTTL))
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	return ctxredis.New(ctxredis.Config{
		Client:     client,
		MaxEntries: cfg.ContextMaxEntries,
		TTL:        cfg.ContextTTL,
	})
}
