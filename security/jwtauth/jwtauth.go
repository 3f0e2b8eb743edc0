// Package jwtauth validates JWT bearer tokens against a JWKS, configured
// either statically or via OIDC discovery, and exposes the result as a
// credential scheme whose permissions derive from token scopes.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation behavior for access tokens.
type Config struct {
	Issuer string
	// ExpectedAudiences contains the primary audience (index 0) followed by
	// any additional accepted audiences, typically local or testing
	// endpoints whose base URL differs from the production one.
	ExpectedAudiences []string
	RequiredScopes    []string
	// ScopeModeAny accepts any one of RequiredScopes instead of all.
	ScopeModeAny bool
	AllowedAlgs  []string
	Leeway       time.Duration
}

// DefaultConfig returns a Config with safe algorithm and leeway defaults.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// ErrUnauthorized indicates the token failed validation (signature,
// issuer, audience, exp/nbf) and the request is unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates a valid token that does not satisfy the
// required scopes policy.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// TokenClaims is the validated content of an accepted token.
type TokenClaims struct {
	Subject string
	Scopes  []string
	raw     jwt.MapClaims
}

// Decode unmarshals the raw claim set into ref.
func (c *TokenClaims) Decode(ref any) error {
	b, err := json.Marshal(c.raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Verifier validates access tokens. Implementations must perform
// signature, issuer, audience, and time validation.
type Verifier interface {
	Verify(ctx context.Context, token string) (*TokenClaims, error)
}

type jwksVerifier struct {
	cfg     *Config
	issuer  string
	keyfunc jwt.Keyfunc
	// requireATType enforces the RFC 9068 at+jwt header typ. Discovery
	// deployments issue typed access tokens; static JWKS setups often do
	// not.
	requireATType bool
}

// NewFromDiscovery performs OIDC discovery to obtain the jwks_uri and
// constructs a Verifier for RFC 9068 access tokens. JWKS keys are
// auto-refreshed; the given ctx bounds the refresh goroutine's lifetime.
func NewFromDiscovery(ctx context.Context, cfg *Config) (Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return nil, errors.New("at least one expected audience required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &jwksVerifier{
		cfg:           cfg,
		issuer:        meta.Issuer,
		keyfunc:       guardedKeyfunc(cfg.AllowedAlgs, kf.Keyfunc),
		requireATType: true,
	}, nil
}

// NewStatic constructs a Verifier against a statically configured issuer,
// audiences, and JWKS URI, without discovery.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return nil, errors.New("at least one expected audience required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &jwksVerifier{
		cfg:     cfg,
		issuer:  cfg.Issuer,
		keyfunc: guardedKeyfunc(cfg.AllowedAlgs, kf.Keyfunc),
	}, nil
}

func guardedKeyfunc(allowedAlgs []string, inner jwt.Keyfunc) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		for _, a := range allowedAlgs {
			if alg == a {
				return inner(t)
			}
		}
		return nil, fmt.Errorf("disallowed alg: %s", alg)
	}
}

func (v *jwksVerifier) Verify(ctx context.Context, token string) (*TokenClaims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	// With exactly one expected audience the parser's built-in audience
	// enforcement applies; multiple audiences are intersected after parsing.
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if len(v.cfg.ExpectedAudiences) == 1 {
		opts = append(opts, jwt.WithAudience(v.cfg.ExpectedAudiences[0]))
	}
	parser := jwt.NewParser(opts...)

	parsed, err := parser.Parse(token, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	if v.requireATType {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}

	if iss, _ := claims["iss"].(string); iss == "" || iss != v.issuer {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrUnauthorized)
	}
	if !audIntersects(claims["aud"], v.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if iatf, ok := claims["iat"].(float64); ok {
		iat := time.Unix(int64(iatf), 0)
		if iat.After(time.Now().Add(v.cfg.Leeway + 5*time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrUnauthorized)
		}
	}

	scopeStr, _ := claims["scope"].(string)
	scopes := strings.Fields(scopeStr)

	if len(v.cfg.RequiredScopes) > 0 {
		have := map[string]bool{}
		for _, s := range scopes {
			have[s] = true
		}
		if v.cfg.ScopeModeAny {
			any := false
			for _, want := range v.cfg.RequiredScopes {
				if have[want] {
					any = true
					break
				}
			}
			if !any {
				return nil, ErrInsufficientScope
			}
		} else {
			for _, want := range v.cfg.RequiredScopes {
				if !have[want] {
					return nil, ErrInsufficientScope
				}
			}
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	return &TokenClaims{Subject: sub, Scopes: scopes, raw: claims}, nil
}

func audIntersects(aud any, wants []string) bool {
	wantSet := map[string]struct{}{}
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, ok2 := wantSet[s]; ok2 {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, ok := wantSet[s]; ok {
				return true
			}
		}
	}
	return false
}
