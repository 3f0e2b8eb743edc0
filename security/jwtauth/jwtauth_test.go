package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcplease/mcplease-go/security"
)

type mockOIDC struct {
	srv      *httptest.Server
	issuer   string
	jwksPath string
}

func newMockOIDC(t *testing.T, keysJSON []byte) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/keys"}
	handler := http.NewServeMux()
	handler.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   m.issuer,
			"jwks_uri":                 m.issuer + m.jwksPath,
			"authorization_endpoint":   m.issuer + "/oauth2/auth",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"response_types_supported": []string{"code"},
		})
	})
	handler.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(handler)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	kid := "test-key"
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}}}
	b, err := json.Marshal(set)
	require.NoError(t, err)
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid, headerTyp string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	if headerTyp != "" {
		tok.Header["typ"] = headerTyp
	}
	s, err := tok.SignedString(pk)
	require.NoError(t, err)
	return s
}

func baseConfig(issuer, aud string) *Config {
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{aud}
	cfg.Leeway = 0
	return cfg
}

const testAud = "https://api.example.com/mcp"

func baseClaims(issuer string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": issuer,
		"sub": "user-123",
		"aud": testAud,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
}

func TestDiscoveryVerifierHappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidcSrv := newMockOIDC(t, jwks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewFromDiscovery(ctx, baseConfig(oidcSrv.issuer, testAud))
	require.NoError(t, err)

	claims := baseClaims(oidcSrv.issuer)
	claims["scope"] = "mcp:read mcp:tools/call"
	tok := signToken(t, pk, kid, "at+jwt", claims)

	got, err := v.Verify(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, "user-123", got.Subject)
	assert.Equal(t, []string{"mcp:read", "mcp:tools/call"}, got.Scopes)
}

func TestDiscoveryVerifierRejections(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidcSrv := newMockOIDC(t, jwks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewFromDiscovery(ctx, baseConfig(oidcSrv.issuer, testAud))
	require.NoError(t, err)

	t.Run("wrong typ", func(t *testing.T) {
		tok := signToken(t, pk, kid, "JWT", baseClaims(oidcSrv.issuer))
		_, err := v.Verify(ctx, tok)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("issuer mismatch", func(t *testing.T) {
		claims := baseClaims(oidcSrv.issuer)
		claims["iss"] = "https://evil.example.com"
		tok := signToken(t, pk, kid, "at+jwt", claims)
		_, err := v.Verify(ctx, tok)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("audience mismatch", func(t *testing.T) {
		claims := baseClaims(oidcSrv.issuer)
		claims["aud"] = "https://unknown"
		tok := signToken(t, pk, kid, "at+jwt", claims)
		_, err := v.Verify(ctx, tok)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("expired", func(t *testing.T) {
		claims := baseClaims(oidcSrv.issuer)
		claims["exp"] = time.Now().Add(-time.Hour).Unix()
		tok := signToken(t, pk, kid, "at+jwt", claims)
		_, err := v.Verify(ctx, tok)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestDiscoveryVerifierAudienceArray(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidcSrv := newMockOIDC(t, jwks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := baseConfig(oidcSrv.issuer, testAud)
	cfg.ExpectedAudiences = append(cfg.ExpectedAudiences, "http://localhost:8080/mcp")
	v, err := NewFromDiscovery(ctx, cfg)
	require.NoError(t, err)

	claims := baseClaims(oidcSrv.issuer)
	claims["aud"] = []string{"https://other", "http://localhost:8080/mcp"}
	tok := signToken(t, pk, kid, "at+jwt", claims)

	_, err = v.Verify(ctx, tok)
	assert.NoError(t, err)
}

func TestDiscoveryVerifierInsufficientScope(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidcSrv := newMockOIDC(t, jwks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := baseConfig(oidcSrv.issuer, testAud)
	cfg.RequiredScopes = []string{"mcp:write", "mcp:admin"}
	v, err := NewFromDiscovery(ctx, cfg)
	require.NoError(t, err)

	claims := baseClaims(oidcSrv.issuer)
	claims["scope"] = "mcp:write"
	tok := signToken(t, pk, kid, "at+jwt", claims)

	_, err = v.Verify(ctx, tok)
	assert.ErrorIs(t, err, ErrInsufficientScope)

	cfg2 := baseConfig(oidcSrv.issuer, testAud)
	cfg2.RequiredScopes = []string{"mcp:write", "mcp:admin"}
	cfg2.ScopeModeAny = true
	v2, err := NewFromDiscovery(ctx, cfg2)
	require.NoError(t, err)

	_, err = v2.Verify(ctx, tok)
	assert.NoError(t, err)
}

func TestStaticVerifierSkipsTypCheck(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidcSrv := newMockOIDC(t, jwks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewStatic(ctx, baseConfig(oidcSrv.issuer, testAud), oidcSrv.issuer+"/keys")
	require.NoError(t, err)

	tok := signToken(t, pk, kid, "JWT", baseClaims(oidcSrv.issuer))
	got, err := v.Verify(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, "user-123", got.Subject)
}

func TestSchemeMapsScopesToPermissions(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidcSrv := newMockOIDC(t, jwks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewStatic(ctx, baseConfig(oidcSrv.issuer, testAud), oidcSrv.issuer+"/keys")
	require.NoError(t, err)
	scheme := NewScheme(v)

	claims := baseClaims(oidcSrv.issuer)
	claims["scope"] = "mcp:tools/call custom:thing"
	tok := signToken(t, pk, kid, "", claims)

	identity, err := scheme.Authenticate(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, "user-123", identity.UserID)
	assert.Equal(t, SchemeName, identity.Method)
	assert.True(t, identity.Permissions[security.PermRead])
	assert.True(t, identity.Permissions["tools/call"], "mcp: prefix should be stripped")
	assert.True(t, identity.Permissions["mcp:tools/call"])
	assert.True(t, identity.Permissions["custom:thing"])

	_, err = scheme.Authenticate(ctx, "garbage")
	assert.Error(t, err)
}
