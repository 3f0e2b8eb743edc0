// Package signedtoken implements a stateless credential scheme: tokens are
// compact Ed25519 JWS envelopes carrying the user, permissions, and expiry,
// so validation needs no server-side token store.
package signedtoken

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/mcplease/mcplease-go/security"
)

// SchemeName is the credential type handled by this package.
const SchemeName = "signed"

const defaultTokenTTL = time.Hour

// claims is the signed payload. Times are unix seconds.
type claims struct {
	TokenID     string   `json:"jti"`
	UserID      string   `json:"sub"`
	Permissions []string `json:"perms"`
	IssuedAt    int64    `json:"iat"`
	ExpiresAt   int64    `json:"exp"`
}

// Keyring holds Ed25519 key pairs with one active signing key. Old keys
// stay registered so tokens they signed keep verifying until they expire.
type Keyring struct {
	activeKid string
	privKeys  map[string]ed25519.PrivateKey
	pubKeys   map[string]ed25519.PublicKey
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{
		privKeys: make(map[string]ed25519.PrivateKey),
		pubKeys:  make(map[string]ed25519.PublicKey),
	}
}

// Add registers a key pair under kid. The active key is unchanged.
func (k *Keyring) Add(kid string, priv ed25519.PrivateKey) {
	k.privKeys[kid] = priv
	k.pubKeys[kid] = priv.Public().(ed25519.PublicKey)
}

// Generate creates a fresh key pair under kid and registers it.
func (k *Keyring) Generate(kid string) error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	k.Add(kid, priv)
	return nil
}

// SetActive selects the key used for signing.
func (k *Keyring) SetActive(kid string) error {
	if _, ok := k.privKeys[kid]; !ok {
		return fmt.Errorf("unknown kid: %s", kid)
	}
	k.activeKid = kid
	return nil
}

// ActiveKID returns the current signing key id.
func (k *Keyring) ActiveKID() string { return k.activeKid }

func (k *Keyring) sign(payload []byte) (string, error) {
	if k.activeKid == "" {
		return "", fmt.Errorf("no active kid configured")
	}
	priv, ok := k.privKeys[k.activeKid]
	if !ok {
		return "", fmt.Errorf("active kid not found: %s", k.activeKid)
	}
	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", k.activeKid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize jws: %w", err)
	}
	return compact, nil
}

func (k *Keyring) verify(token string) ([]byte, string, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse jws: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return nil, "", fmt.Errorf("unexpected signatures: %d", len(jws.Signatures))
	}
	kid := jws.Signatures[0].Protected.KeyID
	pub, ok := k.pubKeys[kid]
	if !ok {
		return nil, kid, fmt.Errorf("unknown kid: %s", kid)
	}
	payload, err := jws.Verify(pub)
	if err != nil {
		return nil, kid, fmt.Errorf("signature verification failed: %w", err)
	}
	return payload, kid, nil
}

// Scheme issues and validates signed tokens. Issuance is an operator
// action; validation implements the security.Scheme contract.
type Scheme struct {
	keys *Keyring
	now  func() time.Time
	ttl  time.Duration
}

// Option configures a Scheme at construction.
type Option func(*Scheme)

// WithKeyring supplies an externally managed keyring, e.g. one loaded from
// persistent key material.
func WithKeyring(k *Keyring) Option {
	return func(s *Scheme) { s.keys = k }
}

// WithTokenTTL sets the default lifetime for issued tokens.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Scheme) { s.ttl = ttl }
}

// WithClock overrides the time source. Used by tests to control expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Scheme) { s.now = now }
}

// New builds a Scheme. Without WithKeyring a fresh key pair is generated,
// which is fine for single-process deployments where tokens do not need to
// outlive the server.
func New(opts ...Option) (*Scheme, error) {
	s := &Scheme{now: time.Now, ttl: defaultTokenTTL}
	for _, opt := range opts {
		opt(s)
	}
	if s.keys == nil {
		s.keys = NewKeyring()
		kid := uuid.NewString()[:8]
		if err := s.keys.Generate(kid); err != nil {
			return nil, err
		}
		if err := s.keys.SetActive(kid); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Name implements security.Scheme.
func (s *Scheme) Name() string { return SchemeName }

// Issue signs a token granting permissions to userID for ttl. A zero ttl
// uses the scheme default.
func (s *Scheme) Issue(userID string, permissions []string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now()
	payload, err := json.Marshal(claims{
		TokenID:     uuid.NewString(),
		UserID:      userID,
		Permissions: permissions,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	return s.keys.sign(payload)
}

// Authenticate verifies the token's signature and expiry and returns the
// identity it encodes.
func (s *Scheme) Authenticate(ctx context.Context, token string) (*security.Identity, error) {
	payload, _, err := s.keys.verify(token)
	if err != nil {
		return nil, err
	}
	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("malformed claims: %w", err)
	}
	if c.UserID == "" {
		return nil, fmt.Errorf("missing sub claim")
	}
	if !s.now().Before(time.Unix(c.ExpiresAt, 0)) {
		return nil, fmt.Errorf("token expired")
	}
	perms := make(map[string]bool, len(c.Permissions))
	for _, p := range c.Permissions {
		perms[p] = true
	}
	return &security.Identity{UserID: c.UserID, Permissions: perms, Method: SchemeName}, nil
}

var _ security.Scheme = (*Scheme)(nil)
