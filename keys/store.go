package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/trickstertwo/xlog"
)

// KeyStore owns the active RSA signing key. It signs RS256 tokens and
// verifies tokens signed by that key. GenerateKeyPair replaces the key and
// invalidates every token signed before.
type KeyStore struct {
	opts options

	mu   sync.RWMutex
	priv *rsa.PrivateKey
	kid  string
}

// NewKeyStore returns a store with a freshly generated key.
func NewKeyStore(opts ...Option) (*KeyStore, error) {
	ks := &KeyStore{opts: buildOptions(opts)}
	if ks.opts.bits < MinKeyBits {
		return nil, fmt.Errorf("%w: got %d", ErrWeakKey, ks.opts.bits)
	}
	if err := ks.GenerateKeyPair(); err != nil {
		return nil, err
	}
	return ks, nil
}

// NewKeyStoreFromKey returns a store signing with priv. An empty kid is
// derived from the public modulus, so every process loading the same key
// publishes the same kid.
func NewKeyStoreFromKey(priv *rsa.PrivateKey, kid string, opts ...Option) (*KeyStore, error) {
	if priv == nil {
		return nil, ErrNoSigningKey
	}
	if priv.N.BitLen() < MinKeyBits {
		return nil, fmt.Errorf("%w: got %d", ErrWeakKey, priv.N.BitLen())
	}
	if kid == "" {
		kid = uuid.NewSHA1(uuid.NameSpaceURL, priv.N.Bytes()).String()
	}
	ks := &KeyStore{opts: buildOptions(opts), priv: priv, kid: kid}
	ks.opts.logger.With(xlog.Str("kid", kid)).Info().Msg("keys: signing key loaded")
	return ks, nil
}

// LoadPrivateKeyPEM reads a PKCS#1 or PKCS#8 RSA private key from path.
func LoadPrivateKeyPEM(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keys: read %s: %w", path, err)
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("keys: parse %s: %w", path, err)
	}
	return priv, nil
}

// GenerateKeyPair replaces the active key with a fresh one under a new kid.
func (ks *KeyStore) GenerateKeyPair() error {
	priv, err := rsa.GenerateKey(rand.Reader, ks.opts.bits)
	if err != nil {
		return fmt.Errorf("keys: generate rsa key: %w", err)
	}
	kid := uuid.NewString()

	ks.mu.Lock()
	ks.priv, ks.kid = priv, kid
	ks.mu.Unlock()

	ks.opts.logger.With(xlog.Str("kid", kid), xlog.Str("bits", strconv.Itoa(ks.opts.bits))).Info().Msg("keys: signing key generated")
	return nil
}

// KeyID returns the kid of the active key.
func (ks *KeyStore) KeyID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.kid
}

// HasKey reports whether kid names the active key.
func (ks *KeyStore) HasKey(kid string) bool {
	return kid != "" && kid == ks.KeyID()
}

// Resolve is HasKey; the store never learns keys it did not generate.
func (ks *KeyStore) Resolve(_ context.Context, kid string) bool { return ks.HasKey(kid) }

// PublicKeySet returns the JWKS holding the active public key.
func (ks *KeyStore) PublicKeySet() JWKS {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.priv == nil {
		return JWKS{Keys: []JWK{}}
	}
	return JWKS{Keys: []JWK{NewJWK(ks.kid, &ks.priv.PublicKey)}}
}

// SignToken signs claims with the active key. iat is set when absent.
func (ks *KeyStore) SignToken(claims Claims) (string, error) {
	ks.mu.RLock()
	priv, kid := ks.priv, ks.kid
	ks.mu.RUnlock()
	if priv == nil {
		return "", ErrNoSigningKey
	}

	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(ks.opts.clock.Now())
	}
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = kid
	signed, err := t.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("keys: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken verifies token against the active key.
func (ks *KeyStore) VerifyToken(token string) (*Claims, error) {
	return verify(token, &ks.opts, func(kid string) (*rsa.PublicKey, bool) {
		ks.mu.RLock()
		defer ks.mu.RUnlock()
		if ks.priv == nil || kid != ks.kid {
			return nil, false
		}
		return &ks.priv.PublicKey, true
	})
}

// IssueAccessToken signs a short-lived access token for sub.
func (ks *KeyStore) IssueAccessToken(sub Subject) (string, error) {
	return ks.issue(sub, TokenAccess)
}

// IssueRefreshToken signs a long-lived refresh token for sub.
func (ks *KeyStore) IssueRefreshToken(sub Subject) (string, error) {
	return ks.issue(sub, TokenRefresh)
}

func (ks *KeyStore) issue(sub Subject, typ TokenType) (string, error) {
	ttl := ks.opts.accessTTL
	if typ == TokenRefresh {
		ttl = ks.opts.refreshTTL
	}
	now := ks.opts.clock.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.ID,
			Issuer:    ks.opts.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Email:     sub.Email,
		FirstName: sub.FirstName,
		LastName:  sub.LastName,
		Role:      sub.Role,
		Type:      typ,
	}
	if ks.opts.audience != "" {
		claims.Audience = jwt.ClaimStrings{ks.opts.audience}
	}
	return ks.SignToken(claims)
}
