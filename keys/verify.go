package keys

import (
	"context"
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks RS256 tokens against a set of known public keys.
type Verifier interface {
	// VerifyToken verifies signature and claims without network access.
	VerifyToken(token string) (*Claims, error)
	// Resolve reports whether kid is, or after a refresh becomes, a known key.
	Resolve(ctx context.Context, kid string) bool
}

var (
	_ Verifier = (*KeyStore)(nil)
	_ Verifier = (*RemoteKeySet)(nil)
)

// PeekKeyID returns the kid header of token without verifying it.
func PeekKeyID(token string) (string, error) {
	t, _, err := jwt.NewParser().ParseUnverified(token, &Claims{})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	kid, _ := t.Header["kid"].(string)
	return kid, nil
}

// verify parses token, resolving its key through lookup.
func verify(token string, o *options, lookup func(kid string) (*rsa.PublicKey, bool)) (*Claims, error) {
	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(o.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if o.leeway > 0 {
		popts = append(popts, jwt.WithLeeway(o.leeway))
	}
	if o.issuer != "" {
		popts = append(popts, jwt.WithIssuer(o.issuer))
	}
	if o.audience != "" {
		popts = append(popts, jwt.WithAudience(o.audience))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrUnknownKey
		}
		pub, ok := lookup(kid)
		if !ok {
			return nil, ErrUnknownKey
		}
		return pub, nil
	}, popts...)
	if err != nil {
		return nil, mapJWTError(err)
	}
	return claims, nil
}
