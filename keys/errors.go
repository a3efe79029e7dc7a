package keys

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformedToken = errors.New("keys: malformed token")
	ErrUnknownKey     = errors.New("keys: unknown signing key")
	ErrBadSignature   = errors.New("keys: bad token signature")
	ErrExpired        = errors.New("keys: token expired")
	ErrInvalidClaims  = errors.New("keys: invalid token claims")
	ErrNoSigningKey   = errors.New("keys: no signing key")
	ErrWeakKey        = errors.New("keys: rsa key must be at least 2048 bits")
)

// mapJWTError translates jwt library errors to the package sentinels.
// Expiry is checked before the generic claims error it is joined with.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, ErrUnknownKey):
		return ErrUnknownKey
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenInvalidClaims):
		return fmt.Errorf("%w: %v", ErrInvalidClaims, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}
