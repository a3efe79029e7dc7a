package keys

import (
	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes access from refresh tokens.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Claims are the RS256 token claims. The subject id travels in "sub".
type Claims struct {
	jwt.RegisteredClaims
	Email     string    `json:"email,omitempty"`
	FirstName string    `json:"firstname,omitempty"`
	LastName  string    `json:"lastname,omitempty"`
	Role      string    `json:"role,omitempty"`
	Type      TokenType `json:"type,omitempty"`
}

// Subject is the identity a token is issued for.
type Subject struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Role      string
}
