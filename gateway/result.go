package gateway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/trickstertwo/xauth"
	"github.com/trickstertwo/xauth/keys"
)

// DefaultRole is assigned when a token or reply carries no role.
const DefaultRole = "user"

var (
	ErrMissingToken     = errors.New("gateway: no bearer token provided")
	ErrValidationFailed = errors.New("validation failed")
	ErrRejected         = errors.New("gateway: token rejected by issuer")
	ErrNotAccessToken   = errors.New("gateway: refresh tokens cannot authenticate requests")
	ErrNoStrategy       = errors.New("gateway: at least one strategy is required")
)

// RejectedError carries the issuer's reason for an invalid token.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return ErrRejected.Error()
	}
	return fmt.Sprintf("%v: %s", ErrRejected, e.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// Identity is the authenticated caller.
type Identity struct {
	SubjectID string `json:"userId"`
	Email     string `json:"email"`
	FirstName string `json:"firstname,omitempty"`
	LastName  string `json:"lastname,omitempty"`
	Role      string `json:"role"`
}

// IdentityFromClaims maps verified token claims onto an Identity.
func IdentityFromClaims(c *keys.Claims) Identity {
	return Identity{
		SubjectID: c.Subject,
		Email:     c.Email,
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Role:      roleOrDefault(c.Role),
	}
}

func identityFromReply(p *xauth.ReplyIdentity) Identity {
	return Identity{
		SubjectID: p.UserID,
		Email:     p.Email,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Role:      roleOrDefault(p.Role),
	}
}

func roleOrDefault(r string) string {
	if strings.TrimSpace(r) == "" {
		return DefaultRole
	}
	return r
}

// Result is the outcome of validating one token: either an Identity or the
// reason it was refused.
type Result struct {
	identity Identity
	reason   error
}

// Valid returns a successful Result.
func Valid(id Identity) Result { return Result{identity: id} }

// Invalid returns a failed Result. A nil reason becomes ErrValidationFailed.
func Invalid(reason error) Result {
	if reason == nil {
		reason = ErrValidationFailed
	}
	return Result{reason: reason}
}

func (r Result) OK() bool           { return r.reason == nil }
func (r Result) Identity() Identity { return r.identity }
func (r Result) Reason() error      { return r.reason }

func (r Result) String() string {
	if r.OK() {
		return "valid(" + r.identity.SubjectID + ")"
	}
	return "invalid(" + r.reason.Error() + ")"
}
