package xauth

import (
	"encoding/json"
	"fmt"
	"time"
)

// Well-known topics.
const (
	TopicValidateToken   = "validate_token"
	TopicUserRegistered  = "user.registered"
	TopicUserLogin       = "user.login"
	TopicPasswordChanged = "user.password_changed"
)

// Kind discriminates the Payload union on the wire.
type Kind string

const (
	KindValidateTokenRequest Kind = "validate_token.request"
	KindValidateTokenReply   Kind = "validate_token.reply"
	KindUserRegistered       Kind = "user.registered"
	KindUserLogin            Kind = "user.login"
	KindPasswordChanged      Kind = "user.password_changed"
	KindDeadLetter           Kind = "dead_letter"
)

// Payload is the closed set of messages the broker carries.
type Payload interface {
	Kind() Kind
	sealed()
}

// ValidateTokenRequest asks the issuer to validate a bearer token.
type ValidateTokenRequest struct {
	Token string `json:"token"`
}

func (ValidateTokenRequest) Kind() Kind { return KindValidateTokenRequest }
func (ValidateTokenRequest) sealed()    {}

// UnmarshalJSON accepts {"token":...}, {"data":{"token":...}} and a bare string.
func (r *ValidateTokenRequest) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		r.Token = s
		return nil
	}
	var wire struct {
		Token string `json:"token"`
		Data  *struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	r.Token = wire.Token
	if r.Token == "" && wire.Data != nil {
		r.Token = wire.Data.Token
	}
	return nil
}

// ReplyIdentity is the identity carried by a successful validation reply.
type ReplyIdentity struct {
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	FirstName string `json:"firstname,omitempty"`
	LastName  string `json:"lastname,omitempty"`
	Role      string `json:"role,omitempty"`
}

// ValidateTokenReply is the issuer's answer to a ValidateTokenRequest.
type ValidateTokenReply struct {
	Valid   bool           `json:"valid"`
	Payload *ReplyIdentity `json:"payload,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func (ValidateTokenReply) Kind() Kind { return KindValidateTokenReply }
func (ValidateTokenReply) sealed()    {}

type UserRegistered struct {
	UserID       string    `json:"userId"`
	Email        string    `json:"email"`
	FirstName    string    `json:"firstname,omitempty"`
	LastName     string    `json:"lastname,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}

func (UserRegistered) Kind() Kind { return KindUserRegistered }
func (UserRegistered) sealed()    {}

type UserLogin struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	LoginTime time.Time `json:"loginTime"`
	IPAddress string    `json:"ipAddress,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
}

func (UserLogin) Kind() Kind { return KindUserLogin }
func (UserLogin) sealed()    {}

type PasswordChanged struct {
	UserID    string    `json:"userId"`
	ChangedAt time.Time `json:"changedAt"`
}

func (PasswordChanged) Kind() Kind { return KindPasswordChanged }
func (PasswordChanged) sealed()    {}

// DeadLetterEntry records a unit of work that exhausted its retries.
// OriginalPayload holds the codec-encoded bytes of the failed payload.
type DeadLetterEntry struct {
	OriginalTopic   string    `json:"originalTopic"`
	OriginalKind    Kind      `json:"originalKind,omitempty"`
	OriginalPayload []byte    `json:"originalMessage,omitempty"`
	Error           string    `json:"error"`
	RetryCount      int       `json:"retryCount"`
	Timestamp       time.Time `json:"timestamp"`
	TraceID         string    `json:"traceId,omitempty"`
}

func (DeadLetterEntry) Kind() Kind { return KindDeadLetter }
func (DeadLetterEntry) sealed()    {}

// DecodePayload decodes data into the payload type named by kind.
func DecodePayload(c Codec, kind Kind, data []byte) (Payload, error) {
	switch kind {
	case KindValidateTokenRequest:
		return decodeAs[ValidateTokenRequest](c, data)
	case KindValidateTokenReply:
		return decodeAs[ValidateTokenReply](c, data)
	case KindUserRegistered:
		return decodeAs[UserRegistered](c, data)
	case KindUserLogin:
		return decodeAs[UserLogin](c, data)
	case KindPasswordChanged:
		return decodeAs[PasswordChanged](c, data)
	case KindDeadLetter:
		return decodeAs[DeadLetterEntry](c, data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func decodeAs[T Payload](c Codec, data []byte) (Payload, error) {
	var v T
	if err := c.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
