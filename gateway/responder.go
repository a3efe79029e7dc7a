package gateway

import (
	"context"
	"strings"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xauth"
	"github.com/trickstertwo/xauth/keys"
)

// Reply messages sent back to validate_token callers.
const (
	ReplyNoToken      = "No token provided"
	ReplyInvalidToken = "Invalid or expired token"
)

// Responder answers validate_token requests on the issuer side.
type Responder struct {
	verifier keys.Verifier
	logger   *xlog.Logger
}

func NewResponder(v keys.Verifier, logger *xlog.Logger) *Responder {
	if logger == nil {
		logger = xlog.Default()
	}
	return &Responder{verifier: v, logger: logger}
}

// Register serves validate_token on b within group.
func (r *Responder) Register(ctx context.Context, b xauth.Responder, group string) (xauth.Subscription, error) {
	return b.Handle(ctx, xauth.TopicValidateToken, group, r.HandleValidateToken)
}

// HandleValidateToken is an xauth.RequestHandler. It never fails: every
// outcome is reported in the reply.
func (r *Responder) HandleValidateToken(ctx context.Context, req xauth.Envelope) (xauth.Payload, error) {
	logger := r.logger
	if l, ok := xauth.LoggerFromContext(ctx); ok {
		logger = l
	}

	in, _ := req.Payload.(xauth.ValidateTokenRequest)
	token := strings.TrimSpace(in.Token)
	if token == "" {
		return xauth.ValidateTokenReply{Error: ReplyNoToken}, nil
	}

	claims, err := r.verifier.VerifyToken(token)
	if err == nil && claims.Type == keys.TokenRefresh {
		err = ErrNotAccessToken
	}
	if err != nil {
		logger.With(xlog.Str("trace_id", req.TraceID), xlog.Str("source", req.Source)).Debug().Err(err).Msg("gateway: validate_token refused")
		return xauth.ValidateTokenReply{Error: ReplyInvalidToken}, nil
	}

	id := IdentityFromClaims(claims)
	return xauth.ValidateTokenReply{
		Valid: true,
		Payload: &xauth.ReplyIdentity{
			UserID:    id.SubjectID,
			Email:     id.Email,
			FirstName: id.FirstName,
			LastName:  id.LastName,
			Role:      id.Role,
		},
	}, nil
}
