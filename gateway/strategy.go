package gateway

import (
	"context"
	"fmt"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xauth"
	"github.com/trickstertwo/xauth/keys"
)

// Strategy validates tokens one way. The gateway asks each strategy in order
// whether it Accepts the token's kid and uses the first that does.
type Strategy interface {
	Name() string
	Accepts(ctx context.Context, kid string) bool
	Validate(ctx context.Context, token string) Result
}

// LocalStrategy verifies tokens in-process with a keys.Verifier: the
// issuer's own KeyStore or a RemoteKeySet caching its JWKS.
type LocalStrategy struct {
	name     string
	verifier keys.Verifier
}

func NewLocalStrategy(name string, v keys.Verifier) *LocalStrategy {
	return &LocalStrategy{name: name, verifier: v}
}

func (s *LocalStrategy) Name() string { return s.name }

func (s *LocalStrategy) Accepts(ctx context.Context, kid string) bool {
	return s.verifier.Resolve(ctx, kid)
}

func (s *LocalStrategy) Validate(_ context.Context, token string) Result {
	claims, err := s.verifier.VerifyToken(token)
	if err != nil {
		return Invalid(err)
	}
	if claims.Type == keys.TokenRefresh {
		return Invalid(ErrNotAccessToken)
	}
	return Valid(IdentityFromClaims(claims))
}

// RemoteStrategy asks the issuer over the broker with a validate_token
// request. It accepts every kid, so it belongs last in the chain.
type RemoteStrategy struct {
	requester  xauth.Requester
	dispatcher *xauth.Dispatcher
	topic      string
	logger     *xlog.Logger
}

type RemoteOption func(*RemoteStrategy)

// WithDispatcher retries failed requests and dead-letters exhausted ones.
func WithDispatcher(d *xauth.Dispatcher) RemoteOption {
	return func(s *RemoteStrategy) { s.dispatcher = d }
}

// WithTopic overrides the request topic (default: validate_token).
func WithTopic(topic string) RemoteOption {
	return func(s *RemoteStrategy) {
		if topic != "" {
			s.topic = topic
		}
	}
}

func WithRemoteLogger(l *xlog.Logger) RemoteOption {
	return func(s *RemoteStrategy) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewRemoteStrategy(r xauth.Requester, opts ...RemoteOption) *RemoteStrategy {
	s := &RemoteStrategy{
		requester: r,
		topic:     xauth.TopicValidateToken,
		logger:    xlog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RemoteStrategy) Name() string { return "broker" }

func (s *RemoteStrategy) Accepts(context.Context, string) bool { return true }

// Validate maps the issuer's reply onto a Result. Transport failures of any
// kind become ErrValidationFailed; the underlying error is only logged.
func (s *RemoteStrategy) Validate(ctx context.Context, token string) Result {
	req := xauth.ValidateTokenRequest{Token: token}

	var (
		reply xauth.ValidateTokenReply
		err   error
	)
	if s.dispatcher != nil {
		reply, err = xauth.Retry(ctx, s.dispatcher, s.topic, req, func(ctx context.Context) (xauth.ValidateTokenReply, error) {
			return s.send(ctx, req)
		})
	} else {
		reply, err = s.send(ctx, req)
	}
	if err != nil {
		s.logger.With(xlog.Str("topic", s.topic)).Warn().Err(err).Msg("gateway: remote token validation failed")
		return Invalid(ErrValidationFailed)
	}

	if !reply.Valid {
		return Invalid(&RejectedError{Reason: reply.Error})
	}
	if reply.Payload == nil {
		s.logger.With(xlog.Str("topic", s.topic)).Warn().Err(xauth.ErrMalformedReply).Msg("gateway: valid reply without identity")
		return Invalid(ErrValidationFailed)
	}
	return Valid(identityFromReply(reply.Payload))
}

func (s *RemoteStrategy) send(ctx context.Context, req xauth.ValidateTokenRequest) (xauth.ValidateTokenReply, error) {
	env, err := s.requester.Send(ctx, s.topic, req)
	if err != nil {
		return xauth.ValidateTokenReply{}, err
	}
	reply, ok := env.Payload.(xauth.ValidateTokenReply)
	if !ok {
		return xauth.ValidateTokenReply{}, fmt.Errorf("%w: unexpected %s", xauth.ErrMalformedReply, env.Payload.Kind())
	}
	return reply, nil
}
