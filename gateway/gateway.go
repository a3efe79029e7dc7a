package gateway

import (
	"context"
	"strings"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xauth/keys"
)

// ExtractBearer returns the token of an "Authorization: Bearer <token>"
// header. Anything other than exactly those two parts is ErrMissingToken.
func ExtractBearer(header string) (string, error) {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", ErrMissingToken
	}
	return parts[1], nil
}

// Gateway validates bearer tokens through an ordered list of strategies.
type Gateway struct {
	strategies []Strategy
	logger     *xlog.Logger
}

type Option func(*Gateway)

// WithStrategy appends strategies. Order matters: local ones go first.
func WithStrategy(s ...Strategy) Option {
	return func(g *Gateway) {
		for _, st := range s {
			if st != nil {
				g.strategies = append(g.strategies, st)
			}
		}
	}
}

func WithLogger(l *xlog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

func New(opts ...Option) (*Gateway, error) {
	g := &Gateway{logger: xlog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if len(g.strategies) == 0 {
		return nil, ErrNoStrategy
	}
	return g, nil
}

// Authenticate validates the token carried by an Authorization header value.
func (g *Gateway) Authenticate(ctx context.Context, header string) Result {
	token, err := ExtractBearer(header)
	if err != nil {
		return Invalid(err)
	}
	return g.Validate(ctx, token)
}

// Validate hands token to the first strategy that accepts its kid.
func (g *Gateway) Validate(ctx context.Context, token string) Result {
	kid, err := keys.PeekKeyID(token)
	if err != nil {
		return Invalid(err)
	}
	for _, s := range g.strategies {
		if !s.Accepts(ctx, kid) {
			continue
		}
		res := s.Validate(ctx, token)
		if res.OK() {
			g.logger.With(xlog.Str("strategy", s.Name()), xlog.Str("kid", kid), xlog.Str("subject", res.Identity().SubjectID)).Debug().Msg("gateway: token accepted")
		} else {
			g.logger.With(xlog.Str("strategy", s.Name()), xlog.Str("kid", kid)).Debug().Err(res.Reason()).Msg("gateway: token refused")
		}
		return res
	}
	return Invalid(keys.ErrUnknownKey)
}
