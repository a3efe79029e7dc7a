package redisstream

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xauth"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

const TransportName = "redis-streams"

func init() {
	if err := xauth.RegisterTransport(TransportName, func(cfg map[string]any) (xauth.Transport, error) {
		tr, err := NewTransport(ConfigFromMap(cfg))
		if err != nil {
			return nil, err
		}
		return tr, nil
	}); err != nil {
		panic(fmt.Errorf("xauth: failed to register transport %q: %w", TransportName, err))
	}
}

// NewBroker builds a broker whose transport is dialed on Connect. Zero fields
// of cfg take their Defaults.
func NewBroker(cfg Config, opts ...Option) (*xauth.Broker, error) {
	bb := xauth.NewBrokerBuilder().
		WithTransport(TransportName, cfg.withDefaults().ToMap())
	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	return bb.Build()
}

// Option configures the xauth.Broker built by NewBroker.
type Option func(*xauth.BrokerBuilder)

func WithLogger(l *xlog.Logger) Option {
	return func(b *xauth.BrokerBuilder) { b.WithLogger(l) }
}

func WithClock(c xclock.Clock) Option {
	return func(b *xauth.BrokerBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *xauth.BrokerBuilder) { b.WithCodec(name) }
}

func WithMiddleware(mw ...xauth.Middleware) Option {
	return func(b *xauth.BrokerBuilder) { b.WithMiddleware(mw...) }
}

func WithAckTimeout(d time.Duration) Option {
	return func(b *xauth.BrokerBuilder) { b.WithAckTimeout(d) }
}

func WithObserver(obs ...xauth.Observer) Option {
	return func(b *xauth.BrokerBuilder) { b.WithObserver(obs...) }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(b *xauth.BrokerBuilder) { b.WithRequestTimeout(d) }
}

func WithSource(s string) Option {
	return func(b *xauth.BrokerBuilder) { b.WithSource(s) }
}
