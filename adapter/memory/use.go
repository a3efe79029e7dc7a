package memory

import (
	"time"

	"github.com/trickstertwo/xauth"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// NewBroker builds a broker over its own in-memory transport.
//
//	b, err := memory.NewBroker(memory.DefaultConfig(),
//	    memory.WithLogger(logger),
//	    memory.WithRequestTimeout(2*time.Second),
//	)
//
// Brokers that must talk to each other in-process share one Transport via
// NewSharedBroker instead.
func NewBroker(cfg Config, opts ...Option) (*xauth.Broker, error) {
	bb := xauth.NewBrokerBuilder().WithTransport(TransportName, cfg.ToMap())
	return build(bb, opts)
}

// NewSharedBroker builds a broker over tr. Closing the broker leaves tr open.
func NewSharedBroker(tr *Transport, opts ...Option) (*xauth.Broker, error) {
	bb := xauth.NewBrokerBuilder().WithTransportInstance(tr)
	return build(bb, opts)
}

func build(bb *xauth.BrokerBuilder, opts []Option) (*xauth.Broker, error) {
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

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *xauth.BrokerBuilder) { b.WithCodec(name) }
}

func WithMiddleware(mw ...xauth.Middleware) Option {
	return func(b *xauth.BrokerBuilder) { b.WithMiddleware(mw...) }
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
