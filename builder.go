package xauth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultAckTimeout     = 5 * time.Second
	DefaultReplyPrefix    = "xauth.reply"
	DefaultSource         = "auth-service"
)

// BrokerBuilder constructs Broker instances (Builder pattern).
type BrokerBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock

	ackTimeout     time.Duration
	requestTimeout time.Duration
	source         string
	replyPrefix    string

	observerWorkers int
	observerBuffer  int
}

// NewBrokerBuilder returns a builder with the default codec and timeouts.
func NewBrokerBuilder() *BrokerBuilder {
	return &BrokerBuilder{
		codecName:       "json",
		ackTimeout:      DefaultAckTimeout,
		requestTimeout:  DefaultRequestTimeout,
		source:          DefaultSource,
		replyPrefix:     DefaultReplyPrefix,
		observerWorkers: 4,
		observerBuffer:  1024,
	}
}

// WithTransport selects a registered transport; it is constructed on Connect.
func (bb *BrokerBuilder) WithTransport(name string, cfg map[string]any) *BrokerBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready Transport instance.
func (bb *BrokerBuilder) WithTransportInstance(t Transport) *BrokerBuilder {
	bb.transportInst = t
	return bb
}

func (bb *BrokerBuilder) WithCodec(name string) *BrokerBuilder {
	bb.codecName = name
	return bb
}

func (bb *BrokerBuilder) WithCodecInstance(c Codec) *BrokerBuilder {
	bb.codecInst = c
	return bb
}

// WithMiddleware adds consumer middlewares, applied in order after panic recovery.
func (bb *BrokerBuilder) WithMiddleware(mw ...Middleware) *BrokerBuilder {
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BrokerBuilder) WithObserver(obs ...Observer) *BrokerBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

func (bb *BrokerBuilder) WithLogger(l *xlog.Logger) *BrokerBuilder {
	bb.logger = l
	return bb
}

func (bb *BrokerBuilder) WithClock(c xclock.Clock) *BrokerBuilder {
	bb.clock = c
	return bb
}

func (bb *BrokerBuilder) WithAckTimeout(d time.Duration) *BrokerBuilder {
	if d > 0 {
		bb.ackTimeout = d
	}
	return bb
}

// WithRequestTimeout bounds how long Send waits for a reply.
func (bb *BrokerBuilder) WithRequestTimeout(d time.Duration) *BrokerBuilder {
	if d > 0 {
		bb.requestTimeout = d
	}
	return bb
}

// WithSource names the service stamped on outgoing envelopes.
func (bb *BrokerBuilder) WithSource(s string) *BrokerBuilder {
	if s != "" {
		bb.source = s
	}
	return bb
}

func (bb *BrokerBuilder) WithReplyPrefix(p string) *BrokerBuilder {
	if p != "" {
		bb.replyPrefix = p
	}
	return bb
}

func (bb *BrokerBuilder) WithObserverPool(workers, buffer int) *BrokerBuilder {
	bb.observerWorkers = workers
	bb.observerBuffer = buffer
	return bb
}

// Build validates the configuration. The returned broker is Disconnected.
func (bb *BrokerBuilder) Build() (*Broker, error) {
	if bb.transportInst == nil && bb.transportName == "" {
		return nil, ErrNoTransportConfigured
	}

	var cd Codec
	var err error
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	instanceID := uuid.NewString()
	runCtx, runCancel := context.WithCancel(context.Background())
	b := &Broker{
		transportName:  bb.transportName,
		transportCfg:   bb.transportCfg,
		transportInst:  bb.transportInst,
		codec:          cd,
		clock:          clk,
		logger:         lg.With(xlog.Str("component", "broker"), xlog.Str("instance", instanceID)),
		middlewares:    bb.middlewares,
		ackTimeout:     bb.ackTimeout,
		requestTimeout: bb.requestTimeout,
		source:         bb.source,
		instanceID:     instanceID,
		replyTopic:     bb.replyPrefix + "." + instanceID,
		observerPool:   NewObserverPool(context.Background(), bb.observerWorkers, bb.observerBuffer),
		runCtx:         runCtx,
		runCancel:      runCancel,
		metrics:        &brokerMetrics{},
		pending:        make(map[string]chan replyResult),
	}

	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// New builds a broker and returns a close func for convenience.
func New(init func(b *BrokerBuilder)) (*Broker, func() error, error) {
	bb := NewBrokerBuilder()
	if init != nil {
		init(bb)
	}
	b, err := bb.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return b.Close(context.Background()) }
	return b, closeFn, nil
}
