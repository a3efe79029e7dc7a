package xauth

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ API = (*Broker)(nil)
var _ HealthChecker = (*Broker)(nil)

// Broker is the message broker client: a connection state machine over a
// Transport with fire-and-forget publishing and request/reply correlation.
type Broker struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codec          Codec
	clock          xclock.Clock
	logger         *xlog.Logger
	middlewares    []Middleware
	ackTimeout     time.Duration
	requestTimeout time.Duration
	source         string
	instanceID     string
	replyTopic     string

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	metrics   *brokerMetrics
	state     atomic.Int32
	closed    atomic.Bool
	closeOnce sync.Once

	// runCtx outlives Connect's ctx and scopes the reply subscription.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu        sync.RWMutex // guards transport and replySub
	transport Transport
	replySub  Subscription

	pendingMu sync.Mutex
	pending   map[string]chan replyResult
}

type brokerMetrics struct {
	publishCount atomic.Uint64
	consumeCount atomic.Uint64
	ackCount     atomic.Uint64
	nackCount    atomic.Uint64
	errorCount   atomic.Uint64
	requestCount atomic.Uint64
	replyCount   atomic.Uint64
	timeoutCount atomic.Uint64
	lateCount    atomic.Uint64
	processingNs atomic.Int64
}

// Codec returns the configured codec.
func (b *Broker) Codec() Codec { return b.codec }

// State returns the current connection state.
func (b *Broker) State() State { return State(b.state.Load()) }

// ReplyTopic is the instance-private topic replies to this broker arrive on.
func (b *Broker) ReplyTopic() string { return b.replyTopic }

// Connect opens the transport and the reply subscription. It never returns an
// error: failures are logged and leave the broker Degraded so callers can fall
// back to local behavior.
func (b *Broker) Connect(ctx context.Context) State {
	if b.closed.Load() {
		b.logger.Warn().Msg("xauth: connect on closed broker ignored")
		return StateDisconnected
	}
	cur := b.State()
	if cur == StateConnected || cur == StateConnecting {
		return cur
	}
	if !b.state.CompareAndSwap(int32(cur), int32(StateConnecting)) {
		return b.State()
	}
	b.notifyAsync(Event{Type: StateChanged, State: StateConnecting})

	tr, err := b.dial()
	if err != nil {
		return b.degrade(err)
	}
	sub, err := b.consume(b.runCtx, tr, b.replyTopic, b.instanceID, b.onReply)
	if err != nil {
		if b.transportInst == nil {
			_ = tr.Close(ctx)
		}
		return b.degrade(err)
	}

	b.mu.Lock()
	b.transport = tr
	b.replySub = sub
	b.mu.Unlock()

	b.setState(StateConnected, nil)
	b.logger.With(xlog.Str("reply_topic", b.replyTopic)).Info().Msg("xauth: broker connected")
	return StateConnected
}

// KeepConnected retries Connect every interval until the broker is Connected,
// then runs onConnected once and returns its error. It returns ctx.Err() when
// ctx ends first and ErrBrokerClosed when the broker is closed.
func (b *Broker) KeepConnected(ctx context.Context, interval time.Duration, onConnected func(context.Context) error) error {
	if interval <= 0 {
		interval = time.Second
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		switch b.Connect(ctx) {
		case StateConnected:
			if onConnected == nil {
				return nil
			}
			return onConnected(ctx)
		case StateDisconnected:
			return ErrBrokerClosed
		}
		b.logger.With(xlog.Str("attempt", strconv.Itoa(attempt)), xlog.Dur("retry_in", interval)).Info().Msg("xauth: broker degraded, retrying connect")
		timer.Reset(interval)
	}
}

func (b *Broker) dial() (Transport, error) {
	if b.transportInst != nil {
		return b.transportInst, nil
	}
	return NewTransport(b.transportName, b.transportCfg)
}

func (b *Broker) degrade(err error) State {
	b.metrics.errorCount.Add(1)
	b.logger.Warn().Err(err).Msg("xauth: broker connection failed, continuing degraded")
	b.setState(StateDegraded, err)
	return StateDegraded
}

func (b *Broker) setState(s State, err error) {
	b.state.Store(int32(s))
	b.notifyAsync(Event{Type: StateChanged, State: s, Err: err})
}

func (b *Broker) activeTransport() (Transport, bool) {
	if b.State() != StateConnected {
		return nil, false
	}
	b.mu.RLock()
	tr := b.transport
	b.mu.RUnlock()
	return tr, tr != nil
}

func (b *Broker) envelope(topic string, p Payload) Envelope {
	now := b.clock.Now()
	return Envelope{
		Pattern:   topic,
		Payload:   p,
		Timestamp: now,
		Source:    b.source,
		TraceID:   newTraceID(now),
	}
}

// Emit publishes p without waiting for any consumer. It never fails the caller.
func (b *Broker) Emit(ctx context.Context, topic string, p Payload) {
	_, err := b.Publish(ctx, topic, p)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotConnected):
		b.logger.With(xlog.Str("topic", topic)).Warn().Msg("xauth: broker not connected, event dropped")
	default:
		b.logger.With(xlog.Str("topic", topic)).Error().Err(err).Msg("xauth: emit failed")
	}
}

// Publish is Emit with the outcome reported to the caller.
func (b *Broker) Publish(ctx context.Context, topic string, p Payload) (Envelope, error) {
	env := b.envelope(topic, p)
	if err := b.publish(ctx, env); err != nil {
		return env, &RequestError{Op: "publish", Topic: topic, TraceID: env.TraceID, Err: err}
	}
	return env, nil
}

func (b *Broker) publish(ctx context.Context, env Envelope) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	if env.Pattern == "" {
		return ErrInvalidTopic
	}
	tr, ok := b.activeTransport()
	if !ok {
		return ErrNotConnected
	}
	msg, err := encodeEnvelope(b.codec, env)
	if err != nil {
		b.metrics.errorCount.Add(1)
		return err
	}

	b.metrics.publishCount.Add(1)
	kind := env.Payload.Kind()
	start := b.clock.Now()
	b.notifyAsync(Event{Type: PublishStart, Topic: env.Pattern, Kind: kind, TraceID: env.TraceID})

	err = tr.Publish(ctx, env.Pattern, msg)

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())
	b.notifyAsync(Event{Type: PublishDone, Topic: env.Pattern, Kind: kind, TraceID: env.TraceID, Duration: duration, Err: err})
	if err != nil {
		b.metrics.errorCount.Add(1)
	}
	return err
}

// Subscribe consumes events published to topic within group. mws wrap this
// subscription only and run inside the builder's middleware chain. Undecodable
// messages are logged and acknowledged so they are not redelivered.
func (b *Broker) Subscribe(ctx context.Context, topic, group string, h EventHandler, mws ...Middleware) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}
	if topic == "" || group == "" || h == nil {
		return nil, ErrInvalidSubscription
	}
	tr, ok := b.activeTransport()
	if !ok {
		return nil, ErrNotConnected
	}

	base := func(ctx context.Context, msg *Message) error {
		env, err := decodeEnvelope(b.codec, msg)
		if err != nil {
			b.logger.With(xlog.Str("topic", topic), xlog.Str("message_id", msg.ID)).Warn().Err(err).Msg("xauth: dropping undecodable message")
			return nil
		}
		return h(ctx, env)
	}
	chain := append(append([]Middleware(nil), b.middlewares...), mws...)
	wh := Chain(RecoveryMiddleware()(base), chain...)
	return b.consume(ctx, tr, topic, group, wh)
}

// Handle serves request/reply on topic. The handler's payload is published to
// the request's reply topic carrying the request's trace id.
func (b *Broker) Handle(ctx context.Context, topic, group string, h RequestHandler) (Subscription, error) {
	if h == nil {
		return nil, ErrInvalidSubscription
	}
	return b.Subscribe(ctx, topic, group, func(ctx context.Context, req Envelope) error {
		if !req.IsRequest() {
			b.logger.With(xlog.Str("topic", topic), xlog.Str("trace_id", req.TraceID)).Warn().Msg("xauth: request without reply topic ignored")
			return nil
		}
		reply, err := h(ctx, req)
		if err != nil {
			return err
		}
		return b.publish(ctx, Envelope{
			Pattern:   req.ReplyTo,
			Payload:   reply,
			Timestamp: b.clock.Now(),
			Source:    b.source,
			TraceID:   req.TraceID,
		})
	})
}

// consume drives deliveries from tr through wh with ack/nack bookkeeping.
func (b *Broker) consume(ctx context.Context, tr Transport, topic, group string, wh Handler) (Subscription, error) {
	hctx := InjectAll(ctx, b.codec, b.logger, b.clock)
	return tr.Subscribe(ctx, topic, group, func(d Delivery) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.With(xlog.Str("topic", topic)).Warn().Msg("xauth: delivery panic (recovered)")
				b.metrics.errorCount.Add(1)
				_ = d.Nack(context.Background(), ErrHandlerPanic)
			}
		}()

		b.metrics.consumeCount.Add(1)
		msg := d.Message()
		ev := Event{Topic: topic, Group: group, MessageID: msg.ID, Kind: Kind(msg.Metadata[MetaKind]), TraceID: msg.Metadata[MetaTraceID]}

		ev.Type = ConsumeStart
		b.notifyAsync(ev)

		start := b.clock.Now()
		err := wh(hctx, msg)
		ev.Duration = b.clock.Since(start)
		ev.Err = err
		b.recordProcessingTime(ev.Duration.Nanoseconds())

		if err == nil {
			b.metrics.ackCount.Add(1)
			b.ackWithTimeout(hctx, d, true, nil)
			ev.Type = ConsumeDone
			b.notifyAsync(ev)
			ev.Type = Ack
			b.notifyAsync(ev)
			return
		}

		b.metrics.nackCount.Add(1)
		b.ackWithTimeout(hctx, d, false, err)
		ev.Type = ConsumeDone
		b.notifyAsync(ev)
		ev.Type = Nack
		b.notifyAsync(ev)
	})
}

func (b *Broker) ackWithTimeout(ctx context.Context, d Delivery, ack bool, reason error) {
	actx := ctx
	cancel := func() {}
	if b.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, b.ackTimeout)
	}
	defer cancel()

	if ack {
		if err := d.Ack(actx); err != nil {
			b.metrics.errorCount.Add(1)
			b.notifyAsync(Event{Type: Error, Err: err})
			b.logger.Warn().Err(err).Msg("xauth: ack failed")
		}
		return
	}

	if err := d.Nack(actx, reason); err != nil {
		b.metrics.errorCount.Add(1)
		b.notifyAsync(Event{Type: Error, Err: err})
		b.logger.Warn().Err(err).Msg("xauth: nack failed")
	}
}

// GetMetrics returns current broker metrics.
func (b *Broker) GetMetrics() Metrics {
	return Metrics{
		Published:           b.metrics.publishCount.Load(),
		Consumed:            b.metrics.consumeCount.Load(),
		Acked:               b.metrics.ackCount.Load(),
		Nacked:              b.metrics.nackCount.Load(),
		Errors:              b.metrics.errorCount.Load(),
		Requests:            b.metrics.requestCount.Load(),
		Replies:             b.metrics.replyCount.Load(),
		Timeouts:            b.metrics.timeoutCount.Load(),
		LateReplies:         b.metrics.lateCount.Load(),
		EventsDropped:       b.observerPool.Stats().Dropped,
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
}

// Health maps connection state and error rate onto a probe status.
func (b *Broker) Health(ctx context.Context) HealthStatus {
	state := b.State()
	hs := HealthStatus{State: state, Timestamp: b.clock.Now(), Metrics: b.GetMetrics()}

	switch {
	case b.closed.Load():
		hs.Status = "unhealthy"
		hs.Message = "broker is closed"
	case state == StateDegraded:
		hs.Status = "degraded"
		hs.Message = "broker unreachable, running local-only"
	case state != StateConnected:
		hs.Status = "unhealthy"
		hs.Message = "broker " + state.String()
	default:
		hs.Status = "healthy"
		m := hs.Metrics
		if m.Errors > 0 && m.Published > 0 && float64(m.Errors)/float64(m.Published) > 0.05 {
			hs.Status = "degraded"
			hs.Message = "error rate above 5%"
		}
	}
	return hs
}

// Close releases the transport and moves the broker to Disconnected. Pending
// requests fail with ErrBrokerClosed. A transport passed in with
// WithTransportInstance is left open for its owner. Close is idempotent.
func (b *Broker) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.runCancel()

		b.mu.Lock()
		tr, sub := b.transport, b.replySub
		b.transport, b.replySub = nil, nil
		b.mu.Unlock()

		if sub != nil {
			if err := sub.Close(); err != nil {
				b.logger.Warn().Err(err).Msg("xauth: reply subscription close failed")
			}
		}
		if tr != nil && b.transportInst == nil {
			if err := tr.Close(ctx); err != nil {
				b.logger.Error().Err(err).Msg("xauth: transport close failed")
				closeErr = err
			}
		}

		b.state.Store(int32(StateDisconnected))
		b.observersMu.RLock()
		obs := append([]Observer(nil), b.observers...)
		b.observersMu.RUnlock()
		b.observerPool.Notify(Event{Type: StateChanged, State: StateDisconnected}, obs)

		if err := b.observerPool.Close(5 * time.Second); err != nil {
			b.logger.Warn().Err(err).Msg("xauth: observer pool shutdown timeout")
			if closeErr == nil {
				closeErr = err
			}
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (b *Broker) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer. Observers whose dynamic type is not
// comparable, such as ObserverFunc, cannot be removed; register a pointer
// type instead when removal is needed.
func (b *Broker) RemoveObserver(obs Observer) {
	if obs == nil || !reflect.TypeOf(obs).Comparable() {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
			break
		}
	}
}

func (b *Broker) notifyAsync(e Event) {
	if b.closed.Load() {
		return
	}
	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(e, observers)
}

// recordProcessingTime keeps an exponential moving average of processing time.
func (b *Broker) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	b.metrics.processingNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}
