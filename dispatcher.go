package xauth

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryBase  = 100 * time.Millisecond
	MaxRetryBackoff   = time.Minute
	DeadLetterSuffix  = ".dlq"
)

// DeadLetterTopic returns the dead-letter topic paired with topic.
func DeadLetterTopic(topic string) string { return topic + DeadLetterSuffix }

// RetryPolicy bounds the attempts made for one unit of work.
type RetryPolicy struct {
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries int
	// Base is the delay after the first failure; it doubles per failure.
	Base time.Duration
}

// DefaultRetryPolicy allows 3 attempts with 100ms and 200ms pauses between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries, Base: DefaultRetryBase}
}

// Backoff returns the pause after the n-th failed attempt (n >= 1), capped
// at MaxRetryBackoff.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 1; i < n && d < MaxRetryBackoff; i++ {
		d *= 2
	}
	return min(d, MaxRetryBackoff)
}

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Dispatcher runs units of work under a RetryPolicy and dead-letters the
// ones that exhaust it.
type Dispatcher struct {
	publisher Publisher
	policy    RetryPolicy
	codec     Codec
	clock     xclock.Clock
	logger    *xlog.Logger
	sleep     Sleeper

	deadLettered atomic.Uint64
	dlqFailures  atomic.Uint64
}

type DispatcherOption func(*Dispatcher)

func WithRetryPolicy(p RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) {
		if p.MaxRetries > 0 {
			d.policy.MaxRetries = p.MaxRetries
		}
		if p.Base > 0 {
			d.policy.Base = p.Base
		}
	}
}

func WithDispatcherLogger(l *xlog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithDispatcherClock(c xclock.Clock) DispatcherOption {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithDispatcherCodec sets the codec used to encode original payloads into
// dead-letter entries. It should match the broker codec.
func WithDispatcherCodec(c Codec) DispatcherOption {
	return func(d *Dispatcher) {
		if c != nil {
			d.codec = c
		}
	}
}

// WithSleeper replaces the backoff pause, mainly for tests.
func WithSleeper(s Sleeper) DispatcherOption {
	return func(d *Dispatcher) {
		if s != nil {
			d.sleep = s
		}
	}
}

// NewDispatcher returns a dispatcher that dead-letters through pub.
func NewDispatcher(pub Publisher, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		publisher: pub,
		policy:    DefaultRetryPolicy(),
		codec:     JSONCodec{},
		clock:     xclock.Default(),
		logger:    xlog.Default(),
		sleep:     sleepContext,
	}
	if b, ok := pub.(*Broker); ok {
		d.codec = b.Codec()
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Policy returns the active retry policy.
func (d *Dispatcher) Policy() RetryPolicy { return d.policy }

// DeadLettered reports how many entries were published to dead-letter topics.
func (d *Dispatcher) DeadLettered() uint64 { return d.deadLettered.Load() }

// DeadLetterFailures reports dead-letter publishes that failed.
func (d *Dispatcher) DeadLetterFailures() uint64 { return d.dlqFailures.Load() }

// Retry runs op until it succeeds or the policy is exhausted. On exhaustion a
// DeadLetterEntry for payload is published to DeadLetterTopic(topic) and a
// *RetryExhaustedError is returned. A done ctx stops retrying without
// dead-lettering.
func Retry[T any](ctx context.Context, d *Dispatcher, topic string, payload Payload, op func(ctx context.Context) (T, error)) (T, error) {
	v, attempts, err := attempt(ctx, d, topic, op)
	if err == nil || attempts < d.policy.MaxRetries {
		return v, err
	}

	var kind Kind
	var data []byte
	if payload != nil {
		kind = payload.Kind()
		if b, encErr := d.codec.Marshal(payload); encErr == nil {
			data = b
		} else {
			d.logger.With(xlog.Str("topic", topic)).Warn().Err(encErr).Msg("xauth: dead-letter payload encoding failed")
		}
	}
	d.deadLetter(ctx, topic, kind, data, attempts, err, "")
	return v, &RetryExhaustedError{Topic: topic, Attempts: attempts, Err: err}
}

// attempt returns the last result, the number of attempts made and the last error.
func attempt[T any](ctx context.Context, d *Dispatcher, topic string, op func(ctx context.Context) (T, error)) (T, int, error) {
	limit := d.policy.MaxRetries
	var (
		v   T
		err error
	)
	for n := 1; ; n++ {
		v, err = op(ctx)
		if err == nil {
			return v, n, nil
		}
		d.logger.With(xlog.Str("topic", topic), xlog.Str("attempt", strconv.Itoa(n)+"/"+strconv.Itoa(limit))).Warn().Err(err).Msg("xauth: attempt failed")
		if n >= limit {
			return v, n, err
		}
		if ctx.Err() != nil {
			return v, n, err
		}
		if serr := d.sleep(ctx, d.policy.Backoff(n)); serr != nil {
			return v, n, err
		}
	}
}

// deadLetter publishes the entry. When traceID is empty it is taken from a
// *RequestError in cause, if any.
func (d *Dispatcher) deadLetter(ctx context.Context, topic string, kind Kind, data []byte, attempts int, cause error, traceID string) {
	entry := DeadLetterEntry{
		OriginalTopic:   topic,
		OriginalKind:    kind,
		OriginalPayload: data,
		Error:           cause.Error(),
		RetryCount:      attempts,
		Timestamp:       d.clock.Now(),
		TraceID:         traceID,
	}
	var reqErr *RequestError
	if entry.TraceID == "" && errors.As(cause, &reqErr) {
		entry.TraceID = reqErr.TraceID
	}

	dlq := DeadLetterTopic(topic)
	if _, err := d.publisher.Publish(context.WithoutCancel(ctx), dlq, entry); err != nil {
		d.dlqFailures.Add(1)
		d.logger.With(xlog.Str("topic", dlq)).Error().Err(err).Msg("xauth: dead-letter publish failed")
		return
	}
	d.deadLettered.Add(1)
	d.logger.With(xlog.Str("topic", dlq), xlog.Str("retry_count", strconv.Itoa(attempts)), xlog.Str("error", entry.Error)).Warn().Msg("xauth: message dead-lettered")
}

// Middleware applies the retry policy to a consumer handler. When the policy
// is exhausted the message is dead-lettered and acknowledged.
func (d *Dispatcher) Middleware(topic string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			_, attempts, err := attempt(ctx, d, topic, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, next(ctx, msg)
			})
			if err == nil {
				return nil
			}
			if attempts < d.policy.MaxRetries {
				return err
			}
			d.deadLetter(ctx, topic, Kind(msg.Metadata[MetaKind]), msg.Payload, attempts, err, msg.Metadata[MetaTraceID])
			return nil
		}
	}
}
