package xauth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xlog"
)

// newTraceID returns "<unix millis>-<12 hex chars>".
func newTraceID(now time.Time) string {
	id := uuid.New()
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + hex.EncodeToString(id[:6])
}

// replyResult is what a waiting Send receives: a decoded reply, or the
// reason the reply carrying its trace id could not be decoded.
type replyResult struct {
	env Envelope
	err error
}

// Send publishes p as a request on topic and waits for the reply carrying the
// same trace id. It fails with ErrNotConnected when the broker is not
// Connected, with ErrMalformedReply when the reply cannot be decoded and with
// ErrTimeout when no reply arrives within the request timeout. Replies
// arriving after that are dropped.
func (b *Broker) Send(ctx context.Context, topic string, p Payload) (Envelope, error) {
	if _, ok := b.activeTransport(); !ok {
		return Envelope{}, &RequestError{Op: "send", Topic: topic, Err: ErrNotConnected}
	}

	env := b.envelope(topic, p)
	env.ReplyTo = b.replyTopic
	ch := make(chan replyResult, 1)
	env.TraceID = b.register(env.TraceID, ch)
	defer b.release(env.TraceID)

	b.metrics.requestCount.Add(1)
	if err := b.publish(ctx, env); err != nil {
		return Envelope{}, &RequestError{Op: "send", Topic: topic, TraceID: env.TraceID, Err: err}
	}
	b.notifyAsync(Event{Type: RequestSent, Topic: topic, Kind: p.Kind(), TraceID: env.TraceID})

	timer := time.NewTimer(b.requestTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.err != nil {
			return Envelope{}, &RequestError{Op: "send", Topic: topic, TraceID: env.TraceID, Err: fmt.Errorf("%w: %w", ErrMalformedReply, reply.err)}
		}
		b.metrics.replyCount.Add(1)
		b.notifyAsync(Event{Type: ReplyReceived, Topic: topic, Kind: reply.env.Payload.Kind(), TraceID: env.TraceID})
		return reply.env, nil
	case <-timer.C:
		return Envelope{}, b.timedOut(topic, env.TraceID, ErrTimeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Envelope{}, b.timedOut(topic, env.TraceID, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err()))
		}
		return Envelope{}, &RequestError{Op: "send", Topic: topic, TraceID: env.TraceID, Err: ctx.Err()}
	case <-b.runCtx.Done():
		return Envelope{}, &RequestError{Op: "send", Topic: topic, TraceID: env.TraceID, Err: ErrBrokerClosed}
	}
}

func (b *Broker) timedOut(topic, traceID string, err error) error {
	b.metrics.timeoutCount.Add(1)
	b.notifyAsync(Event{Type: RequestTimeout, Topic: topic, TraceID: traceID, Err: err})
	return &RequestError{Op: "send", Topic: topic, TraceID: traceID, Err: err}
}

// register reserves traceID for ch, drawing a fresh id on collision.
func (b *Broker) register(traceID string, ch chan replyResult) string {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for {
		if _, taken := b.pending[traceID]; !taken {
			b.pending[traceID] = ch
			return traceID
		}
		traceID = newTraceID(b.clock.Now())
	}
}

func (b *Broker) release(traceID string) {
	b.pendingMu.Lock()
	delete(b.pending, traceID)
	b.pendingMu.Unlock()
}

// take removes and returns the waiter for traceID, if it is still waiting.
func (b *Broker) take(traceID string) (chan replyResult, bool) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	ch, ok := b.pending[traceID]
	if ok {
		delete(b.pending, traceID)
	}
	return ch, ok
}

// PendingRequests reports the number of requests awaiting a reply.
func (b *Broker) PendingRequests() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return len(b.pending)
}

// onReply routes a message from the reply topic to its waiting request.
// It always acknowledges: a reply is never worth redelivering. An undecodable
// reply still fails its request when the trace id is readable.
func (b *Broker) onReply(_ context.Context, msg *Message) error {
	env, err := decodeEnvelope(b.codec, msg)
	if err != nil {
		b.metrics.errorCount.Add(1)
		var traceID string
		if msg != nil {
			traceID = msg.Metadata[MetaTraceID]
		}
		l := b.logger.With(xlog.Str("trace_id", traceID))
		if ch, ok := b.take(traceID); ok {
			l.Warn().Err(err).Msg("xauth: undecodable reply failed its request")
			ch <- replyResult{err: err}
			return nil
		}
		l.Warn().Err(err).Msg("xauth: undecodable reply dropped")
		return nil
	}
	ch, ok := b.take(env.TraceID)
	if !ok {
		b.metrics.lateCount.Add(1)
		b.notifyAsync(Event{Type: ReplyDropped, Topic: b.replyTopic, Kind: env.Payload.Kind(), TraceID: env.TraceID})
		b.logger.With(xlog.Str("trace_id", env.TraceID)).Warn().Msg("xauth: reply without pending request dropped")
		return nil
	}
	ch <- replyResult{env: env}
	return nil
}
