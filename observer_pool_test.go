package xauth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

func TestObserverPool_DeliversAndDrainsOnClose(t *testing.T) {
	pool := NewObserverPool(context.Background(), 2, 64)

	var got atomic.Int64
	obs := ObserverFunc(func(Event) { got.Add(1) })
	for i := 0; i < 50; i++ {
		pool.Notify(Event{Type: PublishDone}, []Observer{obs})
	}

	require.NoError(t, pool.Close(time.Second))
	assert.Equal(t, int64(50), got.Load())
	assert.Equal(t, uint64(50), pool.Stats().Processed)

	// Closed pools ignore further events.
	pool.Notify(Event{Type: PublishDone}, []Observer{obs})
	assert.Equal(t, int64(50), got.Load())
	assert.NoError(t, pool.Close(time.Second))
}

func TestObserverPool_DropsWhenFull(t *testing.T) {
	pool := NewObserverPool(context.Background(), 1, 1)
	release := make(chan struct{})
	var once sync.Once
	started := make(chan struct{})
	blocking := ObserverFunc(func(Event) {
		once.Do(func() { close(started) })
		<-release
	})

	pool.Notify(Event{}, []Observer{blocking})
	<-started
	pool.Notify(Event{}, []Observer{blocking}) // fills the buffer
	for i := 0; i < 5; i++ {
		pool.Notify(Event{}, []Observer{blocking})
	}
	assert.Equal(t, uint64(5), pool.Stats().Dropped)

	close(release)
	require.NoError(t, pool.Close(time.Second))
}

func TestObserverPool_PanickingObserverIsolated(t *testing.T) {
	pool := NewObserverPool(context.Background(), 1, 8)

	var calls atomic.Int64
	bad := ObserverFunc(func(Event) { panic("observer bug") })
	good := ObserverFunc(func(Event) { calls.Add(1) })
	pool.Notify(Event{}, []Observer{bad, good})

	require.NoError(t, pool.Close(time.Second))
	assert.Equal(t, int64(1), calls.Load())
	stats := pool.Stats()
	assert.Equal(t, uint64(1), stats.Panics)
	assert.Equal(t, uint64(1), stats.Processed)
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, msg *Message) error {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}
	h := Chain(func(context.Context, *Message) error {
		order = append(order, "handler")
		return nil
	}, mw("a"), nil, mw("b"))

	require.NoError(t, h(context.Background(), &Message{}))
	assert.Equal(t, []string{"a", "b", "handler"}, order)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(func(context.Context, *Message) error { panic("kaboom") })
	err := h(context.Background(), &Message{})
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestTimeoutMiddleware(t *testing.T) {
	slow := func(ctx context.Context, _ *Message) error {
		<-ctx.Done()
		return ctx.Err()
	}
	err := TimeoutMiddleware(20*time.Millisecond)(slow)(context.Background(), &Message{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	boom := errors.New("boom")
	err = TimeoutMiddleware(time.Second)(func(context.Context, *Message) error { return boom })(context.Background(), &Message{})
	assert.ErrorIs(t, err, boom)

	err = TimeoutMiddleware(time.Second)(func(context.Context, *Message) error { panic("x") })(context.Background(), &Message{})
	assert.ErrorIs(t, err, ErrHandlerPanic)
}

func TestInjectAll(t *testing.T) {
	ctx := InjectAll(context.Background(), JSONCodec{}, xlog.Default(), xclock.Default())

	c, ok := CodecFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "json", c.Name())
	_, ok = LoggerFromContext(ctx)
	assert.True(t, ok)
	_, ok = ClockFromContext(ctx)
	assert.True(t, ok)

	_, ok = LoggerFromContext(InjectAll(context.Background(), nil, nil, nil))
	assert.False(t, ok)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "degraded", StateDegraded.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestTransportRegistry(t *testing.T) {
	_, err := NewTransport("carrier-pigeon", nil)
	var unknown ErrUnknownTransport
	require.ErrorAs(t, err, &unknown)
	assert.Contains(t, err.Error(), "carrier-pigeon")

	assert.Error(t, RegisterTransport("", func(map[string]any) (Transport, error) { return nil, nil }))
	assert.Error(t, RegisterTransport("x", nil))
}
