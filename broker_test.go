package xauth_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xauth"
	"github.com/trickstertwo/xauth/adapter/memory"
)

// pair returns an issuer and a caller broker sharing one in-memory transport.
func pair(t *testing.T, callerOpts ...memory.Option) (server, caller *xauth.Broker) {
	t.Helper()
	tr := memory.NewTransport(memory.Config{BufferSize: 256, Concurrency: 4, AssignIDs: true})
	t.Cleanup(func() { _ = tr.Close(context.Background()) })

	var err error
	server, err = memory.NewSharedBroker(tr, memory.WithSource("issuer"))
	require.NoError(t, err)
	caller, err = memory.NewSharedBroker(tr, append([]memory.Option{memory.WithSource("edge")}, callerOpts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = caller.Close(context.Background())
		_ = server.Close(context.Background())
	})

	ctx := context.Background()
	require.Equal(t, xauth.StateConnected, server.Connect(ctx))
	require.Equal(t, xauth.StateConnected, caller.Connect(ctx))
	return server, caller
}

func echoIdentity(_ context.Context, req xauth.Envelope) (xauth.Payload, error) {
	r := req.Payload.(xauth.ValidateTokenRequest)
	return xauth.ValidateTokenReply{Valid: true, Payload: &xauth.ReplyIdentity{UserID: r.Token}}, nil
}

func TestBuild_RequiresTransport(t *testing.T) {
	_, err := xauth.NewBrokerBuilder().Build()
	assert.ErrorIs(t, err, xauth.ErrNoTransportConfigured)

	_, err = xauth.NewBrokerBuilder().WithTransport(memory.TransportName, nil).WithCodec("yaml").Build()
	assert.Error(t, err)
}

func TestBroker_UnknownTransportDegrades(t *testing.T) {
	b, closeFn, err := xauth.New(func(bb *xauth.BrokerBuilder) {
		bb.WithTransport("does-not-exist", nil)
	})
	require.NoError(t, err)
	defer closeFn()

	ctx := context.Background()
	assert.Equal(t, xauth.StateDisconnected, b.State())
	assert.Equal(t, xauth.StateDegraded, b.Connect(ctx))
	assert.Equal(t, "degraded", b.Health(ctx).Status)

	// Emit is a logged no-op while not connected.
	b.Emit(ctx, xauth.TopicUserLogin, xauth.UserLogin{UserID: "u1"})
	assert.Zero(t, b.GetMetrics().Published)

	_, err = b.Send(ctx, xauth.TopicValidateToken, xauth.ValidateTokenRequest{Token: "t"})
	assert.ErrorIs(t, err, xauth.ErrNotConnected)

	_, err = b.Subscribe(ctx, xauth.TopicUserLogin, "g", func(context.Context, xauth.Envelope) error { return nil })
	assert.ErrorIs(t, err, xauth.ErrNotConnected)
}

// flakyTransport registers a transport whose first n dials fail.
func flakyTransport(t *testing.T, n int64) (string, *atomic.Int64) {
	t.Helper()
	name := fmt.Sprintf("flaky-%d", time.Now().UnixNano())
	var dials atomic.Int64
	require.NoError(t, xauth.RegisterTransport(name, func(map[string]any) (xauth.Transport, error) {
		if dials.Add(1) <= n {
			return nil, fmt.Errorf("dial %s: connection refused", name)
		}
		return memory.NewTransport(memory.DefaultConfig()), nil
	}))
	return name, &dials
}

func TestBroker_KeepConnectedRecoversFromDegraded(t *testing.T) {
	name, dials := flakyTransport(t, 2)
	b, closeFn, err := xauth.New(func(bb *xauth.BrokerBuilder) { bb.WithTransport(name, nil) })
	require.NoError(t, err)
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Equal(t, xauth.StateDegraded, b.Connect(ctx))

	var ran atomic.Int64
	err = b.KeepConnected(ctx, 10*time.Millisecond, func(ctx context.Context) error {
		ran.Add(1)
		_, err := b.Subscribe(ctx, xauth.TopicUserLogin, "audit", func(context.Context, xauth.Envelope) error { return nil })
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, xauth.StateConnected, b.State())
	assert.Equal(t, int64(1), ran.Load())
	assert.Equal(t, int64(3), dials.Load())
}

func TestBroker_KeepConnectedStops(t *testing.T) {
	name, _ := flakyTransport(t, 1<<30)
	b, closeFn, err := xauth.New(func(bb *xauth.BrokerBuilder) { bb.WithTransport(name, nil) })
	require.NoError(t, err)
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = b.KeepConnected(ctx, 5*time.Millisecond, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, xauth.StateDegraded, b.State())

	require.NoError(t, b.Close(context.Background()))
	err = b.KeepConnected(context.Background(), 5*time.Millisecond, nil)
	assert.ErrorIs(t, err, xauth.ErrBrokerClosed)
}

func TestBroker_Lifecycle(t *testing.T) {
	var states []xauth.State
	var mu sync.Mutex
	obs := xauth.ObserverFunc(func(e xauth.Event) {
		if e.Type == xauth.StateChanged {
			mu.Lock()
			states = append(states, e.State)
			mu.Unlock()
		}
	})

	b, err := memory.NewBroker(memory.DefaultConfig(), memory.WithObserver(obs))
	require.NoError(t, err)

	ctx := context.Background()
	require.Equal(t, xauth.StateConnected, b.Connect(ctx))
	assert.Equal(t, xauth.StateConnected, b.Connect(ctx))
	assert.Equal(t, "healthy", b.Health(ctx).Status)

	require.NoError(t, b.Close(ctx))
	require.NoError(t, b.Close(ctx))
	assert.Equal(t, xauth.StateDisconnected, b.State())
	assert.Equal(t, xauth.StateDisconnected, b.Connect(ctx))
	assert.Equal(t, "unhealthy", b.Health(ctx).Status)

	_, err = b.Publish(ctx, xauth.TopicUserLogin, xauth.UserLogin{})
	assert.ErrorIs(t, err, xauth.ErrBrokerClosed)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []xauth.State{xauth.StateConnecting, xauth.StateConnected, xauth.StateDisconnected}, states)
}

type countingObserver struct{ n atomic.Int64 }

func (c *countingObserver) OnEvent(xauth.Event) { c.n.Add(1) }

func TestBroker_RemoveObserver(t *testing.T) {
	b, err := memory.NewBroker(memory.DefaultConfig())
	require.NoError(t, err)
	defer b.Close(context.Background())

	kept, removed := &countingObserver{}, &countingObserver{}
	fn := xauth.ObserverFunc(func(xauth.Event) {})
	b.AddObserver(fn)
	b.AddObserver(kept)
	b.AddObserver(removed)

	assert.NotPanics(t, func() { b.RemoveObserver(fn) })
	b.RemoveObserver(removed)

	require.Equal(t, xauth.StateConnected, b.Connect(context.Background()))
	require.Eventually(t, func() bool { return kept.n.Load() > 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, removed.n.Load())
}

func TestBroker_PublishValidation(t *testing.T) {
	_, caller := pair(t)
	ctx := context.Background()

	_, err := caller.Publish(ctx, "", xauth.UserLogin{})
	assert.ErrorIs(t, err, xauth.ErrInvalidTopic)

	_, err = caller.Publish(ctx, xauth.TopicUserLogin, nil)
	assert.ErrorIs(t, err, xauth.ErrInvalidPayload)

	_, err = caller.Subscribe(ctx, xauth.TopicUserLogin, "", nil)
	assert.ErrorIs(t, err, xauth.ErrInvalidSubscription)
}

func TestBroker_SubscribeEmit(t *testing.T) {
	server, caller := pair(t)
	ctx := context.Background()

	got := make(chan xauth.Envelope, 2)
	_, err := server.Subscribe(ctx, xauth.TopicUserRegistered, "audit", func(_ context.Context, env xauth.Envelope) error {
		got <- env
		return nil
	})
	require.NoError(t, err)

	at := time.Now().UTC()
	caller.Emit(ctx, xauth.TopicUserRegistered, xauth.UserRegistered{UserID: "u1", Email: "a@b.c", RegisteredAt: at})

	select {
	case env := <-got:
		ev := env.Payload.(xauth.UserRegistered)
		assert.Equal(t, "u1", ev.UserID)
		assert.Equal(t, "edge", env.Source)
		assert.NotEmpty(t, env.TraceID)
		assert.False(t, env.IsRequest())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBroker_SendHandleRoundTrip(t *testing.T) {
	server, caller := pair(t, memory.WithRequestTimeout(2*time.Second))
	ctx := context.Background()

	var seen xauth.Envelope
	_, err := server.Handle(ctx, xauth.TopicValidateToken, "issuer", func(ctx context.Context, req xauth.Envelope) (xauth.Payload, error) {
		seen = req
		return echoIdentity(ctx, req)
	})
	require.NoError(t, err)

	reply, err := caller.Send(ctx, xauth.TopicValidateToken, xauth.ValidateTokenRequest{Token: "user-42"})
	require.NoError(t, err)

	r, ok := reply.Payload.(xauth.ValidateTokenReply)
	require.True(t, ok)
	assert.True(t, r.Valid)
	assert.Equal(t, "user-42", r.Payload.UserID)
	assert.Equal(t, seen.TraceID, reply.TraceID)
	assert.Equal(t, "edge", seen.Source)
	assert.Equal(t, caller.ReplyTopic(), seen.ReplyTo)
	assert.Equal(t, "issuer", reply.Source)
	assert.Zero(t, caller.PendingRequests())

	m := caller.GetMetrics()
	assert.Equal(t, uint64(1), m.Requests)
	assert.Equal(t, uint64(1), m.Replies)
}

func TestBroker_SendTimeout(t *testing.T) {
	_, caller := pair(t, memory.WithRequestTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := caller.Send(context.Background(), xauth.TopicValidateToken, xauth.ValidateTokenRequest{Token: "t"})
	require.ErrorIs(t, err, xauth.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	var reqErr *xauth.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "send", reqErr.Op)
	assert.NotEmpty(t, reqErr.TraceID)

	assert.Zero(t, caller.PendingRequests())
	assert.Equal(t, uint64(1), caller.GetMetrics().Timeouts)
}

func TestBroker_SendContextDeadlineIsTimeout(t *testing.T) {
	_, caller := pair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := caller.Send(ctx, xauth.TopicValidateToken, xauth.ValidateTokenRequest{Token: "t"})
	assert.ErrorIs(t, err, xauth.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, caller.PendingRequests())
}

func TestBroker_LateReplyDropped(t *testing.T) {
	server, caller := pair(t, memory.WithRequestTimeout(50*time.Millisecond))
	ctx := context.Background()

	_, err := server.Handle(ctx, xauth.TopicValidateToken, "issuer", func(ctx context.Context, req xauth.Envelope) (xauth.Payload, error) {
		time.Sleep(150 * time.Millisecond)
		return echoIdentity(ctx, req)
	})
	require.NoError(t, err)

	_, err = caller.Send(ctx, xauth.TopicValidateToken, xauth.ValidateTokenRequest{Token: "slow"})
	require.ErrorIs(t, err, xauth.ErrTimeout)
	assert.Zero(t, caller.PendingRequests())

	require.Eventually(t, func() bool { return caller.GetMetrics().LateReplies == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, caller.GetMetrics().Replies)
}

func TestBroker_UndecodableReplyFailsFast(t *testing.T) {
	tr := memory.NewTransport(memory.Config{BufferSize: 16, Concurrency: 1, AssignIDs: true})
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	caller, err := memory.NewSharedBroker(tr, memory.WithRequestTimeout(10*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = caller.Close(context.Background()) })
	ctx := context.Background()
	require.Equal(t, xauth.StateConnected, caller.Connect(ctx))

	// A responder that answers with bytes no codec can read.
	_, err = tr.Subscribe(ctx, xauth.TopicValidateToken, "issuer", func(d xauth.Delivery) {
		req := d.Message()
		_ = tr.Publish(ctx, req.Metadata[xauth.MetaReplyTo], &xauth.Message{
			Name:    req.Metadata[xauth.MetaReplyTo],
			Payload: []byte("{not json"),
			Metadata: map[string]string{
				xauth.MetaKind:    string(xauth.KindValidateTokenReply),
				xauth.MetaTraceID: req.Metadata[xauth.MetaTraceID],
			},
		})
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = caller.Send(ctx, xauth.TopicValidateToken, xauth.ValidateTokenRequest{Token: "t"})
	require.ErrorIs(t, err, xauth.ErrMalformedReply)
	assert.NotErrorIs(t, err, xauth.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	var reqErr *xauth.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.NotEmpty(t, reqErr.TraceID)
	assert.Zero(t, caller.PendingRequests())
	assert.Zero(t, caller.GetMetrics().Timeouts)
	assert.Zero(t, caller.GetMetrics().Replies)
}

func TestBroker_ConcurrentSendsCorrelate(t *testing.T) {
	server, caller := pair(t, memory.WithRequestTimeout(5*time.Second))
	ctx := context.Background()

	_, err := server.Handle(ctx, xauth.TopicValidateToken, "issuer", echoIdentity)
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	var mismatches atomic.Int64
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("user-%d", i)
			reply, err := caller.Send(ctx, xauth.TopicValidateToken, xauth.ValidateTokenRequest{Token: want})
			if err != nil {
				errs <- err
				return
			}
			if reply.Payload.(xauth.ValidateTokenReply).Payload.UserID != want {
				mismatches.Add(1)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("send failed: %v", err)
	}
	assert.Zero(t, mismatches.Load())
	assert.Zero(t, caller.PendingRequests())
	assert.Equal(t, uint64(n), caller.GetMetrics().Replies)
}

func TestBroker_ClosedWhileWaiting(t *testing.T) {
	_, caller := pair(t, memory.WithRequestTimeout(10*time.Second))

	errCh := make(chan error, 1)
	go func() {
		_, err := caller.Send(context.Background(), xauth.TopicValidateToken, xauth.ValidateTokenRequest{Token: "t"})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return caller.PendingRequests() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, caller.Close(context.Background()))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, xauth.ErrBrokerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after Close")
	}
}

func TestBroker_RequestWithoutReplyToIgnored(t *testing.T) {
	server, caller := pair(t)
	ctx := context.Background()

	var calls atomic.Int64
	_, err := server.Handle(ctx, xauth.TopicValidateToken, "issuer", func(ctx context.Context, req xauth.Envelope) (xauth.Payload, error) {
		calls.Add(1)
		return echoIdentity(ctx, req)
	})
	require.NoError(t, err)

	_, err = caller.Publish(ctx, xauth.TopicValidateToken, xauth.ValidateTokenRequest{Token: "t"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return server.GetMetrics().Acked == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestBroker_HandlerPanicRecovered(t *testing.T) {
	server, caller := pair(t)
	ctx := context.Background()

	var calls atomic.Int64
	_, err := server.Subscribe(ctx, xauth.TopicUserLogin, "audit", func(context.Context, xauth.Envelope) error {
		if calls.Add(1) == 1 {
			panic("first delivery")
		}
		return nil
	})
	require.NoError(t, err)

	caller.Emit(ctx, xauth.TopicUserLogin, xauth.UserLogin{UserID: "u1"})

	// The panic nacks, the memory transport redelivers, the second attempt acks.
	require.Eventually(t, func() bool { return server.GetMetrics().Acked == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), server.GetMetrics().Nacked)
}

func TestBroker_CBORCodec(t *testing.T) {
	tr := memory.NewTransport(memory.DefaultConfig())
	defer tr.Close(context.Background())

	server, err := memory.NewSharedBroker(tr, memory.WithCodec("cbor"))
	require.NoError(t, err)
	defer server.Close(context.Background())
	caller, err := memory.NewSharedBroker(tr, memory.WithCodec("cbor"), memory.WithRequestTimeout(2*time.Second))
	require.NoError(t, err)
	defer caller.Close(context.Background())

	ctx := context.Background()
	server.Connect(ctx)
	caller.Connect(ctx)
	_, err = server.Handle(ctx, xauth.TopicValidateToken, "issuer", echoIdentity)
	require.NoError(t, err)

	reply, err := caller.Send(ctx, xauth.TopicValidateToken, xauth.ValidateTokenRequest{Token: "cbor-user"})
	require.NoError(t, err)
	assert.Equal(t, "cbor-user", reply.Payload.(xauth.ValidateTokenReply).Payload.UserID)
}
