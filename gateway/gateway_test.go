package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xauth"
	"github.com/trickstertwo/xauth/adapter/memory"
	"github.com/trickstertwo/xauth/keys"
)

var (
	keyOnce sync.Once
	rsaKey  *rsa.PrivateKey
)

func issuerStore(t *testing.T, kid string) *keys.KeyStore {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaKey = k
	})
	ks, err := keys.NewKeyStoreFromKey(rsaKey, kid)
	require.NoError(t, err)
	return ks
}

var bob = keys.Subject{ID: "u-7", Email: "bob@example.com", FirstName: "Bob"}

// stubRequester answers Send from a function.
type stubRequester struct {
	calls atomic.Int64
	fn    func(p xauth.Payload) (xauth.Envelope, error)
}

func (s *stubRequester) Send(_ context.Context, topic string, p xauth.Payload) (xauth.Envelope, error) {
	s.calls.Add(1)
	return s.fn(p)
}

func replyEnv(p xauth.Payload) xauth.Envelope {
	return xauth.Envelope{Pattern: "reply", Payload: p}
}

func TestExtractBearer(t *testing.T) {
	tok, err := ExtractBearer("Bearer abc.def.ghi")
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", tok)

	for _, h := range []string{"", "Bearer", "Bearer ", "bearer abc", "Basic abc", "Bearer a b", "Bearer  abc", "abc"} {
		_, err := ExtractBearer(h)
		assert.ErrorIs(t, err, ErrMissingToken, "header %q", h)
	}
}

func TestResult(t *testing.T) {
	ok := Valid(Identity{SubjectID: "u"})
	assert.True(t, ok.OK())
	assert.NoError(t, ok.Reason())
	assert.Equal(t, "u", ok.Identity().SubjectID)

	bad := Invalid(nil)
	assert.False(t, bad.OK())
	assert.ErrorIs(t, bad.Reason(), ErrValidationFailed)
	assert.Equal(t, Identity{}, bad.Identity())
}

func TestIdentityFromClaims_DefaultRole(t *testing.T) {
	id := IdentityFromClaims(&keys.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "s"}, Email: "e"})
	assert.Equal(t, Identity{SubjectID: "s", Email: "e", Role: DefaultRole}, id)
}

func TestNew_RequiresStrategy(t *testing.T) {
	_, err := New()
	assert.ErrorIs(t, err, ErrNoStrategy)
}

func TestGateway_LocalStrategy(t *testing.T) {
	ks := issuerStore(t, "local")
	gw, err := New(WithStrategy(NewLocalStrategy("local", ks)))
	require.NoError(t, err)

	token, err := ks.IssueAccessToken(bob)
	require.NoError(t, err)

	res := gw.Authenticate(context.Background(), "Bearer "+token)
	require.True(t, res.OK(), "reason: %v", res.Reason())
	assert.Equal(t, Identity{SubjectID: "u-7", Email: "bob@example.com", FirstName: "Bob", Role: DefaultRole}, res.Identity())

	res = gw.Authenticate(context.Background(), "Token "+token)
	assert.ErrorIs(t, res.Reason(), ErrMissingToken)

	res = gw.Authenticate(context.Background(), "Bearer garbage")
	assert.ErrorIs(t, res.Reason(), keys.ErrMalformedToken)

	refresh, err := ks.IssueRefreshToken(bob)
	require.NoError(t, err)
	res = gw.Validate(context.Background(), refresh)
	assert.ErrorIs(t, res.Reason(), ErrNotAccessToken)
}

func TestGateway_NoAcceptingStrategy(t *testing.T) {
	ks := issuerStore(t, "issuer-kid")
	other := issuerStore(t, "other-kid")
	gw, err := New(WithStrategy(NewLocalStrategy("local", other)))
	require.NoError(t, err)

	token, err := ks.IssueAccessToken(bob)
	require.NoError(t, err)
	res := gw.Validate(context.Background(), token)
	assert.ErrorIs(t, res.Reason(), keys.ErrUnknownKey)
}

func TestGateway_LocalExpiredToken(t *testing.T) {
	ks := issuerStore(t, "local")
	gw, err := New(WithStrategy(NewLocalStrategy("local", ks)))
	require.NoError(t, err)

	token, err := ks.SignToken(keys.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	require.NoError(t, err)
	res := gw.Validate(context.Background(), token)
	assert.ErrorIs(t, res.Reason(), keys.ErrExpired)
}

func TestRemoteStrategy_ReplyMapping(t *testing.T) {
	ctx := context.Background()

	valid := NewRemoteStrategy(&stubRequester{fn: func(xauth.Payload) (xauth.Envelope, error) {
		return replyEnv(xauth.ValidateTokenReply{Valid: true, Payload: &xauth.ReplyIdentity{UserID: "u1", Email: "e"}}), nil
	}})
	res := valid.Validate(ctx, "tok")
	require.True(t, res.OK())
	assert.Equal(t, DefaultRole, res.Identity().Role)
	assert.Equal(t, "u1", res.Identity().SubjectID)

	rejected := NewRemoteStrategy(&stubRequester{fn: func(xauth.Payload) (xauth.Envelope, error) {
		return replyEnv(xauth.ValidateTokenReply{Error: ReplyInvalidToken}), nil
	}})
	res = rejected.Validate(ctx, "tok")
	var rej *RejectedError
	require.ErrorAs(t, res.Reason(), &rej)
	assert.Equal(t, ReplyInvalidToken, rej.Reason)
	assert.ErrorIs(t, res.Reason(), ErrRejected)

	wrongType := NewRemoteStrategy(&stubRequester{fn: func(xauth.Payload) (xauth.Envelope, error) {
		return replyEnv(xauth.UserLogin{}), nil
	}})
	res = wrongType.Validate(ctx, "tok")
	assert.ErrorIs(t, res.Reason(), ErrValidationFailed)
	assert.NotErrorIs(t, res.Reason(), xauth.ErrMalformedReply)

	noPayload := NewRemoteStrategy(&stubRequester{fn: func(xauth.Payload) (xauth.Envelope, error) {
		return replyEnv(xauth.ValidateTokenReply{Valid: true}), nil
	}})
	res = noPayload.Validate(ctx, "tok")
	assert.ErrorIs(t, res.Reason(), ErrValidationFailed)
	assert.NotErrorIs(t, res.Reason(), xauth.ErrMalformedReply)

	down := NewRemoteStrategy(&stubRequester{fn: func(xauth.Payload) (xauth.Envelope, error) {
		return xauth.Envelope{}, &xauth.RequestError{Op: "send", Err: xauth.ErrNotConnected}
	}})
	res = down.Validate(ctx, "tok")
	assert.ErrorIs(t, res.Reason(), ErrValidationFailed)
	assert.NotErrorIs(t, res.Reason(), xauth.ErrNotConnected)
	assert.Equal(t, ErrValidationFailed.Error(), res.Reason().Error())
}

// deadLetters collects what the dispatcher publishes.
type deadLetters struct {
	mu  sync.Mutex
	got []xauth.DeadLetterEntry
}

func (d *deadLetters) Publish(_ context.Context, topic string, p xauth.Payload) (xauth.Envelope, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, p.(xauth.DeadLetterEntry))
	return xauth.Envelope{Pattern: topic, Payload: p}, nil
}

func TestRemoteStrategy_RetriesThroughDispatcher(t *testing.T) {
	dl := &deadLetters{}
	d := xauth.NewDispatcher(dl, xauth.WithSleeper(func(context.Context, time.Duration) error { return nil }))

	flaky := &stubRequester{}
	flaky.fn = func(xauth.Payload) (xauth.Envelope, error) {
		if flaky.calls.Load() < 3 {
			return xauth.Envelope{}, xauth.ErrTimeout
		}
		return replyEnv(xauth.ValidateTokenReply{Valid: true, Payload: &xauth.ReplyIdentity{UserID: "u1"}}), nil
	}
	res := NewRemoteStrategy(flaky, WithDispatcher(d)).Validate(context.Background(), "tok")
	require.True(t, res.OK())
	assert.Equal(t, int64(3), flaky.calls.Load())
	assert.Empty(t, dl.got)

	dead := &stubRequester{fn: func(xauth.Payload) (xauth.Envelope, error) { return xauth.Envelope{}, xauth.ErrTimeout }}
	res = NewRemoteStrategy(dead, WithDispatcher(d)).Validate(context.Background(), "tok")
	assert.ErrorIs(t, res.Reason(), ErrValidationFailed)
	assert.NotErrorIs(t, res.Reason(), xauth.ErrRetryExhausted)
	assert.Equal(t, int64(3), dead.calls.Load())
	require.Len(t, dl.got, 1)
	assert.Equal(t, xauth.TopicValidateToken, dl.got[0].OriginalTopic)
	assert.Equal(t, 3, dl.got[0].RetryCount)
}

func TestResponder_HandleValidateToken(t *testing.T) {
	ks := issuerStore(t, "issuer")
	r := NewResponder(ks, nil)
	ctx := context.Background()

	token, err := ks.IssueAccessToken(keys.Subject{ID: "u-9", Email: "x@y.z", Role: "admin"})
	require.NoError(t, err)

	p, err := r.HandleValidateToken(ctx, xauth.Envelope{Payload: xauth.ValidateTokenRequest{Token: token}})
	require.NoError(t, err)
	reply := p.(xauth.ValidateTokenReply)
	require.True(t, reply.Valid)
	assert.Equal(t, &xauth.ReplyIdentity{UserID: "u-9", Email: "x@y.z", Role: "admin"}, reply.Payload)

	p, _ = r.HandleValidateToken(ctx, xauth.Envelope{Payload: xauth.ValidateTokenRequest{}})
	assert.Equal(t, xauth.ValidateTokenReply{Error: ReplyNoToken}, p)

	p, _ = r.HandleValidateToken(ctx, xauth.Envelope{Payload: xauth.ValidateTokenRequest{Token: "nope"}})
	assert.Equal(t, xauth.ValidateTokenReply{Error: ReplyInvalidToken}, p)

	refresh, err := ks.IssueRefreshToken(bob)
	require.NoError(t, err)
	p, _ = r.HandleValidateToken(ctx, xauth.Envelope{Payload: xauth.ValidateTokenRequest{Token: refresh}})
	assert.Equal(t, xauth.ValidateTokenReply{Error: ReplyInvalidToken}, p)
}

func TestEndToEnd_LocalThenBroker(t *testing.T) {
	tr := memory.NewTransport(memory.Config{BufferSize: 64, Concurrency: 2, AssignIDs: true})
	defer tr.Close(context.Background())
	ctx := context.Background()

	issuerBroker, err := memory.NewSharedBroker(tr, memory.WithSource("auth-service"))
	require.NoError(t, err)
	defer issuerBroker.Close(ctx)
	edgeBroker, err := memory.NewSharedBroker(tr, memory.WithSource("edge"), memory.WithRequestTimeout(2*time.Second))
	require.NoError(t, err)
	defer edgeBroker.Close(ctx)
	require.Equal(t, xauth.StateConnected, issuerBroker.Connect(ctx))
	require.Equal(t, xauth.StateConnected, edgeBroker.Connect(ctx))

	issuer := issuerStore(t, "issuer-key")
	_, err = NewResponder(issuer, nil).Register(ctx, issuerBroker, "auth-service")
	require.NoError(t, err)

	// The edge signs its own service tokens and knows nothing of the issuer key.
	edgeKeys := issuerStore(t, "edge-key")
	gw, err := New(WithStrategy(
		NewLocalStrategy("local", edgeKeys),
		NewRemoteStrategy(edgeBroker, WithDispatcher(xauth.NewDispatcher(edgeBroker))),
	))
	require.NoError(t, err)

	local, err := edgeKeys.IssueAccessToken(keys.Subject{ID: "svc"})
	require.NoError(t, err)
	res := gw.Validate(ctx, local)
	require.True(t, res.OK())
	assert.Equal(t, "svc", res.Identity().SubjectID)
	assert.Zero(t, edgeBroker.GetMetrics().Requests)

	remote, err := issuer.IssueAccessToken(bob)
	require.NoError(t, err)
	res = gw.Authenticate(ctx, "Bearer "+remote)
	require.True(t, res.OK(), "reason: %v", res.Reason())
	assert.Equal(t, "u-7", res.Identity().SubjectID)
	assert.Equal(t, uint64(1), edgeBroker.GetMetrics().Requests)

	res = gw.Validate(ctx, remote[:len(remote)-4]+"AAAA")
	var rej *RejectedError
	require.ErrorAs(t, res.Reason(), &rej)
	assert.Equal(t, ReplyInvalidToken, rej.Reason)
}

func TestRemoteStrategy_BrokerDownIsValidationFailed(t *testing.T) {
	b, err := memory.NewBroker(memory.DefaultConfig())
	require.NoError(t, err)
	defer b.Close(context.Background())
	// Never connected.

	res := NewRemoteStrategy(b).Validate(context.Background(), "tok")
	assert.ErrorIs(t, res.Reason(), ErrValidationFailed)
	assert.False(t, errors.Is(res.Reason(), xauth.ErrNotConnected))
	assert.NotContains(t, res.Reason().Error(), "xauth:")
}
