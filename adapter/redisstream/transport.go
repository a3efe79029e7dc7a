package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xauth"
)

var ErrClosed = errors.New("redis-streams transport is closed")

// Transport implements xauth.Transport over Redis Streams consumer groups.
type Transport struct {
	cfg    Config
	client *redis.Client

	closed atomic.Bool

	// delivery pool to reduce per-message allocations
	dpool sync.Pool

	metrics *transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	deadLettered  atomic.Uint64
	claimed       atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

var _ xauth.Transport = (*Transport)(nil)

// NewTransport connects to Redis and verifies the connection with PING.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Transport{
		cfg:     cfg,
		client:  client,
		metrics: &transportMetrics{},
		dpool: sync.Pool{
			New: func() any { return new(delivery) },
		},
	}, nil
}

// Publish appends messages to the topic stream with XADD, pipelined.
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*xauth.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	pipe := t.client.Pipeline()
	for _, m := range msgs {
		pipe.XAdd(ctx, t.xaddArgs(topic, m))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		t.metrics.publishErrors.Add(uint64(len(msgs)))
		return err
	}
	t.metrics.published.Add(uint64(len(msgs)))
	return nil
}

func (t *Transport) xaddArgs(topic string, m *xauth.Message) *redis.XAddArgs {
	vals := make(map[string]any, 4+len(m.Metadata))
	if m.ID != "" {
		vals[fieldID] = m.ID
	}
	vals[fieldName] = m.Name
	vals[fieldPayload] = m.Payload
	vals[fieldProducedAt] = m.ProducedAt.UnixNano()
	for k, v := range m.Metadata {
		vals[fieldMetaPrefix+k] = v
	}

	args := &redis.XAddArgs{
		Stream: topic,
		ID:     "*",
		Values: vals,
	}
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}
	return args
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error { return s.close() }

// Subscribe reads the topic stream as group with Concurrency workers. An empty
// group falls back to Config.Group.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(xauth.Delivery)) (xauth.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if group == "" {
		group = t.cfg.Group
	}
	if t.cfg.AutoCreate {
		err := t.client.XGroupCreateMkStream(ctx, topic, group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("redis-streams: create group %s/%s: %w", topic, group, err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	workers := max(1, t.cfg.Concurrency)
	workCh := make(chan *delivery, workers*2)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range workCh {
				handler(d)
				t.releaseDelivery(d)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer func() {
			close(workCh)
			wg.Done()
		}()
		t.pollerLoop(innerCtx, topic, group, workCh)
	}()

	var once sync.Once
	return &subscription{
		close: func() error {
			once.Do(func() {
				cancel()
				wg.Wait()
			})
			return nil
		},
	}, nil
}

// pollerLoop reads new entries for the group and hands them to workers. When
// claiming is configured it also recovers stale pending entries every
// ClaimInterval.
func (t *Transport) pollerLoop(ctx context.Context, topic, group string, workCh chan<- *delivery) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
	}

	const (
		minBackoff = 100 * time.Millisecond
		maxBackoff = 5 * time.Second
	)
	backoff := minBackoff
	claim := t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0
	nextClaim := time.Now()

	for ctx.Err() == nil {
		if claim && !time.Now().Before(nextClaim) {
			if !t.claimPending(ctx, topic, group, workCh) {
				return
			}
			nextClaim = time.Now().Add(t.cfg.ClaimInterval)
		}

		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				backoff = minBackoff
				continue
			}
			t.metrics.consumeErrors.Add(1)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		for _, stream := range res {
			if !t.dispatch(ctx, topic, group, stream.Messages, workCh) {
				return
			}
		}
	}
}

func (t *Transport) newDelivery(topic, group string, entry redis.XMessage) *delivery {
	d := t.dpool.Get().(*delivery)
	d.t = t
	d.topic = topic
	d.group = group
	d.id = entry.ID
	d.msg = decodeMessage(entry.ID, entry.Values)
	d.once = sync.Once{}
	return d
}

func (t *Transport) releaseDelivery(d *delivery) {
	d.t = nil
	d.msg = nil
	d.topic = ""
	d.group = ""
	d.id = ""
	t.dpool.Put(d)
}

// claimPending takes over entries that another consumer left pending for
// longer than ClaimMinIdle and queues them for redelivery.
func (t *Transport) claimPending(ctx context.Context, topic, group string, workCh chan<- *delivery) bool {
	entries, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: t.cfg.Consumer,
		MinIdle:  t.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    int64(max(1, t.cfg.ClaimBatch)),
	}).Result()
	if err != nil {
		return ctx.Err() == nil
	}
	t.metrics.claimed.Add(uint64(len(entries)))
	return t.dispatch(ctx, topic, group, entries, workCh)
}

func (t *Transport) dispatch(ctx context.Context, topic, group string, entries []redis.XMessage, workCh chan<- *delivery) bool {
	for _, entry := range entries {
		d := t.newDelivery(topic, group, entry)
		t.metrics.consumed.Add(1)
		select {
		case workCh <- d:
		case <-ctx.Done():
			t.releaseDelivery(d)
			return false
		}
	}
	return true
}

// Close releases the Redis client.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.client.Close()
}

// Stats is transport telemetry.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	DeadLettered  uint64
	Claimed       uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		DeadLettered:  t.metrics.deadLettered.Load(),
		Claimed:       t.metrics.claimed.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
	}
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if !strings.EqualFold(res, "PONG") {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
