package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xauth"
)

const TransportName = "memory"

var ErrClosed = errors.New("memory transport is closed")

func init() {
	if err := xauth.RegisterTransport(TransportName, func(cfg map[string]any) (xauth.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xauth/memory: failed to register transport: %w", err))
	}
}

// Transport implements xauth.Transport using in-process channels. Every
// consumer group of a topic receives each message once; workers of the same
// group compete for it. Messages published to a topic nobody subscribes to
// are dropped.
type Transport struct {
	cfg Config

	mu     sync.RWMutex
	topics map[string]*topic

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	metrics *transportMetrics
}

type transportMetrics struct {
	published   atomic.Uint64
	dropped     atomic.Uint64
	consumed    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
}

var _ xauth.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:     cfg,
		topics:  make(map[string]*topic),
		ctx:     ctx,
		cancel:  cancel,
		metrics: &transportMetrics{},
	}
}

// Publish fans messages out to every consumer group of the topic. It blocks
// while a group queue is full.
func (t *Transport) Publish(ctx context.Context, topicName string, msgs ...*xauth.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.mu.RLock()
	top, ok := t.topics[topicName]
	t.mu.RUnlock()
	if !ok {
		t.metrics.dropped.Add(uint64(len(msgs)))
		return nil
	}

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if t.cfg.AssignIDs && m.ID == "" {
			m.ID = nextID()
		}

		top.mu.RLock()
		for _, g := range top.groups {
			task := &deliveryTask{group: g, msg: m, tr: t}
			select {
			case g.queue <- task:
			case <-ctx.Done():
				top.mu.RUnlock()
				return ctx.Err()
			case <-t.ctx.Done():
				top.mu.RUnlock()
				return ErrClosed
			}
		}
		top.mu.RUnlock()

		t.metrics.published.Add(1)
	}

	return nil
}

// Subscribe starts Concurrency workers for the group. Closing the last
// subscription of a group removes the group.
func (t *Transport) Subscribe(ctx context.Context, topicName, groupName string, handler func(xauth.Delivery)) (xauth.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	top := t.ensureTopic(topicName)
	g := top.join(groupName, t.cfg.BufferSize)

	innerCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.ctx, cancel)
	wg := &sync.WaitGroup{}

	for i := 0; i < t.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.worker(innerCtx, g, handler)
		}()
	}

	var once sync.Once
	return &subscription{
		close: func() error {
			once.Do(func() {
				stop()
				cancel()
				wg.Wait()
				top.leave(g)
			})
			return nil
		},
	}, nil
}

func (t *Transport) worker(ctx context.Context, g *group, handler func(xauth.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-g.queue:
			t.metrics.consumed.Add(1)
			handler(&delivery{task: task})
		}
	}
}

// Close stops all workers and rejects further publishes.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.cancel()

	t.mu.Lock()
	t.topics = make(map[string]*topic)
	t.mu.Unlock()
	return nil
}

// Stats is transport telemetry.
type Stats struct {
	Published   uint64
	Dropped     uint64
	Consumed    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published:   t.metrics.published.Load(),
		Dropped:     t.metrics.dropped.Load(),
		Consumed:    t.metrics.consumed.Load(),
		Acked:       t.metrics.acked.Load(),
		Nacked:      t.metrics.nacked.Load(),
		Redelivered: t.metrics.redelivered.Load(),
	}
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error { return s.close() }

type topic struct {
	mu     sync.RWMutex
	groups map[string]*group
}

type group struct {
	name        string
	queue       chan *deliveryTask
	subscribers int
}

func (t *Transport) ensureTopic(name string) *topic {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tp, ok := t.topics[name]; ok {
		return tp
	}
	tp := &topic{groups: make(map[string]*group)}
	t.topics[name] = tp
	return tp
}

func (tp *topic) join(name string, bufferSize int) *group {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	g, ok := tp.groups[name]
	if !ok {
		g = &group{name: name, queue: make(chan *deliveryTask, bufferSize)}
		tp.groups[name] = g
	}
	g.subscribers++
	return g
}

func (tp *topic) leave(g *group) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	g.subscribers--
	if g.subscribers <= 0 && tp.groups[g.name] == g {
		delete(tp.groups, g.name)
	}
}

var idSeq atomic.Uint64

func nextID() string {
	return fmt.Sprintf("mem-%d", idSeq.Add(1))
}

// redeliver puts task back on its group queue, after the configured delay.
func (t *Transport) redeliver(task *deliveryTask) {
	t.metrics.redelivered.Add(1)
	requeue := func() {
		select {
		case task.group.queue <- task:
		case <-t.ctx.Done():
		}
	}
	if t.cfg.RedeliveryDelay <= 0 {
		go requeue()
		return
	}
	time.AfterFunc(t.cfg.RedeliveryDelay, requeue)
}
