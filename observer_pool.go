package xauth

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ObserverPool delivers broker lifecycle events (state changes, request and
// reply correlation, consume results) to observers on its own goroutines, so
// Send, Emit and consumers never wait on an observer.
//
// Delivery is best effort. A full buffer drops the event and counts it; a
// panicking observer is recovered and counted without affecting the others.
// Events are not ordered across workers.
type ObserverPool struct {
	eventCh   chan *Event
	workers   int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
	panics    atomic.Uint64
}

// NewObserverPool starts workers dispatch goroutines over a buffer holding
// bufferSize events. Non-positive values fall back to 4 workers and 1000
// events. The pool stops when ctx is done or Close is called.
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		eventCh: make(chan *Event, bufferSize),
		workers: workers,
		ctx:     poolCtx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		op.wg.Add(1)
		go op.worker()
	}

	return op
}

// Notify queues e for observers and returns at once. The caller hands over
// observers and must not modify it afterwards; Broker passes a snapshot.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 || op.closed.Load() {
		return
	}

	e.observers = observers

	select {
	case op.eventCh <- &e:
	default:
		op.dropped.Add(1)
	}
}

// worker dispatches until the pool stops, then flushes what is still queued.
func (op *ObserverPool) worker() {
	defer op.wg.Done()
	for {
		select {
		case <-op.ctx.Done():
			op.drain()
			return
		case e := <-op.eventCh:
			op.dispatch(e)
		}
	}
}

// drain empties the buffer without blocking.
func (op *ObserverPool) drain() {
	for {
		select {
		case e := <-op.eventCh:
			op.dispatch(e)
		default:
			return
		}
	}
}

// dispatch hands one event to each of its observers in order.
func (op *ObserverPool) dispatch(e *Event) {
	if e == nil {
		return
	}
	for _, obs := range e.observers {
		if obs == nil {
			continue
		}
		op.deliver(obs, *e)
	}
	op.processed.Add(1)
}

// deliver calls obs, recovering and counting a panic.
func (op *ObserverPool) deliver(obs Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			op.panics.Add(1)
		}
	}()
	obs.OnEvent(e)
}

// Close stops accepting events and waits up to timeout for the workers to
// flush the buffer. It returns ErrObserverPoolShutdownTimeout when they do
// not finish in time; the workers keep draining in the background.
// Calling Close again is a no-op.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}

	op.cancel()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats is a point-in-time snapshot of the pool counters.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		Panics:       op.panics.Load(),
		ActiveEvents: len(op.eventCh),
		Workers:      op.workers,
		BufferSize:   cap(op.eventCh),
	}
}
