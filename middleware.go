package xauth

import (
	"context"
	"fmt"
	"time"
)

// TimeoutMiddleware bounds how long one message may be handled. The handler
// runs with a context that expires after d; when it has not returned by then
// the middleware returns context.DeadlineExceeded, the delivery is nacked and
// the handler goroutine is left to observe its cancelled context.
//
// A panic inside the handler goroutine would escape any recovery outside it,
// so it is reported here as ErrHandlerPanic. A non-positive d disables the
// bound. Brokers built from config wrap every subscription with it.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
					}
				}()
				errCh <- next(tctx, msg)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		}
	}
}

// RecoveryMiddleware turns a handler panic into an ErrHandlerPanic error, so
// one bad message is nacked instead of taking the consumer down. Every broker
// subscription runs behind it.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// Chain wraps h with mws. The first middleware is the outermost, so it sees
// the message first and the result last. Nil entries are skipped.
func Chain(h Handler, mws ...Middleware) Handler {
	wrapped := h
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
