package xauth

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type ctxKey string

const (
	codecCtxKey  ctxKey = "xauth:codec"
	loggerCtxKey ctxKey = "xauth:logger"
	clockCtxKey  ctxKey = "xauth:clock"
)

// CodecFromContext retrieves the codec of the broker delivering the message.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	c, ok := ctx.Value(codecCtxKey).(Codec)
	return c, ok && c != nil
}

// LoggerFromContext retrieves the broker logger injected into handler contexts.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	l, ok := ctx.Value(loggerCtxKey).(*xlog.Logger)
	return l, ok && l != nil
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	c, ok := ctx.Value(clockCtxKey).(xclock.Clock)
	return c, ok && c != nil
}

// InjectAll attaches codec, logger and clock to ctx. Nil values are skipped.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock) context.Context {
	if codec != nil {
		ctx = context.WithValue(ctx, codecCtxKey, codec)
	}
	if logger != nil {
		ctx = context.WithValue(ctx, loggerCtxKey, logger)
	}
	if clock != nil {
		ctx = context.WithValue(ctx, clockCtxKey, clock)
	}
	return ctx
}
