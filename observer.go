package xauth

import (
	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits broker events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("topic", e.Topic),
		xlog.Str("group", e.Group),
		xlog.Str("message_id", e.MessageID),
		xlog.Str("kind", string(e.Kind)),
		xlog.Str("trace_id", e.TraceID),
	)
	switch e.Type {
	case Error, Nack, RequestTimeout, ReplyDropped:
		ev.Warn().Err(e.Err).Msg("xauth event")
	case StateChanged:
		ev.With(xlog.Str("state", e.State.String())).Info().Err(e.Err).Msg("xauth broker state changed")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("xauth event")
	}
}
