package xauth

import (
	"context"
)

// Handler processes a single transport message. Return error to trigger Nack.
type Handler func(ctx context.Context, msg *Message) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// EventHandler consumes a decoded envelope from a subscription.
type EventHandler func(ctx context.Context, env Envelope) error

// RequestHandler answers a request envelope. The returned payload is published
// to the request's reply topic under the same trace id.
type RequestHandler func(ctx context.Context, req Envelope) (Payload, error)

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	Close() error
}

// Delivery encapsulates a received message with Ack/Nack semantics.
type Delivery interface {
	Message() *Message
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// Transport is the Strategy interface for broker backends.
type Transport interface {
	// Publish sends messages to a topic.
	Publish(ctx context.Context, topic string, msgs ...*Message) error
	// Subscribe binds a handler to a topic within a consumer group.
	// The transport drives delivery in background and honors ctx.
	Subscribe(ctx context.Context, topic, group string, handler func(Delivery)) (Subscription, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// Codec is the Strategy for encoding/decoding payloads on the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Observer receives broker lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for probes.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// Emitter publishes fire-and-forget events. Failures are logged, never returned.
type Emitter interface {
	Emit(ctx context.Context, topic string, p Payload)
}

// Publisher publishes an event and reports the outcome.
type Publisher interface {
	Publish(ctx context.Context, topic string, p Payload) (Envelope, error)
}

// Requester performs a request and waits for the correlated reply.
type Requester interface {
	Send(ctx context.Context, topic string, p Payload) (Envelope, error)
}

// Responder registers request handlers.
type Responder interface {
	Handle(ctx context.Context, topic, group string, h RequestHandler) (Subscription, error)
}

// API represents the complete broker client surface.
type API interface {
	Emitter
	Publisher
	Requester
	Responder
	Connect(ctx context.Context) State
	State() State
	Subscribe(ctx context.Context, topic, group string, h EventHandler, mws ...Middleware) (Subscription, error)
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}
