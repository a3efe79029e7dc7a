package xauth

import (
	"time"
)

// State is the broker connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// EventType enumerates internal lifecycle events for Observer pattern.
type EventType string

const (
	PublishStart   EventType = "publish_start"
	PublishDone    EventType = "publish_done"
	ConsumeStart   EventType = "consume_start"
	ConsumeDone    EventType = "consume_done"
	Ack            EventType = "ack"
	Nack           EventType = "nack"
	Error          EventType = "error"
	RequestSent    EventType = "request_sent"
	ReplyReceived  EventType = "reply_received"
	ReplyDropped   EventType = "reply_dropped"
	RequestTimeout EventType = "request_timeout"
	StateChanged   EventType = "state_changed"
)

// Event carries telemetry for observers.
type Event struct {
	Type      EventType
	Topic     string
	Group     string
	MessageID string
	Kind      Kind
	TraceID   string
	State     State
	Duration  time.Duration
	Err       error

	// Internal: attached for async dispatch
	observers []Observer
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	Panics       uint64 // Observer panics recovered during dispatch
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics defines observable telemetry for the broker.
type Metrics struct {
	Published           uint64
	Consumed            uint64
	Acked               uint64
	Nacked              uint64
	Errors              uint64
	Requests            uint64
	Replies             uint64
	Timeouts            uint64
	LateReplies         uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// HealthStatus indicates broker health for probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	State     State
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
