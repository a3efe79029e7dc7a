package xauth

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected                = errors.New("xauth: broker not connected")
	ErrTimeout                     = errors.New("xauth: request timed out")
	ErrMalformedReply              = errors.New("xauth: malformed reply")
	ErrMalformedMessage            = errors.New("xauth: malformed message")
	ErrRetryExhausted              = errors.New("xauth: retries exhausted")
	ErrBrokerClosed                = errors.New("xauth: broker is closed")
	ErrInvalidTopic                = errors.New("xauth: topic must not be empty")
	ErrInvalidPayload              = errors.New("xauth: payload must not be nil")
	ErrInvalidSubscription         = errors.New("xauth: topic, group and handler are required")
	ErrUnknownKind                 = errors.New("xauth: unknown payload kind")
	ErrNoTransportConfigured       = errors.New("xauth: no transport configured")
	ErrObserverPoolShutdownTimeout = errors.New("xauth: observer pool shutdown timeout")
	ErrHandlerPanic                = errors.New("xauth: handler panic")
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

// RequestError describes a failed broker operation.
type RequestError struct {
	Op      string
	Topic   string
	TraceID string
	Err     error
}

func (e *RequestError) Error() string {
	if e.TraceID == "" {
		return fmt.Sprintf("xauth: %s %s: %v", e.Op, e.Topic, e.Err)
	}
	return fmt.Sprintf("xauth: %s %s (trace %s): %v", e.Op, e.Topic, e.TraceID, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// RetryExhaustedError is returned once a unit of work has been dead-lettered.
// It matches both ErrRetryExhausted and the last attempt's error.
type RetryExhaustedError struct {
	Topic    string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("xauth: %s failed after %d attempts: %v", e.Topic, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() []error { return []error{ErrRetryExhausted, e.Err} }
