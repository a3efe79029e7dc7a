package xauth

import (
	"fmt"
	"time"
)

// Metadata keys carrying the envelope header on a transport message.
const (
	MetaKind    = "kind"
	MetaSource  = "source"
	MetaTraceID = "trace_id"
	MetaReplyTo = "reply_to"
)

// Message is the unit traveling a transport. The Payload is encoded via Codec.
type Message struct {
	// ID is a unique message identifier (transport may assign if empty).
	ID string
	// Name is the topic the message was published under.
	Name string
	// Payload is the encoded bytes of the envelope payload.
	Payload []byte
	// Metadata holds the envelope header.
	Metadata map[string]string
	// ProducedAt is the production timestamp (from injected clock).
	ProducedAt time.Time
}

// Envelope is the unit published or consumed on the broker.
type Envelope struct {
	Pattern   string
	Payload   Payload
	Timestamp time.Time
	Source    string
	// TraceID is unique per outgoing request and copied onto its reply.
	TraceID string
	// ReplyTo is set on requests only.
	ReplyTo string
}

// IsRequest reports whether the envelope expects a reply.
func (e Envelope) IsRequest() bool { return e.ReplyTo != "" }

func encodeEnvelope(c Codec, env Envelope) (*Message, error) {
	if env.Payload == nil {
		return nil, ErrInvalidPayload
	}
	data, err := c.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("xauth: encode %s: %w", env.Payload.Kind(), err)
	}
	meta := map[string]string{
		MetaKind:    string(env.Payload.Kind()),
		MetaSource:  env.Source,
		MetaTraceID: env.TraceID,
	}
	if env.ReplyTo != "" {
		meta[MetaReplyTo] = env.ReplyTo
	}
	return &Message{
		Name:       env.Pattern,
		Payload:    data,
		Metadata:   meta,
		ProducedAt: env.Timestamp,
	}, nil
}

func decodeEnvelope(c Codec, msg *Message) (Envelope, error) {
	if msg == nil {
		return Envelope{}, ErrMalformedMessage
	}
	kind := Kind(msg.Metadata[MetaKind])
	p, err := DecodePayload(c, kind, msg.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return Envelope{
		Pattern:   msg.Name,
		Payload:   p,
		Timestamp: msg.ProducedAt,
		Source:    msg.Metadata[MetaSource],
		TraceID:   msg.Metadata[MetaTraceID],
		ReplyTo:   msg.Metadata[MetaReplyTo],
	}, nil
}
