package xauth

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// JSONCodec is the default JSON implementation.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// CBORCodec is a compact binary codec. Struct json tags are honored.
type CBORCodec struct {
	enc cbor.EncMode
}

// NewCBORCodec returns a CBOR codec that keeps timestamps at nanosecond precision.
func NewCBORCodec() (*CBORCodec, error) {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, err
	}
	return &CBORCodec{enc: em}, nil
}

func (c *CBORCodec) Marshal(v any) ([]byte, error)   { return c.enc.Marshal(v) }
func (c *CBORCodec) Unmarshal(b []byte, v any) error { return cbor.Unmarshal(b, v) }
func (c *CBORCodec) Name() string                    { return "cbor" }

// CodecFactory builds a codec for BrokerBuilder.WithCodec.
type CodecFactory func() (Codec, error)

var codecs = newRegistry("codec", map[string]CodecFactory{
	"json": func() (Codec, error) { return JSONCodec{}, nil },
	"cbor": func() (Codec, error) { return NewCBORCodec() },
})

// RegisterCodec makes a codec available by name.
func RegisterCodec(name string, factory CodecFactory) error {
	return codecs.register(name, factory, factory == nil)
}

// NewCodec builds the codec registered as name.
func NewCodec(name string) (Codec, error) {
	f, ok := codecs.lookup(name)
	if !ok {
		return nil, fmt.Errorf("codec %q not registered", name)
	}
	return f()
}

// Codecs lists registered codec names in order.
func Codecs() []string { return codecs.names() }
