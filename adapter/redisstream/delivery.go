package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xauth"
)

// Stream entry field names.
const (
	fieldID         = "id"
	fieldName       = "name"
	fieldPayload    = "payload"    // raw bytes
	fieldProducedAt = "producedAt" // int64 ns
	fieldMetaPrefix = "meta:"
)

// delivery implements xauth.Delivery for one stream entry.
type delivery struct {
	t     *Transport
	topic string
	group string
	id    string
	msg   *xauth.Message

	once sync.Once
}

func (d *delivery) Message() *xauth.Message { return d.msg }

// Ack acknowledges the entry with XACK.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() { err = d.ack(ctx) })
	return err
}

func (d *delivery) ack(ctx context.Context) error {
	if err := d.t.client.XAck(ctx, d.topic, d.group, d.id).Err(); err != nil {
		return err
	}
	d.t.metrics.acked.Add(1)
	if d.t.cfg.AutoDeleteOnAck {
		_ = d.t.client.XDel(ctx, d.topic, d.id).Err()
	}
	return nil
}

// Nack has no native Redis equivalent. With a DeadLetter stream configured the
// entry is copied there and acknowledged; otherwise it stays pending for the
// claim loop to recover.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.once.Do(func() {
		d.t.metrics.nacked.Add(1)
		dl := d.t.cfg.DeadLetter
		if dl == "" {
			return
		}

		values := make(map[string]any, 5+len(d.msg.Metadata))
		values["orig_topic"] = d.topic
		values["orig_id"] = d.id
		values["error"] = fmt.Sprintf("%v", reason)
		values[fieldName] = d.msg.Name
		values[fieldPayload] = d.msg.Payload
		for k, v := range d.msg.Metadata {
			values[fieldMetaPrefix+k] = v
		}
		if err = d.t.client.XAdd(ctx, &redis.XAddArgs{Stream: dl, ID: "*", Values: values}).Err(); err != nil {
			return
		}
		d.t.metrics.deadLettered.Add(1)
		err = d.ack(ctx)
	})
	return err
}

// decodeMessage rebuilds an xauth.Message from stream entry values.
func decodeMessage(id string, vals map[string]any) *xauth.Message {
	msg := &xauth.Message{
		ID:       id,
		Metadata: make(map[string]string, 4),
	}

	if v, ok := vals[fieldName]; ok {
		msg.Name = asString(v)
	}
	switch p := vals[fieldPayload].(type) {
	case []byte:
		msg.Payload = p
	case string:
		msg.Payload = []byte(p)
	}
	if ns, ok := toInt64(vals[fieldProducedAt]); ok && ns > 0 {
		msg.ProducedAt = time.Unix(0, ns)
	}
	for k, v := range vals {
		if name, ok := strings.CutPrefix(k, fieldMetaPrefix); ok {
			msg.Metadata[name] = asString(v)
		}
	}
	return msg
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
