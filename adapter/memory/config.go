package memory

import (
	"time"
)

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-group queue size (default: 1024).
	BufferSize int
	// Concurrency is the number of worker goroutines per subscription (default: 1).
	Concurrency int
	// RedeliveryDelay is the delay before re-enqueuing a message on Nack (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// AssignIDs assigns IDs to messages published without one (default: true).
	AssignIDs bool
}

// DefaultConfig returns the configuration used for an empty config map.
func DefaultConfig() Config {
	return Config{BufferSize: 1024, Concurrency: 1, AssignIDs: true}
}

// ConfigFromMap reads the generic transport config blob.
func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}
	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		}
		return d
	}

	def := DefaultConfig()
	return Config{
		BufferSize:      max(1, getInt("buffer_size", def.BufferSize)),
		Concurrency:     max(1, getInt("concurrency", def.Concurrency)),
		RedeliveryDelay: getDur("redelivery_delay", def.RedeliveryDelay),
		AssignIDs:       getBool("assign_ids", def.AssignIDs),
	}
}

// ToMap converts Config to the generic map expected by the transport factory.
func (c Config) ToMap() map[string]any {
	return map[string]any{
		"buffer_size":      c.BufferSize,
		"concurrency":      c.Concurrency,
		"redelivery_delay": c.RedeliveryDelay,
		"assign_ids":       c.AssignIDs,
	}
}
