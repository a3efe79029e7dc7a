package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for the Redis Streams transport.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Consumer group
	Group       string
	Consumer    string
	Concurrency int
	BatchSize   int
	Block       time.Duration
	AutoCreate  bool

	// Stream management
	AutoDeleteOnAck bool
	DeadLetter      string
	MaxLenApprox    int64

	// Pending entry recovery
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xauth"
	}

	return Config{
		Addr:          "127.0.0.1:6379",
		Group:         "xauth",
		Consumer:      fmt.Sprintf("xauth-%s-%d", hostname, os.Getpid()),
		Concurrency:   8,
		BatchSize:     128,
		Block:         5 * time.Second,
		AutoCreate:    true,
		ClaimBatch:    128,
		ClaimInterval: 15 * time.Second,
	}
}

// withDefaults fills zero-valued fields from Defaults and enables AutoCreate.
func (c Config) withDefaults() Config {
	d := Defaults()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.Group == "" {
		c.Group = d.Group
	}
	if c.Consumer == "" {
		c.Consumer = d.Consumer
	}
	if c.Concurrency < 1 {
		c.Concurrency = d.Concurrency
	}
	if c.BatchSize < 1 {
		c.BatchSize = d.BatchSize
	}
	if c.Block <= 0 {
		c.Block = d.Block
	}
	if c.ClaimBatch < 1 {
		c.ClaimBatch = d.ClaimBatch
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = d.ClaimInterval
	}
	c.AutoCreate = true
	return c
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Group == "" {
		return fmt.Errorf("config: group required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	return nil
}

// ToMap converts Config to the generic map for the transport factory.
func (c Config) ToMap() map[string]any {
	return map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"group":              c.Group,
		"consumer":           c.Consumer,
		"concurrency":        c.Concurrency,
		"batch_size":         c.BatchSize,
		"block":              c.Block,
		"auto_create":        c.AutoCreate,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"dead_letter":        c.DeadLetter,
		"max_len_approx":     c.MaxLenApprox,
		"claim_min_idle":     c.ClaimMinIdle,
		"claim_batch":        c.ClaimBatch,
		"claim_interval":     c.ClaimInterval,
	}
}

// ConfigFromMap converts the generic map to Config, starting from Defaults.
// Durations may be given as time.Duration or as strings like "5s".
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	str := func(k string, dst *string, allowEmpty bool) {
		if v, ok := m[k].(string); ok && (allowEmpty || v != "") {
			*dst = v
		}
	}
	integer := func(k string, dst *int) {
		switch v := m[k].(type) {
		case int:
			*dst = v
		case int64:
			*dst = int(v)
		case float64:
			*dst = int(v)
		}
	}
	boolean := func(k string, dst *bool) {
		if v, ok := m[k].(bool); ok {
			*dst = v
		}
	}
	dur := func(k string, dst *time.Duration) {
		switch v := m[k].(type) {
		case time.Duration:
			*dst = v
		case string:
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("addr", &c.Addr, false)
	str("username", &c.Username, true)
	str("password", &c.Password, true)
	integer("db", &c.DB)
	boolean("tls", &c.TLS)
	str("tls_server_name", &c.TLSServerName, true)
	str("group", &c.Group, false)
	str("consumer", &c.Consumer, false)
	integer("concurrency", &c.Concurrency)
	integer("batch_size", &c.BatchSize)
	dur("block", &c.Block)
	boolean("auto_create", &c.AutoCreate)
	boolean("auto_delete_on_ack", &c.AutoDeleteOnAck)
	str("dead_letter", &c.DeadLetter, true)
	switch v := m["max_len_approx"].(type) {
	case int64:
		c.MaxLenApprox = v
	case int:
		c.MaxLenApprox = int64(v)
	}
	dur("claim_min_idle", &c.ClaimMinIdle)
	integer("claim_batch", &c.ClaimBatch)
	dur("claim_interval", &c.ClaimInterval)

	return c
}
