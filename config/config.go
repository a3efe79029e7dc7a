// Package config loads the process configuration of the xauth binaries from
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/xauth"
	"github.com/trickstertwo/xauth/adapter/memory"
	"github.com/trickstertwo/xauth/adapter/redisstream"
	"github.com/trickstertwo/xauth/keys"
)

// MaxRetryAttempts bounds RETRY_MAX.
const MaxRetryAttempts = 10

// Config is shared by authd and edged. Fields a binary does not use are ignored.
type Config struct {
	Service  string `env:"XAUTH_SERVICE" envDefault:"auth-service"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	Debug    bool   `env:"LOG_DEBUG"`
	Console  bool   `env:"LOG_CONSOLE"`

	Auth   AuthConfig
	Broker BrokerConfig
	Retry  RetryConfig
	JWKS   JWKSConfig
}

// AuthConfig controls key material and issued tokens.
type AuthConfig struct {
	KeyFile    string        `env:"AUTH_KEY_FILE"`
	KeyBits    int           `env:"AUTH_KEY_BITS" envDefault:"2048"`
	Issuer     string        `env:"AUTH_ISSUER"`
	Audience   string        `env:"AUTH_AUDIENCE"`
	AccessTTL  time.Duration `env:"AUTH_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL time.Duration `env:"AUTH_REFRESH_TTL" envDefault:"168h"`
	Leeway     time.Duration `env:"AUTH_LEEWAY"`
}

// BrokerConfig selects and configures the broker transport.
type BrokerConfig struct {
	Transport      string        `env:"BROKER_TRANSPORT" envDefault:"memory"`
	Addr           string        `env:"BROKER_ADDR" envDefault:"127.0.0.1:6379"`
	Username       string        `env:"BROKER_USERNAME"`
	Password       string        `env:"BROKER_PASSWORD"`
	DB             int           `env:"BROKER_DB"`
	TLS            bool          `env:"BROKER_TLS"`
	Group          string        `env:"BROKER_GROUP"`
	Codec          string        `env:"BROKER_CODEC" envDefault:"json"`
	Concurrency    int           `env:"BROKER_CONCURRENCY" envDefault:"4"`
	RequestTimeout time.Duration `env:"BROKER_REQUEST_TIMEOUT" envDefault:"30s"`
	HandlerTimeout time.Duration `env:"BROKER_HANDLER_TIMEOUT" envDefault:"10s"`
}

// RetryConfig is the dispatcher policy.
type RetryConfig struct {
	MaxRetries int           `env:"RETRY_MAX" envDefault:"3"`
	Base       time.Duration `env:"RETRY_BASE" envDefault:"100ms"`
}

// JWKSConfig points a verifier at the issuer's key set.
type JWKSConfig struct {
	URL          string        `env:"JWKS_URL"`
	TTL          time.Duration `env:"JWKS_TTL" envDefault:"5m"`
	FetchTimeout time.Duration `env:"JWKS_FETCH_TIMEOUT" envDefault:"5s"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Service) == "" {
		errs = append(errs, errors.New("XAUTH_SERVICE must not be empty"))
	}
	if c.Auth.KeyBits < keys.MinKeyBits {
		errs = append(errs, fmt.Errorf("AUTH_KEY_BITS must be at least %d", keys.MinKeyBits))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("AUTH_ACCESS_TTL and AUTH_REFRESH_TTL must be positive"))
	}
	switch c.Broker.Transport {
	case memory.TransportName:
	case redisstream.TransportName:
		if c.Broker.Addr == "" {
			errs = append(errs, errors.New("BROKER_ADDR is required for "+redisstream.TransportName))
		}
	default:
		errs = append(errs, fmt.Errorf("BROKER_TRANSPORT %q is not one of %s, %s", c.Broker.Transport, memory.TransportName, redisstream.TransportName))
	}
	if !slices.Contains(xauth.Codecs(), c.Broker.Codec) {
		errs = append(errs, fmt.Errorf("BROKER_CODEC %q is not registered", c.Broker.Codec))
	}
	if c.Broker.RequestTimeout <= 0 {
		errs = append(errs, errors.New("BROKER_REQUEST_TIMEOUT must be positive"))
	}
	if c.Retry.MaxRetries < 1 || c.Retry.MaxRetries > MaxRetryAttempts {
		errs = append(errs, fmt.Errorf("RETRY_MAX must be between 1 and %d", MaxRetryAttempts))
	}
	if c.Retry.Base < 0 {
		errs = append(errs, errors.New("RETRY_BASE must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ConsumerGroup is the broker group, defaulting to the service name.
func (c Config) ConsumerGroup() string {
	if c.Broker.Group != "" {
		return c.Broker.Group
	}
	return c.Service
}

// TransportConfig returns the registered transport name and its config blob.
func (c Config) TransportConfig() (string, map[string]any) {
	switch c.Broker.Transport {
	case redisstream.TransportName:
		rc := redisstream.Defaults()
		rc.Addr = c.Broker.Addr
		rc.Username = c.Broker.Username
		rc.Password = c.Broker.Password
		rc.DB = c.Broker.DB
		rc.TLS = c.Broker.TLS
		rc.Group = c.ConsumerGroup()
		if c.Broker.Concurrency > 0 {
			rc.Concurrency = c.Broker.Concurrency
		}
		return redisstream.TransportName, rc.ToMap()
	default:
		mc := memory.DefaultConfig()
		if c.Broker.Concurrency > 0 {
			mc.Concurrency = c.Broker.Concurrency
		}
		return memory.TransportName, mc.ToMap()
	}
}

// RetryPolicy returns the dispatcher policy.
func (c Config) RetryPolicy() xauth.RetryPolicy {
	return xauth.RetryPolicy{MaxRetries: c.Retry.MaxRetries, Base: c.Retry.Base}
}

// KeyOptions returns the keys options shared by issuer and verifier.
func (c Config) KeyOptions(logger *xlog.Logger) []keys.Option {
	opts := []keys.Option{
		keys.WithKeyBits(c.Auth.KeyBits),
		keys.WithLogger(logger),
		keys.WithTokenTTL(c.Auth.AccessTTL, c.Auth.RefreshTTL),
		keys.WithLeeway(c.Auth.Leeway),
		keys.WithCacheTTL(c.JWKS.TTL),
		keys.WithFetchTimeout(c.JWKS.FetchTimeout),
	}
	if c.Auth.Issuer != "" {
		opts = append(opts, keys.WithIssuer(c.Auth.Issuer))
	}
	if c.Auth.Audience != "" {
		opts = append(opts, keys.WithAudience(c.Auth.Audience))
	}
	return opts
}

// NewLogger builds the process logger on the zerolog adapter.
func NewLogger(c Config) *xlog.Logger {
	level := xlog.LevelInfo
	if c.Debug {
		level = xlog.LevelDebug
	}
	return zerolog.Use(zerolog.Config{
		MinLevel:          level,
		Console:           c.Console,
		ConsoleTimeFormat: time.RFC3339Nano,
		Caller:            c.Debug,
		CallerSkip:        5,
		Writer:            os.Stderr,
	}).With(xlog.Str("service", c.Service))
}

// NewBroker builds an unconnected broker on the configured transport.
func NewBroker(c Config, logger *xlog.Logger, obs ...xauth.Observer) (*xauth.Broker, error) {
	name, m := c.TransportConfig()
	return xauth.NewBrokerBuilder().
		WithLogger(logger).
		WithTransport(name, m).
		WithCodec(c.Broker.Codec).
		WithRequestTimeout(c.Broker.RequestTimeout).
		WithSource(c.Service).
		WithMiddleware(xauth.TimeoutMiddleware(c.Broker.HandlerTimeout)).
		WithObserver(obs...).
		Build()
}

// NewDispatcher builds a dispatcher publishing dead letters through b.
func NewDispatcher(c Config, b *xauth.Broker, logger *xlog.Logger) *xauth.Dispatcher {
	return xauth.NewDispatcher(b,
		xauth.WithRetryPolicy(c.RetryPolicy()),
		xauth.WithDispatcherLogger(logger),
	)
}
