package keys

import (
	"net/http"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

const (
	DefaultKeyBits    = 2048
	MinKeyBits        = 2048
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour

	DefaultJWKSTTL            = 5 * time.Minute
	DefaultFetchTimeout       = 5 * time.Second
	DefaultMinRefreshInterval = 10 * time.Second
)

type options struct {
	bits       int
	clock      xclock.Clock
	logger     *xlog.Logger
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	leeway     time.Duration

	// RemoteKeySet only.
	httpClient         *http.Client
	ttl                time.Duration
	fetchTimeout       time.Duration
	minRefreshInterval time.Duration
}

func defaultOptions() options {
	return options{
		bits:               DefaultKeyBits,
		clock:              xclock.Default(),
		logger:             xlog.Default(),
		accessTTL:          DefaultAccessTTL,
		refreshTTL:         DefaultRefreshTTL,
		httpClient:         http.DefaultClient,
		ttl:                DefaultJWKSTTL,
		fetchTimeout:       DefaultFetchTimeout,
		minRefreshInterval: DefaultMinRefreshInterval,
	}
}

// Option configures a KeyStore or a RemoteKeySet.
type Option func(*options)

// WithKeyBits sets the RSA modulus size used by GenerateKeyPair.
func WithKeyBits(bits int) Option {
	return func(o *options) { o.bits = bits }
}

func WithClock(c xclock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithLogger(l *xlog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithIssuer stamps iss on issued tokens and requires it on verification.
func WithIssuer(iss string) Option {
	return func(o *options) { o.issuer = iss }
}

// WithAudience stamps aud on issued tokens and requires it on verification.
func WithAudience(aud string) Option {
	return func(o *options) { o.audience = aud }
}

// WithTokenTTL sets the access and refresh token lifetimes. Zero keeps the default.
func WithTokenTTL(access, refresh time.Duration) Option {
	return func(o *options) {
		if access > 0 {
			o.accessTTL = access
		}
		if refresh > 0 {
			o.refreshTTL = refresh
		}
	}
}

// WithLeeway tolerates clock skew when checking exp and nbf.
func WithLeeway(d time.Duration) Option {
	return func(o *options) { o.leeway = d }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithCacheTTL sets how long a fetched JWKS is considered fresh.
func WithCacheTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.fetchTimeout = d
		}
	}
}

// WithMinRefreshInterval bounds how often an unknown kid may trigger a fetch.
func WithMinRefreshInterval(d time.Duration) Option {
	return func(o *options) { o.minRefreshInterval = d }
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
