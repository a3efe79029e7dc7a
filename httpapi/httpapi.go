// Package httpapi is the gin surface of the auth services: the issuer's JWKS
// endpoint, broker health and a bearer-token middleware backed by a gateway.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xauth"
	"github.com/trickstertwo/xauth/gateway"
	"github.com/trickstertwo/xauth/keys"
)

const (
	JWKSPath   = "/.well-known/jwks.json"
	HealthPath = "/healthz"

	// JWKSCacheControl lets verifiers cache the key set for five minutes.
	JWKSCacheControl = "public, max-age=300"

	identityKey = "xauth.identity"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// KeySource publishes the public half of the signing keys.
type KeySource interface {
	PublicKeySet() keys.JWKS
}

// Authenticator validates an Authorization header value.
type Authenticator interface {
	Authenticate(ctx context.Context, header string) gateway.Result
}

// NewEngine returns a gin engine with panic recovery and request logging.
func NewEngine(logger *xlog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger, xclock.Default()))
	return r
}

// RequestLogger logs one line per request through logger, timing it with clock.
func RequestLogger(logger *xlog.Logger, clock xclock.Clock) gin.HandlerFunc {
	if logger == nil {
		logger = xlog.Default()
	}
	if clock == nil {
		clock = xclock.Default()
	}
	return func(c *gin.Context) {
		start := clock.Now()
		c.Next()

		status := c.Writer.Status()
		l := logger.With(
			xlog.Str("method", c.Request.Method),
			xlog.Str("path", c.FullPath()),
			xlog.Str("status", strconv.Itoa(status)),
			xlog.Dur("latency", clock.Since(start)),
			xlog.Str("client_ip", c.ClientIP()),
		)
		if status >= http.StatusInternalServerError {
			l.Warn().Msg("http: request")
			return
		}
		l.Info().Msg("http: request")
	}
}

// JWKS serves src's key set.
func JWKS(src KeySource) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", JWKSCacheControl)
		c.JSON(http.StatusOK, src.PublicKeySet())
	}
}

// Health serves the broker health. Unhealthy maps to 503.
func Health(hc xauth.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		hs := hc.Health(c.Request.Context())
		code := http.StatusOK
		if hs.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		m := hs.Metrics
		c.JSON(code, gin.H{
			"status":    hs.Status,
			"state":     hs.State.String(),
			"message":   hs.Message,
			"timestamp": hs.Timestamp,
			"metrics": gin.H{
				"published":   m.Published,
				"consumed":    m.Consumed,
				"errors":      m.Errors,
				"requests":    m.Requests,
				"replies":     m.Replies,
				"timeouts":    m.Timeouts,
				"lateReplies": m.LateReplies,
			},
		})
	}
}

// Authenticate rejects requests whose bearer token does not validate with a
// 401. On success the identity is available through IdentityFrom.
func Authenticate(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := a.Authenticate(c.Request.Context(), c.GetHeader("Authorization"))
		if !res.OK() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "unauthorized",
				Message: unauthorizedMessage(res.Reason()),
			})
			return
		}
		c.Set(identityKey, res.Identity())
		c.Next()
	}
}

func unauthorizedMessage(reason error) string {
	switch {
	case errors.Is(reason, gateway.ErrMissingToken):
		return "No token provided"
	case errors.Is(reason, gateway.ErrValidationFailed):
		return "Token validation failed"
	default:
		return "Invalid or expired token"
	}
}

// IdentityFrom returns the identity stored by Authenticate.
func IdentityFrom(c *gin.Context) (gateway.Identity, bool) {
	raw, ok := c.Get(identityKey)
	if !ok {
		return gateway.Identity{}, false
	}
	id, ok := raw.(gateway.Identity)
	return id, ok
}

// Whoami echoes the authenticated identity.
func Whoami(c *gin.Context) {
	id, ok := IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: "no identity"})
		return
	}
	c.JSON(http.StatusOK, id)
}

// Mount registers the issuer routes on r.
func Mount(r gin.IRoutes, src KeySource, hc xauth.HealthChecker) {
	if src != nil {
		r.GET(JWKSPath, JWKS(src))
	}
	if hc != nil {
		r.GET(HealthPath, Health(hc))
	}
}
