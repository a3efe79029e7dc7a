// Command authd is the token issuer. It publishes its JWKS over HTTP and
// answers validate_token requests on the broker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xauth"
	"github.com/trickstertwo/xauth/config"
	"github.com/trickstertwo/xauth/gateway"
	"github.com/trickstertwo/xauth/httpapi"
	"github.com/trickstertwo/xauth/keys"
)

const reconnectInterval = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		xlog.Default().Error().Err(err).Msg("authd: invalid configuration")
		os.Exit(1)
	}
	logger := config.NewLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("authd: exited with error")
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *xlog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigC := make(chan os.Signal, 1)
		signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
		<-sigC
		cancel()
	}()

	ks, err := newKeyStore(cfg, logger)
	if err != nil {
		return err
	}

	broker, err := config.NewBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = broker.Close(context.Background()) }()

	// Degraded still serves JWKS; verifiers fall back to local validation
	// until the broker comes up and the consumers are registered.
	go func() {
		err := broker.KeepConnected(ctx, reconnectInterval, func(ctx context.Context) error {
			return subscribe(ctx, cfg, broker, ks, logger)
		})
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("authd: broker consumers not registered")
			cancel()
		}
	}()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := httpapi.NewEngine(logger)
	httpapi.Mount(r, ks, broker)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	errC := make(chan error, 1)
	go func() {
		logger.With(xlog.Str("addr", cfg.HTTPAddr), xlog.Str("kid", ks.KeyID())).Info().Msg("authd: listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errC <- err
		}
		close(errC)
	}()

	select {
	case <-ctx.Done():
	case err := <-errC:
		if err != nil {
			return err
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	logger.Info().Msg("authd: shutting down")
	return srv.Shutdown(shutdownCtx)
}

func newKeyStore(cfg config.Config, logger *xlog.Logger) (*keys.KeyStore, error) {
	opts := cfg.KeyOptions(logger)
	if cfg.Auth.KeyFile == "" {
		return keys.NewKeyStore(opts...)
	}
	priv, err := keys.LoadPrivateKeyPEM(cfg.Auth.KeyFile)
	if err != nil {
		return nil, err
	}
	return keys.NewKeyStoreFromKey(priv, "", opts...)
}

func subscribe(ctx context.Context, cfg config.Config, b *xauth.Broker, ks *keys.KeyStore, logger *xlog.Logger) error {
	group := cfg.ConsumerGroup()
	if _, err := gateway.NewResponder(ks, logger).Register(ctx, b, group); err != nil {
		return err
	}

	d := config.NewDispatcher(cfg, b, logger)
	audit := func(ctx context.Context, env xauth.Envelope) error {
		l := logger.With(xlog.Str("topic", env.Pattern), xlog.Str("source", env.Source))
		switch p := env.Payload.(type) {
		case xauth.UserRegistered:
			l.With(xlog.Str("user_id", p.UserID), xlog.Str("email", p.Email)).Info().Msg("authd: user registered")
		case xauth.UserLogin:
			l.With(xlog.Str("user_id", p.UserID), xlog.Str("ip", p.IPAddress)).Info().Msg("authd: user logged in")
		case xauth.PasswordChanged:
			l.With(xlog.Str("user_id", p.UserID)).Info().Msg("authd: password changed")
		default:
			return xauth.ErrUnknownKind
		}
		return nil
	}
	for _, topic := range []string{xauth.TopicUserRegistered, xauth.TopicUserLogin, xauth.TopicPasswordChanged} {
		if _, err := b.Subscribe(ctx, topic, group+".audit", audit, d.Middleware(topic)); err != nil {
			return err
		}
	}
	return nil
}
