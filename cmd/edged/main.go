// Command edged is a verifier service. It validates bearer tokens locally
// against the issuer's cached JWKS and falls back to asking the issuer over
// the broker.
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

	"github.com/trickstertwo/xauth/config"
	"github.com/trickstertwo/xauth/gateway"
	"github.com/trickstertwo/xauth/httpapi"
	"github.com/trickstertwo/xauth/keys"
)

const reconnectInterval = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		xlog.Default().Error().Err(err).Msg("edged: invalid configuration")
		os.Exit(1)
	}
	logger := config.NewLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("edged: exited with error")
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

	broker, err := config.NewBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = broker.Close(context.Background()) }()
	go func() {
		if err := broker.KeepConnected(ctx, reconnectInterval, nil); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("edged: broker unavailable, validating locally only")
		}
	}()

	var strategies []gateway.Strategy
	if cfg.JWKS.URL != "" {
		jwks := keys.NewRemoteKeySet(cfg.JWKS.URL, cfg.KeyOptions(logger)...)
		if err := jwks.Refresh(ctx); err != nil {
			logger.With(xlog.Str("url", cfg.JWKS.URL)).Warn().Err(err).Msg("edged: initial jwks fetch failed")
		}
		strategies = append(strategies, gateway.NewLocalStrategy("jwks", jwks))
	}
	strategies = append(strategies, gateway.NewRemoteStrategy(broker,
		gateway.WithDispatcher(config.NewDispatcher(cfg, broker, logger)),
		gateway.WithRemoteLogger(logger),
	))

	gw, err := gateway.New(gateway.WithStrategy(strategies...), gateway.WithLogger(logger))
	if err != nil {
		return err
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := httpapi.NewEngine(logger)
	httpapi.Mount(r, nil, broker)
	v1 := r.Group("/v1", httpapi.Authenticate(gw))
	v1.GET("/whoami", httpapi.Whoami)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	errC := make(chan error, 1)
	go func() {
		logger.With(xlog.Str("addr", cfg.HTTPAddr)).Info().Msg("edged: listening")
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
	logger.Info().Msg("edged: shutting down")
	return srv.Shutdown(shutdownCtx)
}
