package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/cronq/internal/app"
	"github.com/SirClappington/cronq/internal/config"
	"github.com/SirClappington/cronq/internal/engine"
	"github.com/SirClappington/cronq/internal/httpapi"
	"github.com/SirClappington/cronq/internal/jobs"
	"github.com/SirClappington/cronq/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Dev(), cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("api exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, engine.WithScheduler(false), engine.WithReaper(false))
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Stop(); err != nil {
			logger.Warn("engine stop", zap.Error(err))
		}
	}()
	if err := jobs.CreateQueues(ctx, a.Engine); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Serve(gctx, &http.Server{Addr: cfg.APIAddr, Handler: httpapi.NewRouter(a.Engine, nil, logger)}, logger)
	})
	g.Go(func() error {
		return app.Serve(gctx, &http.Server{Addr: cfg.MetricsAddr, Handler: a.Metrics.Handler()}, logger)
	})
	return g.Wait()
}
