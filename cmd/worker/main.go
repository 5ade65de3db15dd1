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
		logger.Error("worker exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Every worker process reaps; scheduling belongs to cmd/scheduler.
	a, err := app.New(ctx, cfg, logger, engine.WithScheduler(false))
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
	if err := a.Engine.Start(ctx); err != nil {
		return err
	}
	if err := jobs.StartWorkers(ctx, a.Engine, a.Deps()); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Serve(gctx, &http.Server{Addr: cfg.MetricsAddr, Handler: a.Metrics.Handler()}, logger)
	})
	return g.Wait()
}
