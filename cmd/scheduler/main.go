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
		logger.Error("scheduler exited", zap.Error(err))
		os.Exit(1)
	}
}

// Any number of scheduler processes may run: each minute fires once per
// schedule no matter how many tick it.
func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
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
	if cfg.SkipScheduleInit {
		logger.Info("schedule init skipped")
	} else if err := jobs.InitSchedules(ctx, a.Engine, cfg.ScheduleEmailTo, logger); err != nil {
		return err
	}
	if err := a.Engine.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Serve(gctx, &http.Server{Addr: cfg.MetricsAddr, Handler: a.Metrics.Handler()}, logger)
	})
	return g.Wait()
}
