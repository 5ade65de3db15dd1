// Package app builds the process-wide dependencies shared by the binaries.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/SirClappington/cronq/internal/config"
	"github.com/SirClappington/cronq/internal/engine"
	"github.com/SirClappington/cronq/internal/jobs"
	"github.com/SirClappington/cronq/internal/metrics"
	"github.com/SirClappington/cronq/internal/notify"
	"github.com/SirClappington/cronq/internal/storage/postgres"
)

type App struct {
	Config  config.Config
	Log     *zap.Logger
	Engine  *engine.Engine
	Metrics *metrics.Metrics
	Tables  *jobs.Tables
}

// New connects to Postgres and, when REDIS_ADDR is set, to Redis, and
// builds an engine on top. Extra options are applied after the config.
func New(ctx context.Context, cfg config.Config, log *zap.Logger, opts ...engine.Option) (*App, error) {
	store, err := postgres.Connect(ctx, cfg.PostgresDSN, log)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}

	var n notify.Notifier = notify.NewLocal()
	if cfg.RedisAddr != "" {
		rn, err := notify.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			_ = store.Close()
			return nil, errors.Wrap(err, "connect redis")
		}
		n = rn
	}

	m := metrics.New(prometheus.NewRegistry())
	eopts := append([]engine.Option{
		engine.WithConfig(cfg),
		engine.WithLogger(log),
		engine.WithMetrics(m),
		engine.WithNotifier(n),
	}, opts...)
	e, err := engine.New(store, eopts...)
	if err != nil {
		_ = n.Close()
		_ = store.Close()
		return nil, err
	}
	return &App{
		Config:  cfg,
		Log:     log,
		Engine:  e,
		Metrics: m,
		Tables:  jobs.NewTables(store.Pool()),
	}, nil
}

// Deps returns the handler dependencies for StartWorkers.
func (a *App) Deps() jobs.Deps {
	return jobs.Deps{
		History:  a.Tables,
		Business: a.Tables,
		Sender:   a.Engine,
		Log:      a.Log,
	}
}

// Stop shuts the engine down within the configured timeout.
func (a *App) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
	defer cancel()
	return a.Engine.Stop(ctx)
}

// Serve runs srv until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, log *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
