package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/cronq/internal/metrics"
	"github.com/SirClappington/cronq/internal/storage"
)

const DefaultReapInterval = 10 * time.Second

// Reaper periodically returns jobs whose lease expired to their queue, so
// a crashed worker never strands a job in active.
type Reaper struct {
	store    storage.Store
	interval time.Duration
	metrics  *metrics.Metrics
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewReaper(store storage.Store, interval time.Duration, m *metrics.Metrics, log *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{
		store:    store,
		interval: interval,
		metrics:  m,
		log:      log.With(zap.String("component", "reaper")),
	}
}

// RunOnce releases every lease that has expired by now.
func (r *Reaper) RunOnce(ctx context.Context) (storage.ReleaseResult, error) {
	res, err := r.store.ReleaseExpiredLeases(ctx)
	if err != nil {
		if storage.Unavailable(err) {
			r.metrics.StorageUnavailable("release")
		}
		return res, err
	}
	r.metrics.Expired(res.Requeued, res.Failed)
	if res.Requeued+res.Failed > 0 {
		r.log.Info("released expired leases", zap.Int("requeued", res.Requeued), zap.Int("failed", res.Failed))
	}
	return res, nil
}

// Start runs the reaper in the background until Stop or ctx is done.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

func (r *Reaper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("release expired leases failed", zap.Error(err))
			}
		}
	}
}

// Stop ends the background loop and waits for a running pass to finish.
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
