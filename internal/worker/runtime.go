// Package worker runs handlers against leased jobs and returns expired
// leases to their queue.
package worker

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/cronq/internal/backoff"
	"github.com/SirClappington/cronq/internal/domain"
	"github.com/SirClappington/cronq/internal/metrics"
	"github.com/SirClappington/cronq/internal/notify"
	"github.com/SirClappington/cronq/internal/storage"
)

const (
	DefaultPollInterval = time.Second
	DefaultBatchSize    = 1

	// Backoff applied to a lease loop while storage is unavailable.
	unavailableInitial = time.Second
	unavailableMax     = 30 * time.Second

	// Upper bound on one lease or resolve round trip.
	storageTimeout = 30 * time.Second
)

// Lookup resolves a queue by name.
type Lookup interface {
	Lookup(ctx context.Context, name string) (*domain.Queue, error)
}

type Option func(*Runtime)

// WithWorkerID sets the prefix of the lease owner ids this runtime uses.
func WithWorkerID(id string) Option {
	return func(r *Runtime) {
		if id != "" {
			r.workerID = id
		}
	}
}

// WithDefaultPollInterval applies to Work calls that do not set their own.
func WithDefaultPollInterval(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

type WorkOption func(*workConfig)

type workConfig struct {
	batchSize    int
	pollInterval time.Duration
}

// WithBatchSize sets how many jobs one lease claims.
func WithBatchSize(n int) WorkOption {
	return func(c *workConfig) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

func WithPollInterval(d time.Duration) WorkOption {
	return func(c *workConfig) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// Runtime owns every lease loop started through Work.
type Runtime struct {
	store        storage.Store
	queues       Lookup
	notifier     notify.Notifier
	metrics      *metrics.Metrics
	log          *zap.Logger
	workerID     string
	pollInterval time.Duration

	// runCtx stops leasing, handlerCtx aborts running handlers.
	runCtx         context.Context
	stopLeasing    context.CancelFunc
	handlerCtx     context.Context
	cancelHandlers context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	loops   int
}

func NewRuntime(store storage.Store, queues Lookup, n notify.Notifier, m *metrics.Metrics, log *zap.Logger, opts ...Option) *Runtime {
	if n == nil {
		n = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runtime{
		store:        store,
		queues:       queues,
		notifier:     n,
		metrics:      m,
		log:          log.With(zap.String("component", "worker")),
		workerID:     defaultWorkerID(),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.runCtx, r.stopLeasing = context.WithCancel(context.Background())
	r.handlerCtx, r.cancelHandlers = context.WithCancel(context.Background())
	return r
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// WorkerID returns the prefix of this runtime's lease owner ids.
func (r *Runtime) WorkerID() string { return r.workerID }

// Work starts concurrency lease loops on queue and returns once they are
// running. The loops stop when ctx is done or Stop is called.
func (r *Runtime) Work(ctx context.Context, queue string, concurrency int, h Handler, opts ...WorkOption) error {
	if h == nil {
		return errors.New("worker: nil handler")
	}
	q, err := r.queues.Lookup(ctx, queue)
	if err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}
	cfg := workConfig{batchSize: DefaultBatchSize, pollInterval: r.pollInterval}
	for _, opt := range opts {
		opt(&cfg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return domain.ErrStopped
	}

	for i := 0; i < concurrency; i++ {
		r.loops++
		l := &loop{
			rt:       r,
			queue:    q,
			handler:  h,
			cfg:      cfg,
			workerID: r.workerID + "/" + q.Name + "/" + strconv.Itoa(r.loops),
			retry:    backoff.ForPolicy(q.Policy),
		}
		lctx, cancel := context.WithCancel(r.runCtx)
		stop := context.AfterFunc(ctx, cancel)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer stop()
			defer cancel()
			l.run(lctx)
		}()
	}

	r.log.Info("work started",
		zap.String("queue", q.Name),
		zap.Int("concurrency", concurrency),
		zap.Int("batch_size", cfg.batchSize),
		zap.Duration("poll_interval", cfg.pollInterval))
	return nil
}

// Stop stops leasing and waits for in-flight batches to resolve. When ctx
// expires first, running handlers are cancelled and their jobs resolved as
// retries before Stop returns.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()

	r.log.Info("worker runtime stopping", zap.String("worker_id", r.workerID))
	r.stopLeasing()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		r.log.Info("worker runtime stopped")
	case <-ctx.Done():
		r.log.Warn("shutdown timed out, cancelling running handlers")
		r.cancelHandlers()
		<-done
		err = ctx.Err()
	}
	r.cancelHandlers()
	return err
}

type loop struct {
	rt       *Runtime
	queue    *domain.Queue
	handler  Handler
	cfg      workConfig
	workerID string
	retry    backoff.Strategy
}

func (l *loop) run(ctx context.Context) {
	log := l.rt.log.With(zap.String("queue", l.queue.Name), zap.String("worker_id", l.workerID))
	wait := backoff.Exponential{Initial: unavailableInitial, Max: unavailableMax}
	failures := 0

	for ctx.Err() == nil {
		jobs, err := l.lease(ctx)
		if err != nil {
			if storage.Unavailable(err) {
				failures++
				l.rt.metrics.StorageUnavailable("lease")
				d := wait.Delay(failures)
				log.Warn("storage unavailable, backing off", zap.Duration("delay", d), zap.Error(err))
				sleep(ctx, d)
				continue
			}
			log.Error("lease failed", zap.Error(err))
			sleep(ctx, l.cfg.pollInterval)
			continue
		}
		failures = 0

		if len(jobs) == 0 {
			if _, err := l.rt.notifier.Wait(ctx, l.queue.Name, l.cfg.pollInterval); err != nil && ctx.Err() == nil {
				log.Debug("wake-up wait failed", zap.Error(err))
				sleep(ctx, l.cfg.pollInterval)
			}
			continue
		}
		l.execute(log, jobs)
	}
}

// lease runs detached from ctx so a claim that already committed is never
// thrown away by a concurrent Stop.
func (l *loop) lease(ctx context.Context) ([]*domain.Job, error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storageTimeout)
	defer cancel()
	return l.rt.store.LeaseJobs(sctx, storage.LeaseParams{
		Queue:        l.queue.Name,
		WorkerID:     l.workerID,
		Limit:        l.cfg.batchSize,
		LeaseTimeout: l.queue.LeaseTimeout,
	})
}

func (l *loop) execute(log *zap.Logger, jobs []*domain.Job) {
	hctx, cancel := context.WithTimeout(l.rt.handlerCtx, handlerBudget(l.queue.LeaseTimeout))
	defer cancel()

	l.rt.metrics.Running(l.queue.Name, len(jobs))
	start := time.Now()
	err := call(hctx, log, l.handler, jobs)
	l.rt.metrics.Observe(l.queue.Name, time.Since(start))
	l.rt.metrics.Running(l.queue.Name, -len(jobs))

	l.resolve(log, jobs, err)
}

// handlerBudget leaves a margin so a timed out batch is resolved while the
// lease is still held.
func handlerBudget(lease time.Duration) time.Duration {
	margin := lease / 20
	if margin > time.Second {
		margin = time.Second
	}
	return lease - margin
}

// call runs h in its own goroutine so an overrunning handler can be
// abandoned at the deadline. An abandoned handler is not stopped: it keeps
// running until it returns. Panics are reported as errors.
func call(ctx context.Context, log *zap.Logger, h Handler, jobs []*domain.Job) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- errors.Errorf("handler panic: %v", p)
			}
		}()
		done <- h(ctx, jobs)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		ids := make([]string, len(jobs))
		for i, j := range jobs {
			ids[i] = j.ID
		}
		log.Warn("handler abandoned while still running, its jobs may be delivered again before it returns",
			zap.Strings("job_ids", ids), zap.Error(ctx.Err()))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.ErrHandlerTimeout
		}
		return errors.Wrap(ctx.Err(), "handler cancelled")
	}
}

func (l *loop) resolve(log *zap.Logger, jobs []*domain.Job, herr error) {
	ctx := context.Background()
	outcome := Classify(herr)

	if outcome == OutcomeOK {
		ids := make([]string, len(jobs))
		for i, j := range jobs {
			ids[i] = j.ID
		}
		var n int
		err := retryUnavailable(ctx, func(ctx context.Context) (err error) {
			n, err = l.rt.store.CompleteJobs(ctx, l.workerID, ids)
			return err
		})
		if err != nil {
			log.Error("complete failed, lease will expire", zap.Strings("job_ids", ids), zap.Error(err))
			return
		}
		l.rt.metrics.Completed(l.queue.Name, n)
		if n < len(ids) {
			log.Debug("lease lost before completion", zap.Int("completed", n), zap.Int("batch", len(ids)))
		}
		return
	}

	for _, j := range jobs {
		var state domain.JobState
		err := retryUnavailable(ctx, func(ctx context.Context) (err error) {
			state, err = l.rt.store.FailJob(ctx, storage.FailParams{
				JobID:      j.ID,
				WorkerID:   l.workerID,
				Error:      herr.Error(),
				RetryDelay: l.retry.Delay(j.Attempt),
				Permanent:  outcome == OutcomeFatal,
			})
			return err
		})
		switch {
		case errors.Is(err, domain.ErrLeaseLost):
			log.Debug("lease lost before failure was recorded", zap.String("job_id", j.ID))
		case err != nil:
			log.Error("fail failed, lease will expire", zap.String("job_id", j.ID), zap.Error(err))
		default:
			l.rt.metrics.Failed(l.queue.Name, string(state))
			log.Info("job failed",
				zap.String("job_id", j.ID),
				zap.Int("attempt", j.Attempt),
				zap.Int("max_attempts", j.MaxAttempts),
				zap.String("outcome", outcome.String()),
				zap.String("state", string(state)),
				zap.Error(herr))
		}
	}
}

// retryUnavailable retries fn a few times while storage is unavailable.
func retryUnavailable(ctx context.Context, fn func(context.Context) error) error {
	wait := backoff.Exponential{Initial: 100 * time.Millisecond, Max: time.Second}
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, storageTimeout)
		err = fn(sctx)
		cancel()
		if !storage.Unavailable(err) || attempt == 3 {
			return err
		}
		sleep(ctx, wait.Delay(attempt))
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
