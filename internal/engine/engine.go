// Package engine wires storage, the queue registry, the dispatcher, the
// worker runtime, the lease reaper and the cron scheduler into one handle.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/cronq/internal/config"
	"github.com/SirClappington/cronq/internal/dispatcher"
	"github.com/SirClappington/cronq/internal/domain"
	"github.com/SirClappington/cronq/internal/metrics"
	"github.com/SirClappington/cronq/internal/notify"
	"github.com/SirClappington/cronq/internal/registry"
	"github.com/SirClappington/cronq/internal/scheduler"
	"github.com/SirClappington/cronq/internal/storage"
	"github.com/SirClappington/cronq/internal/worker"
)

type options struct {
	log           *zap.Logger
	metrics       *metrics.Metrics
	notifier      notify.Notifier
	queueDefaults []registry.Option
	workerID      string
	pollInterval  time.Duration
	reapInterval  time.Duration
	tickInterval  time.Duration
	clock         func() time.Time
	runScheduler  bool
	runReaper     bool
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }
func WithNotifier(n notify.Notifier) Option { return func(o *options) { o.notifier = n } }
func WithWorkerID(id string) Option { return func(o *options) { o.workerID = id } }
func WithPollInterval(d time.Duration) Option { return func(o *options) { o.pollInterval = d } }
func WithReapInterval(d time.Duration) Option { return func(o *options) { o.reapInterval = d } }
func WithTickInterval(d time.Duration) Option { return func(o *options) { o.tickInterval = d } }

// WithClock sets the scheduler's notion of now.
func WithClock(now func() time.Time) Option { return func(o *options) { o.clock = now } }

// WithQueueDefaults applies to every queue created through the engine.
func WithQueueDefaults(opts ...registry.Option) Option {
	return func(o *options) { o.queueDefaults = append(o.queueDefaults, opts...) }
}

// WithScheduler controls whether Start runs the cron tick loop.
func WithScheduler(on bool) Option { return func(o *options) { o.runScheduler = on } }

// WithReaper controls whether Start runs the expired lease reaper.
func WithReaper(on bool) Option { return func(o *options) { o.runReaper = on } }

// WithConfig maps the process configuration onto engine options.
func WithConfig(c config.Config) Option {
	return func(o *options) {
		o.workerID = c.WorkerID
		o.pollInterval = c.PollInterval
		o.reapInterval = c.ReaperInterval
		o.tickInterval = c.SchedulerTick
		o.queueDefaults = append(o.queueDefaults,
			registry.WithMaxAttempts(c.DefaultMaxAttempts),
			registry.WithRetryDelay(c.RetryInitialDelay, c.RetryMaxDelay),
			registry.WithLeaseTimeout(c.DefaultLeaseTimeout),
		)
	}
}

// Engine owns its store: Stop closes it.
type Engine struct {
	store     storage.Store
	log       *zap.Logger
	notifier  notify.Notifier
	queues    *registry.Registry
	send      *dispatcher.Dispatcher
	runtime   *worker.Runtime
	reaper    *worker.Reaper
	scheduler *scheduler.Scheduler

	runScheduler bool
	runReaper    bool

	mu      sync.Mutex
	started bool
	stopped bool
}

func New(store storage.Store, opts ...Option) (*Engine, error) {
	o := options{
		tickInterval: scheduler.DefaultTickInterval,
		runScheduler: true,
		runReaper:    true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.notifier == nil {
		o.notifier = notify.NewLocal()
	}

	queues := registry.New(store, o.log, o.queueDefaults...)
	send := dispatcher.New(store, queues, o.notifier, o.metrics, o.log)

	sopts := []scheduler.Option{scheduler.WithTickInterval(o.tickInterval)}
	if o.clock != nil {
		sopts = append(sopts, scheduler.WithClock(o.clock))
	}
	sched, err := scheduler.New(store, queues, send, o.metrics, o.log, sopts...)
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:    store,
		log:      o.log.With(zap.String("component", "engine")),
		notifier: o.notifier,
		queues:   queues,
		send:     send,
		runtime: worker.NewRuntime(store, queues, o.notifier, o.metrics, o.log,
			worker.WithWorkerID(o.workerID),
			worker.WithDefaultPollInterval(o.pollInterval)),
		reaper:       worker.NewReaper(store, o.reapInterval, o.metrics, o.log),
		scheduler:    sched,
		runScheduler: o.runScheduler,
		runReaper:    o.runReaper,
	}, nil
}

func (e *Engine) live() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return domain.ErrStopped
	}
	return nil
}

func (e *Engine) CreateQueue(ctx context.Context, name string, opts ...registry.Option) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.queues.CreateQueue(ctx, name, opts...)
}

func (e *Engine) ListQueues(ctx context.Context) ([]*domain.Queue, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	return e.queues.List(ctx)
}

func (e *Engine) Send(ctx context.Context, queue string, payload any, opts ...dispatcher.SendOption) (string, error) {
	if err := e.live(); err != nil {
		return "", err
	}
	return e.send.Send(ctx, queue, payload, opts...)
}

func (e *Engine) Work(ctx context.Context, queue string, concurrency int, h worker.Handler, opts ...worker.WorkOption) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.runtime.Work(ctx, queue, concurrency, h, opts...)
}

func (e *Engine) Schedule(ctx context.Context, def scheduler.Definition) (domain.ScheduleChange, error) {
	if err := e.live(); err != nil {
		return 0, err
	}
	return e.scheduler.Register(ctx, def)
}

func (e *Engine) Unschedule(ctx context.Context, queue, key string) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.scheduler.Unregister(ctx, queue, key)
}

func (e *Engine) SetScheduleEnabled(ctx context.Context, queue, key string, enabled bool) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.scheduler.SetEnabled(ctx, queue, key, enabled)
}

func (e *Engine) ListSchedules(ctx context.Context) ([]*domain.Schedule, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	return e.scheduler.List(ctx)
}

func (e *Engine) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	return e.store.GetJob(ctx, id)
}

func (e *Engine) ListJobs(ctx context.Context, f storage.JobFilter) ([]*domain.Job, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	return e.store.ListJobs(ctx, f)
}

// Ping checks the store answers.
func (e *Engine) Ping(ctx context.Context) error { return e.store.Ping(ctx) }

// Tick evaluates the current minute once, outside the background loop.
func (e *Engine) Tick(ctx context.Context, now time.Time) (int, error) {
	if err := e.live(); err != nil {
		return 0, err
	}
	return e.scheduler.Tick(ctx, now)
}

// Start runs the background loops enabled by WithScheduler and
// WithReaper. Lease loops are started separately through Work.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return domain.ErrStopped
	}
	if e.started {
		return nil
	}
	e.started = true

	if e.runReaper {
		e.reaper.Start(ctx)
	}
	if e.runScheduler {
		e.scheduler.Start(ctx)
	}
	e.log.Info("engine started",
		zap.String("worker_id", e.runtime.WorkerID()),
		zap.Bool("scheduler", e.runScheduler),
		zap.Bool("reaper", e.runReaper))
	return nil
}

// Stop drains the worker runtime, then stops the scheduler and the reaper
// and finally closes the notifier and the store. Every step runs even if
// an earlier one fails; the first error is returned.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	var first error
	keep := func(step string, err error) {
		if err != nil {
			e.log.Warn("stop step failed", zap.String("step", step), zap.Error(err))
			if first == nil {
				first = errors.Wrap(err, step)
			}
		}
	}

	keep("worker", e.runtime.Stop(ctx))
	keep("scheduler", e.scheduler.Stop(ctx))
	keep("reaper", e.reaper.Stop(ctx))
	keep("notifier", e.notifier.Close())
	keep("store", e.store.Close())
	e.log.Info("engine stopped")
	return first
}
