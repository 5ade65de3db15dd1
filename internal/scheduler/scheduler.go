// Package scheduler turns registered cron schedules into jobs.
//
// Every tick evaluates the current minute only. A schedule fires minute M
// when it is enabled, its cron matches M in its timezone, its definition
// was last written before M began and M has not been fired yet. Storage
// re-checks these together with the job insert against the definition the
// tick read, so a schedule replaced or disabled mid-tick never fires its
// old definition, and any number of scheduler processes may run side by
// side without duplicates. A wall-clock minute repeated when clocks fall
// back fires once. Missed minutes are not backfilled.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	cronlib "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/SirClappington/cronq/internal/dispatcher"
	"github.com/SirClappington/cronq/internal/domain"
	"github.com/SirClappington/cronq/internal/metrics"
	"github.com/SirClappington/cronq/internal/storage"
)

const DefaultTickInterval = 15 * time.Second

// Lookup resolves a queue by name.
type Lookup interface {
	Lookup(ctx context.Context, name string) (*domain.Queue, error)
}

// Sender creates jobs. *dispatcher.Dispatcher satisfies it.
type Sender interface {
	Send(ctx context.Context, queue string, payload any, opts ...dispatcher.SendOption) (string, error)
}

// Definition is what a caller registers. Key defaults to the queue name.
type Definition struct {
	Queue    string
	Key      string
	Cron     string
	Timezone string
	Payload  any
}

type Option func(*Scheduler)

// WithTickInterval sets how often the current minute is evaluated. It
// must be shorter than a minute or minutes could be skipped.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

type compiled struct {
	sched cronlib.Schedule
	loc   *time.Location
}

type Scheduler struct {
	store   storage.Store
	queues  Lookup
	sender  Sender
	metrics *metrics.Metrics
	log     *zap.Logger
	tick    time.Duration
	now     func() time.Time

	parsedMu sync.Mutex
	parsed   map[string]compiled

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(store storage.Store, queues Lookup, sender Sender, m *metrics.Metrics, log *zap.Logger, opts ...Option) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		store:   store,
		queues:  queues,
		sender:  sender,
		metrics: m,
		log:     log.With(zap.String("component", "scheduler")),
		tick:    DefaultTickInterval,
		now:     time.Now,
		parsed:  make(map[string]compiled),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tick <= 0 || s.tick >= time.Minute {
		return nil, errors.Errorf("scheduler: tick interval %v must be between 0 and 1m", s.tick)
	}
	return s, nil
}

// Register creates or replaces the schedule stored under (Queue, Key).
// It never enqueues a job; the definition is first eligible for the
// minute after it is written. Registering re-enables a disabled schedule.
func (s *Scheduler) Register(ctx context.Context, def Definition) (domain.ScheduleChange, error) {
	q, err := s.queues.Lookup(ctx, def.Queue)
	if err != nil {
		return 0, err
	}
	if _, err := ParseCron(def.Cron); err != nil {
		return 0, err
	}
	if _, err := LoadTimezone(def.Timezone); err != nil {
		return 0, err
	}
	payload, err := dispatcher.Encode(def.Payload)
	if err != nil {
		return 0, err
	}

	key := def.Key
	if key == "" {
		key = q.Name
	}
	tz := def.Timezone
	if tz == "" {
		tz = "UTC"
	}
	sc := &domain.Schedule{
		Queue:    q.Name,
		Key:      key,
		Cron:     def.Cron,
		Timezone: tz,
		Payload:  payload,
		Enabled:  true,
	}
	change, err := s.store.UpsertSchedule(ctx, sc)
	if err != nil {
		return 0, err
	}
	s.log.Info("schedule registered",
		zap.String("queue", sc.Queue),
		zap.String("key", sc.Key),
		zap.String("cron", sc.Cron),
		zap.String("timezone", sc.Timezone),
		zap.Stringer("change", change))
	return change, nil
}

// Unregister removes a schedule. Removing an unknown schedule succeeds.
func (s *Scheduler) Unregister(ctx context.Context, queue, key string) error {
	removed, err := s.store.DeleteSchedule(ctx, queue, key)
	if err != nil {
		return err
	}
	if removed {
		s.log.Info("schedule removed", zap.String("queue", queue), zap.String("key", key))
	}
	return nil
}

func (s *Scheduler) SetEnabled(ctx context.Context, queue, key string, enabled bool) error {
	return s.store.SetScheduleEnabled(ctx, queue, key, enabled)
}

func (s *Scheduler) List(ctx context.Context) ([]*domain.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// Tick fires every schedule due in the minute containing now and returns
// how many jobs it created.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	minute := now.Truncate(time.Minute)

	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		if storage.Unavailable(err) {
			s.metrics.StorageUnavailable("tick")
		}
		return 0, err
	}

	fired := 0
	for _, sc := range schedules {
		if !s.due(sc, minute) {
			continue
		}
		id, err := s.sender.Send(ctx, sc.Queue, json.RawMessage(sc.Payload),
			dispatcher.FromDefinition(sc, minute))
		switch {
		case err == nil:
			fired++
			s.metrics.Fired(sc.Queue, sc.Key)
			s.log.Info("schedule fired",
				zap.String("queue", sc.Queue),
				zap.String("key", sc.Key),
				zap.Time("minute", minute),
				zap.String("job_id", id))
		case errors.Is(err, domain.ErrScheduleAlreadyFired),
			errors.Is(err, domain.ErrScheduleChanged),
			errors.Is(err, domain.ErrScheduleNotFound):
			s.log.Debug("schedule slot taken", zap.String("queue", sc.Queue), zap.String("key", sc.Key), zap.Error(err))
		case storage.Unavailable(err):
			s.metrics.StorageUnavailable("tick")
			return fired, err
		default:
			s.log.Error("schedule fire failed", zap.String("queue", sc.Queue), zap.String("key", sc.Key), zap.Error(err))
		}
	}
	return fired, nil
}

func (s *Scheduler) due(sc *domain.Schedule, minute time.Time) bool {
	if !sc.Enabled || !sc.UpdatedAt.Before(minute) {
		return false
	}
	if sc.LastFiredAt != nil && !sc.LastFiredAt.Before(minute) {
		return false
	}
	c, err := s.compile(sc.Cron, sc.Timezone)
	if err != nil {
		s.log.Warn("skipping unparseable schedule", zap.String("queue", sc.Queue), zap.String("key", sc.Key), zap.Error(err))
		return false
	}
	if !Matches(c.sched, c.loc, minute) {
		return false
	}
	// When clocks fall back a wall-clock minute occurs twice; it fires once.
	return sc.LastFiredAt == nil || !sameWallMinute(*sc.LastFiredAt, minute, c.loc)
}

func (s *Scheduler) compile(expr, tz string) (compiled, error) {
	k := tz + " " + expr
	s.parsedMu.Lock()
	defer s.parsedMu.Unlock()
	if c, ok := s.parsed[k]; ok {
		return c, nil
	}
	sched, err := ParseCron(expr)
	if err != nil {
		return compiled{}, err
	}
	loc, err := LoadTimezone(tz)
	if err != nil {
		return compiled{}, err
	}
	c := compiled{sched: sched, loc: loc}
	s.parsed[k] = c
	return c, nil
}

// Start runs the tick loop in the background until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.log.Info("scheduler started", zap.Duration("tick_interval", s.tick))
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.tick)
	defer t.Stop()

	s.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	if _, err := s.Tick(ctx, s.now()); err != nil && ctx.Err() == nil {
		s.log.Warn("tick failed, retrying next tick", zap.Error(err))
	}
}

// Stop ends the tick loop and waits for a running tick to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
