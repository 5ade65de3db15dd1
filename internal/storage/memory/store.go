// Package memory is an in-process implementation of storage.Store. It is
// safe for concurrent use and intended for tests and single-process
// development; nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SirClappington/cronq/internal/domain"
	"github.com/SirClappington/cronq/internal/storage"
)

var _ storage.Store = (*Store)(nil)

type Store struct {
	mu sync.Mutex

	queues    map[string]*domain.Queue
	jobs      map[string]*domain.Job
	schedules map[scheduleKey]*domain.Schedule

	now    func() time.Time
	closed bool
}

type scheduleKey struct{ queue, key string }

type Option func(*Store)

// WithClock replaces time.Now, so tests can move time without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		queues:    make(map[string]*domain.Queue),
		jobs:      make(map[string]*domain.Job),
		schedules: make(map[scheduleKey]*domain.Schedule),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) clock() time.Time { return s.now().UTC() }

func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrStorageUnavailable
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// lock acquires the store mutex and fails once the store is closed, the
// way a pool would after Close.
func (s *Store) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrStorageUnavailable
	}
	return nil
}

// ── queues ──

func (s *Store) CreateQueue(_ context.Context, q *domain.Queue) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	if existing, ok := s.queues[q.Name]; ok {
		*q = *existing
		return false, nil
	}
	cp := *q
	cp.CreatedAt = s.clock()
	s.queues[q.Name] = &cp
	q.CreatedAt = cp.CreatedAt
	return true, nil
}

func (s *Store) GetQueue(_ context.Context, name string) (*domain.Queue, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return nil, domain.ErrQueueNotFound
	}
	cp := *q
	return &cp, nil
}

func (s *Store) ListQueues(context.Context) ([]*domain.Queue, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	out := make([]*domain.Queue, 0, len(s.queues))
	for _, q := range s.queues {
		cp := *q
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

// ── jobs ──

func (s *Store) InsertJob(_ context.Context, j *domain.Job, slot *domain.ScheduleSlot) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if _, ok := s.queues[j.Queue]; !ok {
		return domain.ErrQueueNotFound
	}

	var sched *domain.Schedule
	if slot != nil {
		var ok bool
		sched, ok = s.schedules[scheduleKey{slot.Queue, slot.Key}]
		if !ok {
			return domain.ErrScheduleNotFound
		}
		if sched.LastFiredAt != nil && !sched.LastFiredAt.Before(slot.Minute) {
			return domain.ErrScheduleAlreadyFired
		}
		if !sched.Enabled || !sched.UpdatedAt.Before(slot.Minute) ||
			(!slot.Version.IsZero() && !sched.UpdatedAt.Equal(slot.Version)) {
			return domain.ErrScheduleChanged
		}
	}

	now := s.clock()
	cp := cloneJob(j)
	cp.State = domain.Created
	cp.Attempt = 0
	cp.CreatedAt = now
	if cp.StartAfter.IsZero() {
		cp.StartAfter = now
	}
	s.jobs[cp.ID] = cp

	if sched != nil {
		m := slot.Minute.UTC()
		sched.LastFiredAt = &m
	}

	j.State, j.Attempt, j.CreatedAt, j.StartAfter = cp.State, cp.Attempt, cp.CreatedAt, cp.StartAfter
	return nil
}

func (s *Store) LeaseJobs(_ context.Context, p storage.LeaseParams) ([]*domain.Job, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	now := s.clock()
	candidates := make([]*domain.Job, 0)
	for _, j := range s.jobs {
		if j.Queue != p.Queue {
			continue
		}
		if j.State != domain.Created && j.State != domain.RetryWait {
			continue
		}
		if j.StartAfter.After(now) {
			continue
		}
		candidates = append(candidates, j)
	}

	sort.Slice(candidates, func(i, k int) bool {
		if !candidates[i].StartAfter.Equal(candidates[k].StartAfter) {
			return candidates[i].StartAfter.Before(candidates[k].StartAfter)
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})
	if p.Limit > 0 && len(candidates) > p.Limit {
		candidates = candidates[:p.Limit]
	}

	expires := now.Add(p.LeaseTimeout)
	out := make([]*domain.Job, len(candidates))
	for i, j := range candidates {
		started := now
		j.State = domain.Active
		j.Attempt++
		j.StartedAt = &started
		j.LeasedBy = p.WorkerID
		j.LeaseExpiresAt = &expires
		out[i] = cloneJob(j)
	}
	return out, nil
}

func (s *Store) CompleteJobs(_ context.Context, workerID string, ids []string) (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	now := s.clock()
	n := 0
	for _, id := range ids {
		j, ok := s.jobs[id]
		if !ok || !held(j, workerID) {
			continue
		}
		done := now
		j.State = domain.Completed
		j.CompletedAt = &done
		j.LeasedBy = ""
		j.LeaseExpiresAt = nil
		n++
	}
	return n, nil
}

func (s *Store) FailJob(_ context.Context, p storage.FailParams) (domain.JobState, error) {
	if err := s.lock(); err != nil {
		return "", err
	}
	defer s.mu.Unlock()

	j, ok := s.jobs[p.JobID]
	if !ok {
		return "", domain.ErrJobNotFound
	}
	if !held(j, p.WorkerID) {
		return "", domain.ErrLeaseLost
	}

	now := s.clock()
	j.LastError = p.Error
	j.LeasedBy = ""
	j.LeaseExpiresAt = nil
	if !p.Permanent && j.Attempt < j.MaxAttempts {
		j.State = domain.RetryWait
		j.StartAfter = now.Add(p.RetryDelay)
	} else {
		done := now
		j.State = domain.Failed
		j.CompletedAt = &done
	}
	return j.State, nil
}

func (s *Store) ReleaseExpiredLeases(context.Context) (storage.ReleaseResult, error) {
	var res storage.ReleaseResult
	if err := s.lock(); err != nil {
		return res, err
	}
	defer s.mu.Unlock()

	now := s.clock()
	for _, j := range s.jobs {
		if j.State != domain.Active || j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Before(now) {
			continue
		}
		j.LastError = storage.LeaseExpiredError
		j.LeasedBy = ""
		j.LeaseExpiresAt = nil
		if j.Attempt < j.MaxAttempts {
			j.State = domain.Created
			j.StartAfter = now
			res.Requeued++
			continue
		}
		done := now
		j.State = domain.Failed
		j.CompletedAt = &done
		res.Failed++
	}
	return res, nil
}

func (s *Store) GetJob(_ context.Context, id string) (*domain.Job, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (s *Store) ListJobs(_ context.Context, f storage.JobFilter) ([]*domain.Job, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	out := make([]*domain.Job, 0)
	for _, j := range s.jobs {
		if f.Queue != "" && j.Queue != f.Queue {
			continue
		}
		if f.State != "" && j.State != f.State {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func held(j *domain.Job, workerID string) bool {
	return j.State == domain.Active && j.LeasedBy == workerID
}

func cloneJob(j *domain.Job) *domain.Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	return &cp
}

// ── schedules ──

func (s *Store) UpsertSchedule(_ context.Context, sc *domain.Schedule) (domain.ScheduleChange, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	if _, ok := s.queues[sc.Queue]; !ok {
		return 0, domain.ErrQueueNotFound
	}

	k := scheduleKey{sc.Queue, sc.Key}
	now := s.clock()
	existing, ok := s.schedules[k]
	switch {
	case !ok:
		cp := cloneSchedule(sc)
		cp.LastFiredAt = nil
		cp.CreatedAt = now
		cp.UpdatedAt = now
		s.schedules[k] = cp
		copyBookkeeping(sc, cp)
		return domain.ScheduleCreated, nil
	case existing.SameDefinition(sc):
		copyBookkeeping(sc, existing)
		return domain.ScheduleUnchanged, nil
	default:
		existing.Cron = sc.Cron
		existing.Timezone = sc.Timezone
		existing.Payload = append([]byte(nil), sc.Payload...)
		existing.Enabled = sc.Enabled
		existing.UpdatedAt = now
		copyBookkeeping(sc, existing)
		return domain.ScheduleReplaced, nil
	}
}

func (s *Store) GetSchedule(_ context.Context, queue, key string) (*domain.Schedule, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	sc, ok := s.schedules[scheduleKey{queue, key}]
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	return cloneSchedule(sc), nil
}

func (s *Store) ListSchedules(context.Context) ([]*domain.Schedule, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	out := make([]*domain.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		out = append(out, cloneSchedule(sc))
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Queue != out[k].Queue {
			return out[i].Queue < out[k].Queue
		}
		return out[i].Key < out[k].Key
	})
	return out, nil
}

func (s *Store) DeleteSchedule(_ context.Context, queue, key string) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	k := scheduleKey{queue, key}
	if _, ok := s.schedules[k]; !ok {
		return false, nil
	}
	delete(s.schedules, k)
	return true, nil
}

func (s *Store) SetScheduleEnabled(_ context.Context, queue, key string, enabled bool) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	sc, ok := s.schedules[scheduleKey{queue, key}]
	if !ok {
		return domain.ErrScheduleNotFound
	}
	if sc.Enabled != enabled {
		sc.Enabled = enabled
		sc.UpdatedAt = s.clock()
	}
	return nil
}

func cloneSchedule(sc *domain.Schedule) *domain.Schedule {
	cp := *sc
	cp.Payload = append([]byte(nil), sc.Payload...)
	if sc.LastFiredAt != nil {
		t := *sc.LastFiredAt
		cp.LastFiredAt = &t
	}
	return &cp
}

func copyBookkeeping(dst, src *domain.Schedule) {
	dst.CreatedAt = src.CreatedAt
	dst.UpdatedAt = src.UpdatedAt
	if src.LastFiredAt != nil {
		t := *src.LastFiredAt
		dst.LastFiredAt = &t
	} else {
		dst.LastFiredAt = nil
	}
}
