// Package storage defines the persistence contract for queues, jobs and
// schedules. Storage is the single source of truth: every state transition
// goes through one of these operations and each is atomic in the backend.
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/cronq/internal/domain"
)

// LeaseParams describes one claim attempt.
type LeaseParams struct {
	Queue        string
	WorkerID     string
	Limit        int
	LeaseTimeout time.Duration
}

// FailParams resolves a leased job after a handler failure. The store moves
// the job to retry-wait when attempts remain and Permanent is false,
// otherwise to failed.
type FailParams struct {
	JobID      string
	WorkerID   string
	Error      string
	RetryDelay time.Duration
	Permanent  bool
}

// ReleaseResult counts what ReleaseExpiredLeases did.
type ReleaseResult struct {
	Requeued int
	Failed   int
}

type JobFilter struct {
	Queue string
	State domain.JobState
	Limit int
}

// Store is implemented by every backend.
type Store interface {
	// CreateQueue inserts q unless a queue with the same name exists.
	// It reports whether a row was created; an existing queue is not an
	// error and keeps its stored policy.
	CreateQueue(ctx context.Context, q *domain.Queue) (bool, error)
	GetQueue(ctx context.Context, name string) (*domain.Queue, error)
	ListQueues(ctx context.Context) ([]*domain.Queue, error)

	// InsertJob persists j in created state. With a non-nil slot the
	// schedule's last fired minute is advanced in the same transition and
	// the insert fails with ErrScheduleAlreadyFired if the slot was taken.
	InsertJob(ctx context.Context, j *domain.Job, slot *domain.ScheduleSlot) error

	// LeaseJobs atomically claims up to Limit ready jobs: created or
	// retry-wait jobs whose StartAfter is not in the future. Claimed jobs
	// become active, their attempt is incremented and the lease recorded.
	LeaseJobs(ctx context.Context, p LeaseParams) ([]*domain.Job, error)

	// CompleteJobs marks the jobs in ids that workerID still holds as
	// completed and returns how many it resolved.
	CompleteJobs(ctx context.Context, workerID string, ids []string) (int, error)

	// FailJob returns the state the job moved to, or ErrLeaseLost when
	// workerID no longer holds it.
	FailJob(ctx context.Context, p FailParams) (domain.JobState, error)

	// ReleaseExpiredLeases returns active jobs whose lease has expired to
	// created, or to failed when their attempts are exhausted.
	ReleaseExpiredLeases(ctx context.Context) (ReleaseResult, error)

	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*domain.Job, error)

	// UpsertSchedule creates s or replaces the definition stored under
	// (s.Queue, s.Key) in one step. The last fired minute survives a
	// replacement. On return s holds the stored bookkeeping fields.
	UpsertSchedule(ctx context.Context, s *domain.Schedule) (domain.ScheduleChange, error)
	GetSchedule(ctx context.Context, queue, key string) (*domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]*domain.Schedule, error)
	// DeleteSchedule reports whether a schedule was removed.
	DeleteSchedule(ctx context.Context, queue, key string) (bool, error)
	SetScheduleEnabled(ctx context.Context, queue, key string, enabled bool) error

	Ping(ctx context.Context) error
	Close() error
}

// Unavailable reports whether err is a transient backend failure.
func Unavailable(err error) bool {
	return errors.Is(err, domain.ErrStorageUnavailable)
}

// LeaseExpiredError is recorded as last_error on jobs whose lease ran out.
const LeaseExpiredError = "lease expired"
