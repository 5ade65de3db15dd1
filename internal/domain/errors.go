package domain

import "github.com/pkg/errors"

var (
	ErrQueueNotFound    = errors.New("cronq: queue not found")
	ErrJobNotFound      = errors.New("cronq: job not found")
	ErrScheduleNotFound = errors.New("cronq: schedule not found")

	ErrInvalidQueueName = errors.New("cronq: invalid queue name")
	ErrInvalidCron      = errors.New("cronq: invalid cron expression")
	ErrInvalidTimezone  = errors.New("cronq: invalid timezone")
	ErrInvalidPayload   = errors.New("cronq: invalid payload")

	// ErrLeaseLost means the caller no longer owns the job: the lease
	// expired and the job was released or claimed by another worker.
	ErrLeaseLost = errors.New("cronq: lease lost")

	ErrScheduleAlreadyFired = errors.New("cronq: schedule already fired for this minute")
	ErrScheduleChanged      = errors.New("cronq: schedule disabled or replaced since it was read")

	// ErrStorageUnavailable marks transient backend failures. Loops back off
	// and retry the poll or tick when they see it.
	ErrStorageUnavailable = errors.New("cronq: storage unavailable")

	ErrHandlerTimeout = errors.New("cronq: handler exceeded lease timeout")
	ErrStopped        = errors.New("cronq: engine stopped")
)
