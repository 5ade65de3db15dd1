// Package jobs holds the application queues, their handlers and the
// recurring schedules that feed them.
package jobs

import (
	"context"

	"github.com/SirClappington/cronq/internal/dispatcher"
	"github.com/SirClappington/cronq/internal/domain"
	"github.com/SirClappington/cronq/internal/registry"
	"github.com/SirClappington/cronq/internal/scheduler"
	"github.com/SirClappington/cronq/internal/worker"
)

const (
	ReadmeQueue    = "readme-queue"
	SendEmailQueue = "send-email-queue"
	HistoryQueue   = "history-queue"
	SchedulerQueue = "scheduler-queue"
	ProcessQueue   = "process-queue"
)

// Queues lists every queue the application uses.
var Queues = []string{ReadmeQueue, SendEmailQueue, HistoryQueue, SchedulerQueue, ProcessQueue}

type QueueCreator interface {
	CreateQueue(ctx context.Context, name string, opts ...registry.Option) error
}

type Sender interface {
	Send(ctx context.Context, queue string, payload any, opts ...dispatcher.SendOption) (string, error)
}

type Worker interface {
	Work(ctx context.Context, queue string, concurrency int, h worker.Handler, opts ...worker.WorkOption) error
}

type Scheduler interface {
	Schedule(ctx context.Context, def scheduler.Definition) (domain.ScheduleChange, error)
}

// CreateQueues makes sure every application queue exists.
func CreateQueues(ctx context.Context, c QueueCreator) error {
	for _, q := range Queues {
		if err := c.CreateQueue(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
