package jobs

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/cronq/internal/worker"
)

type Deps struct {
	Mailer   Mailer
	History  HistoryWriter
	Business BusinessData
	Sender   Sender
	Log      *zap.Logger
}

// StartWorkers attaches one handler to each application queue.
func StartWorkers(ctx context.Context, w Worker, d Deps) error {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	mailer := d.Mailer
	if mailer == nil {
		mailer = LogMailer{Log: log.Named("mailer")}
	}

	handlers := []struct {
		queue       string
		concurrency int
		h           worker.Handler
	}{
		{ReadmeQueue, 1, Readme(log.Named(ReadmeQueue))},
		{SendEmailQueue, 2, SendEmail(mailer, log.Named(SendEmailQueue))},
		{HistoryQueue, 1, History(d.History, log.Named(HistoryQueue))},
		{SchedulerQueue, 1, FanOut(d.Business, d.Sender, log.Named(SchedulerQueue))},
		{ProcessQueue, 2, Process(d.Business, log.Named(ProcessQueue))},
	}
	for _, h := range handlers {
		if err := w.Work(ctx, h.queue, h.concurrency, h.h); err != nil {
			return errors.Wrapf(err, "start %s worker", h.queue)
		}
		log.Info("worker started", zap.String("queue", h.queue), zap.Int("concurrency", h.concurrency))
	}
	return nil
}
