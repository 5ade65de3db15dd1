package jobs

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/cronq/internal/scheduler"
)

const scheduleTimezone = "Asia/Shanghai"

// EmailSchedules are the two daily reminder emails.
func EmailSchedules(to string) []scheduler.Definition {
	return []scheduler.Definition{
		{
			Queue:    SendEmailQueue,
			Key:      "email-morning-9-58",
			Cron:     "58 9 * * *",
			Timezone: scheduleTimezone,
			Payload: Email{
				Email:   to,
				Subject: "Morning reminder",
				Text:    "This is the scheduled 9:58 email.",
			},
		},
		{
			Queue:    SendEmailQueue,
			Key:      "email-afternoon-14-58",
			Cron:     "58 14 * * *",
			Timezone: scheduleTimezone,
			Payload: Email{
				Email:   to,
				Subject: "Afternoon reminder",
				Text:    "This is the scheduled 14:58 email.",
			},
		},
	}
}

// FanOutSchedule wakes the scheduler-queue every morning so today's
// pending business rows are dispatched.
func FanOutSchedule() scheduler.Definition {
	return scheduler.Definition{
		Queue:    SchedulerQueue,
		Key:      "daily-business-fan-out",
		Cron:     "0 8 * * *",
		Timezone: scheduleTimezone,
	}
}

// InitSchedules registers every recurring definition. Registering an
// unchanged definition has no effect, so this runs on each start.
func InitSchedules(ctx context.Context, s Scheduler, emailTo string, log *zap.Logger) error {
	defs := append(EmailSchedules(emailTo), FanOutSchedule())
	for _, def := range defs {
		change, err := s.Schedule(ctx, def)
		if err != nil {
			return errors.Wrapf(err, "schedule %s/%s", def.Queue, def.Key)
		}
		log.Info("schedule registered",
			zap.String("queue", def.Queue),
			zap.String("key", def.Key),
			zap.String("cron", def.Cron),
			zap.Stringer("change", change))
	}
	return nil
}
