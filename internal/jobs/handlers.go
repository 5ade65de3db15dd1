package jobs

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/cronq/internal/domain"
	"github.com/SirClappington/cronq/internal/worker"
)

// Readme logs what it receives.
func Readme(log *zap.Logger) worker.Handler {
	return func(_ context.Context, jobs []*domain.Job) error {
		for _, j := range jobs {
			log.Info("received job", zap.String("job_id", j.ID), zap.ByteString("data", j.Payload))
		}
		return nil
	}
}

type Email struct {
	Email   string `json:"email"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// Missing returns the names of required fields that are empty.
func (e Email) Missing() []string {
	var out []string
	if strings.TrimSpace(e.Email) == "" {
		out = append(out, "email")
	}
	if strings.TrimSpace(e.Subject) == "" {
		out = append(out, "subject")
	}
	if strings.TrimSpace(e.Text) == "" {
		out = append(out, "text")
	}
	return out
}

// Mailer delivers one email.
type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// LogMailer records emails in the log instead of delivering them.
type LogMailer struct{ Log *zap.Logger }

func (m LogMailer) Send(_ context.Context, e Email) error {
	m.Log.Info("email sent", zap.String("to", e.Email), zap.String("subject", e.Subject), zap.Int("text_len", len(e.Text)))
	return nil
}

// SendEmail delivers the email in each job. A payload missing required
// fields can never succeed and fails without retries.
func SendEmail(m Mailer, log *zap.Logger) worker.Handler {
	return func(ctx context.Context, jobs []*domain.Job) error {
		for _, j := range jobs {
			var e Email
			if err := j.Decode(&e); err != nil {
				return worker.Permanent(errors.Wrapf(err, "job %s", j.ID))
			}
			if missing := e.Missing(); len(missing) > 0 {
				return worker.Permanent(errors.Errorf("job %s: missing required fields: %s", j.ID, strings.Join(missing, ", ")))
			}
			log.Info("processing email job", zap.String("job_id", j.ID), zap.String("to", e.Email))
			if err := m.Send(ctx, e); err != nil {
				return errors.Wrapf(err, "send email for job %s", j.ID)
			}
		}
		return nil
	}
}

type HistoryEntry struct {
	JobID   string
	Action  string
	UserID  int64
	Details string
}

type HistoryWriter interface {
	RecordHistory(ctx context.Context, h HistoryEntry) (int64, error)
}

// History writes one operation_history row per job. Action and userId
// are read from the payload when present; the whole payload is kept as
// details.
func History(w HistoryWriter, log *zap.Logger) worker.Handler {
	return func(ctx context.Context, jobs []*domain.Job) error {
		for _, j := range jobs {
			entry := historyEntry(j)
			id, err := w.RecordHistory(ctx, entry)
			if err != nil {
				return errors.Wrapf(err, "record history for job %s", j.ID)
			}
			log.Info("history recorded", zap.String("job_id", j.ID), zap.String("action", entry.Action), zap.Int64("history_id", id))
		}
		return nil
	}
}

func historyEntry(j *domain.Job) HistoryEntry {
	h := HistoryEntry{JobID: j.ID, Action: "unknown", Details: string(j.Payload)}

	var s string
	if json.Unmarshal(j.Payload, &s) == nil {
		h.Details = s
		return h
	}
	var fields map[string]any
	if json.Unmarshal(j.Payload, &fields) != nil {
		return h
	}
	if a, ok := fields["action"]; ok && a != nil {
		h.Action = stringify(a)
	}
	switch v := fields["userId"].(type) {
	case float64:
		h.UserID = int64(v)
	case string:
		h.UserID, _ = strconv.ParseInt(v, 10, 64)
	}
	return h
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}

type BusinessItem struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Date   string `json:"date"`
	Status string `json:"status"`
}

// ProcessPayload is what the fan-out sends for each business row.
type ProcessPayload struct {
	BusinessID int64        `json:"businessId"`
	Name       string       `json:"name"`
	Data       BusinessItem `json:"data"`
}

type BusinessData interface {
	PendingToday(ctx context.Context) ([]BusinessItem, error)
	MarkProcessed(ctx context.Context, id int64) error
}

// FanOut turns today's pending business rows into process-queue jobs.
func FanOut(data BusinessData, s Sender, log *zap.Logger) worker.Handler {
	return func(ctx context.Context, _ []*domain.Job) error {
		items, err := data.PendingToday(ctx)
		if err != nil {
			return errors.Wrap(err, "load pending business data")
		}
		log.Info("found items for today", zap.Int("count", len(items)))
		for _, it := range items {
			id, err := s.Send(ctx, ProcessQueue, ProcessPayload{BusinessID: it.ID, Name: it.Name, Data: it})
			if err != nil {
				return errors.Wrapf(err, "send process job for business %d", it.ID)
			}
			log.Info("created process job", zap.String("job_id", id), zap.Int64("business_id", it.ID))
		}
		return nil
	}
}

// Process marks the business row of each job as processed.
func Process(data BusinessData, log *zap.Logger) worker.Handler {
	return func(ctx context.Context, jobs []*domain.Job) error {
		for _, j := range jobs {
			var p ProcessPayload
			if err := j.Decode(&p); err != nil || p.BusinessID == 0 {
				return worker.Permanent(errors.Errorf("job %s: no business id in payload", j.ID))
			}
			if err := data.MarkProcessed(ctx, p.BusinessID); err != nil {
				return errors.Wrapf(err, "mark business %d processed", p.BusinessID)
			}
			log.Info("business processed", zap.String("job_id", j.ID), zap.Int64("business_id", p.BusinessID))
		}
		return nil
	}
}
