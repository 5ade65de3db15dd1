package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/SirClappington/cronq/internal/dispatcher"
	"github.com/SirClappington/cronq/internal/domain"
	"github.com/SirClappington/cronq/internal/jobs"
	"github.com/SirClappington/cronq/internal/worker"
)

func job(id, payload string) *domain.Job {
	return &domain.Job{ID: id, Payload: json.RawMessage(payload)}
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []jobs.Email
	err  error
}

func (m *recordingMailer) Send(_ context.Context, e jobs.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, e)
	return nil
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func TestSendEmail(t *testing.T) {
	m := &recordingMailer{}
	h := jobs.SendEmail(m, zap.NewNop())

	err := h(context.Background(), []*domain.Job{job("1", `{"email":"a@example.com","subject":"hi","text":"body"}`)})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.count() != 1 || m.sent[0].Email != "a@example.com" {
		t.Fatalf("sent = %+v", m.sent)
	}
}

func TestSendEmailMissingFieldsIsPermanent(t *testing.T) {
	h := jobs.SendEmail(&recordingMailer{}, zap.NewNop())
	err := h(context.Background(), []*domain.Job{job("1", `{"email":"a@example.com"}`)})
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := worker.Classify(err); got != worker.OutcomeFatal {
		t.Fatalf("outcome = %v, want fatal", got)
	}
}

func TestSendEmailDeliveryFailureRetries(t *testing.T) {
	h := jobs.SendEmail(&recordingMailer{err: errors.New("smtp down")}, zap.NewNop())
	err := h(context.Background(), []*domain.Job{job("1", `{"email":"a@example.com","subject":"s","text":"t"}`)})
	if got := worker.Classify(err); got != worker.OutcomeRetry {
		t.Fatalf("outcome = %v, want retry", got)
	}
}

type historyRecorder struct {
	entries []jobs.HistoryEntry
}

func (r *historyRecorder) RecordHistory(_ context.Context, h jobs.HistoryEntry) (int64, error) {
	r.entries = append(r.entries, h)
	return int64(len(r.entries)), nil
}

func TestHistoryParsesPayload(t *testing.T) {
	cases := map[string]struct {
		payload string
		want    jobs.HistoryEntry
	}{
		"full": {
			`{"action":"login","userId":7}`,
			jobs.HistoryEntry{JobID: "j", Action: "login", UserID: 7, Details: `{"action":"login","userId":7}`},
		},
		"defaults": {
			`{}`,
			jobs.HistoryEntry{JobID: "j", Action: "unknown", Details: `{}`},
		},
		"string user id": {
			`{"action":"export","userId":"12"}`,
			jobs.HistoryEntry{JobID: "j", Action: "export", UserID: 12, Details: `{"action":"export","userId":"12"}`},
		},
		"plain string": {
			`"note"`,
			jobs.HistoryEntry{JobID: "j", Action: "unknown", Details: "note"},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := &historyRecorder{}
			if err := jobs.History(rec, zap.NewNop())(context.Background(), []*domain.Job{job("j", tc.payload)}); err != nil {
				t.Fatal(err)
			}
			if len(rec.entries) != 1 || rec.entries[0] != tc.want {
				t.Fatalf("entries = %+v, want %+v", rec.entries, tc.want)
			}
		})
	}
}

type business struct {
	items     []jobs.BusinessItem
	processed []int64
}

func (b *business) PendingToday(context.Context) ([]jobs.BusinessItem, error) { return b.items, nil }

func (b *business) MarkProcessed(_ context.Context, id int64) error {
	b.processed = append(b.processed, id)
	return nil
}

type sent struct {
	queue   string
	payload any
}

type recordingSender struct{ sent []sent }

func (s *recordingSender) Send(_ context.Context, queue string, payload any, _ ...dispatcher.SendOption) (string, error) {
	s.sent = append(s.sent, sent{queue, payload})
	return "id", nil
}

func TestFanOutSendsOneJobPerPendingRow(t *testing.T) {
	b := &business{items: []jobs.BusinessItem{
		{ID: 1, Name: "a", Date: "2030-06-03", Status: "pending"},
		{ID: 2, Name: "b", Date: "2030-06-03", Status: "pending"},
	}}
	s := &recordingSender{}
	if err := jobs.FanOut(b, s, zap.NewNop())(context.Background(), []*domain.Job{job("tick", `{}`)}); err != nil {
		t.Fatal(err)
	}
	if len(s.sent) != 2 {
		t.Fatalf("sent %d jobs, want 2", len(s.sent))
	}
	for i, got := range s.sent {
		p := got.payload.(jobs.ProcessPayload)
		if got.queue != jobs.ProcessQueue || p.BusinessID != b.items[i].ID || p.Name != b.items[i].Name {
			t.Errorf("sent[%d] = %+v", i, got)
		}
	}
}

func TestProcessMarksRow(t *testing.T) {
	b := &business{}
	h := jobs.Process(b, zap.NewNop())
	if err := h(context.Background(), []*domain.Job{job("p", `{"businessId":9,"name":"x"}`)}); err != nil {
		t.Fatal(err)
	}
	if len(b.processed) != 1 || b.processed[0] != 9 {
		t.Fatalf("processed = %v", b.processed)
	}
	if err := h(context.Background(), []*domain.Job{job("p", `{}`)}); worker.Classify(err) != worker.OutcomeFatal {
		t.Fatalf("missing id should be fatal, got %v", err)
	}
}
