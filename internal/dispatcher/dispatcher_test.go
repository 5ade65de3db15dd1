package dispatcher_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/SirClappington/cronq/internal/dispatcher"
	"github.com/SirClappington/cronq/internal/domain"
	"github.com/SirClappington/cronq/internal/metrics"
	"github.com/SirClappington/cronq/internal/notify"
	"github.com/SirClappington/cronq/internal/registry"
	"github.com/SirClappington/cronq/internal/storage/memory"
)

type fixture struct {
	store    *memory.Store
	reg      *registry.Registry
	notifier *notify.Local
	d        *dispatcher.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	reg := registry.New(store, nil)
	if err := reg.CreateQueue(context.Background(), "orders", registry.WithMaxAttempts(3)); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	n := notify.NewLocal()
	return &fixture{
		store:    store,
		reg:      reg,
		notifier: n,
		d:        dispatcher.New(store, reg, n, metrics.New(nil), nil),
	}
}

func TestSendPersistsCreatedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.d.Send(ctx, "orders", map[string]int{"orderId": 42})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	j, err := f.store.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.State != domain.Created || j.Attempt != 0 || j.MaxAttempts != 3 {
		t.Fatalf("unexpected job: state=%s attempt=%d max=%d", j.State, j.Attempt, j.MaxAttempts)
	}
	var payload struct{ OrderID int `json:"orderId"` }
	if err := j.Decode(&payload); err != nil || payload.OrderID != 42 {
		t.Fatalf("payload = %s (%v)", j.Payload, err)
	}

	if ok, _ := f.notifier.Wait(ctx, "orders", 10*time.Millisecond); !ok {
		t.Fatal("expected a wake-up notification")
	}
}

func TestSendUnknownQueue(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.Send(context.Background(), "missing", nil)
	if !errors.Is(err, domain.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}
}

func TestSendRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.d.Send(ctx, "orders", json.RawMessage(`{not json`)); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("raw: expected ErrInvalidPayload, got %v", err)
	}
	if _, err := f.d.Send(ctx, "orders", func() {}); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("func: expected ErrInvalidPayload, got %v", err)
	}
}

func TestSendOptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour).Truncate(time.Second)

	id, err := f.d.Send(ctx, "orders", nil, dispatcher.StartAfter(at), dispatcher.MaxAttempts(9))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	j, _ := f.store.GetJob(ctx, id)
	if !j.StartAfter.Equal(at) {
		t.Errorf("start after = %v, want %v", j.StartAfter, at)
	}
	if j.MaxAttempts != 9 {
		t.Errorf("max attempts = %d", j.MaxAttempts)
	}
	if string(j.Payload) != `{}` {
		t.Errorf("nil payload stored as %s", j.Payload)
	}
	if ok, _ := f.notifier.Wait(ctx, "orders", 10*time.Millisecond); ok {
		t.Error("delayed job should not wake workers")
	}
}

func TestFromScheduleFiresOncePerMinute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.UpsertSchedule(ctx, &domain.Schedule{
		Queue: "orders", Key: "nightly", Cron: "0 0 * * *", Timezone: "UTC",
		Payload: json.RawMessage(`{}`), Enabled: true,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	minute := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	id, err := f.d.Send(ctx, "orders", nil, dispatcher.FromSchedule("orders", "nightly", minute))
	if err != nil {
		t.Fatalf("first fire: %v", err)
	}
	j, _ := f.store.GetJob(ctx, id)
	if j.ScheduleKey != "nightly" {
		t.Errorf("schedule key = %q", j.ScheduleKey)
	}

	_, err = f.d.Send(ctx, "orders", nil, dispatcher.FromSchedule("orders", "nightly", minute))
	if !errors.Is(err, domain.ErrScheduleAlreadyFired) {
		t.Fatalf("second fire: expected ErrScheduleAlreadyFired, got %v", err)
	}
}

func TestEncode(t *testing.T) {
	cases := map[string]struct {
		in   any
		want string
	}{
		"nil":       {nil, `{}`},
		"empty raw": {json.RawMessage(nil), `{}`},
		"raw":       {json.RawMessage(`{"a":1}`), `{"a":1}`},
		"bytes":     {[]byte(`[1,2]`), `[1,2]`},
		"struct":    {struct{ A string }{"x"}, `{"A":"x"}`},
		"string":    {"hello", `"hello"`},
	}
	for name, tc := range cases {
		got, err := dispatcher.Encode(tc.in)
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if string(got) != tc.want {
			t.Errorf("%s: got %s, want %s", name, got, tc.want)
		}
	}
}
