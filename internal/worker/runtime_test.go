package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SirClappington/cronq/internal/dispatcher"
	"github.com/SirClappington/cronq/internal/domain"
	"github.com/SirClappington/cronq/internal/notify"
	"github.com/SirClappington/cronq/internal/registry"
	"github.com/SirClappington/cronq/internal/storage"
	"github.com/SirClappington/cronq/internal/storage/memory"
	"github.com/SirClappington/cronq/internal/worker"
)

const poll = 5 * time.Millisecond

type env struct {
	store    *memory.Store
	reg      *registry.Registry
	notifier *notify.Local
	send     *dispatcher.Dispatcher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.New()
	reg := registry.New(store, nil)
	n := notify.NewLocal()
	return &env{store: store, reg: reg, notifier: n, send: dispatcher.New(store, reg, n, nil, nil)}
}

func (e *env) queue(t *testing.T, name string, opts ...registry.Option) {
	t.Helper()
	opts = append([]registry.Option{registry.WithRetryDelay(0, 0)}, opts...)
	if err := e.reg.CreateQueue(context.Background(), name, opts...); err != nil {
		t.Fatalf("create queue %s: %v", name, err)
	}
}

func (e *env) runtime(t *testing.T) *worker.Runtime {
	t.Helper()
	rt := worker.NewRuntime(e.store, e.reg, e.notifier, nil, nil, worker.WithDefaultPollInterval(poll))
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })
	return rt
}

func (e *env) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	j, err := e.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return j
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRetryThenSucceed(t *testing.T) {
	e := newEnv(t)
	e.queue(t, "orders", registry.WithMaxAttempts(3))
	ctx := context.Background()

	var calls atomic.Int32
	rt := e.runtime(t)
	err := rt.Work(ctx, "orders", 1, func(_ context.Context, jobs []*domain.Job) error {
		if calls.Add(1) < 3 {
			return errors.New("payment gateway down")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("work: %v", err)
	}

	id, err := e.send.Send(ctx, "orders", map[string]int{"orderId": 42})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "completion", func() bool { return e.job(t, id).State == domain.Completed })
	j := e.job(t, id)
	if j.Attempt != 3 {
		t.Fatalf("attempt = %d, want 3", j.Attempt)
	}
	if calls.Load() != 3 {
		t.Fatalf("handler calls = %d, want 3", calls.Load())
	}
}

func TestExhaustedAttemptsFail(t *testing.T) {
	e := newEnv(t)
	e.queue(t, "orders", registry.WithMaxAttempts(3))
	ctx := context.Background()

	var calls atomic.Int32
	rt := e.runtime(t)
	_ = rt.Work(ctx, "orders", 1, func(context.Context, []*domain.Job) error {
		calls.Add(1)
		return errors.New("boom")
	})
	id, _ := e.send.Send(ctx, "orders", nil)

	waitFor(t, "failure", func() bool { return e.job(t, id).State == domain.Failed })
	j := e.job(t, id)
	if j.Attempt != 3 || j.LastError != "boom" {
		t.Fatalf("attempt=%d last_error=%q", j.Attempt, j.LastError)
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 3 {
		t.Fatalf("handler ran %d times after exhausting attempts", calls.Load())
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	e := newEnv(t)
	e.queue(t, "orders", registry.WithMaxAttempts(5))
	ctx := context.Background()

	rt := e.runtime(t)
	_ = rt.Work(ctx, "orders", 1, func(context.Context, []*domain.Job) error {
		return worker.Permanent(errors.New("bad request"))
	})
	id, _ := e.send.Send(ctx, "orders", nil)

	waitFor(t, "failure", func() bool { return e.job(t, id).State == domain.Failed })
	if j := e.job(t, id); j.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", j.Attempt)
	}
}

func TestPanicIsRetried(t *testing.T) {
	e := newEnv(t)
	e.queue(t, "orders", registry.WithMaxAttempts(2))
	ctx := context.Background()

	var calls atomic.Int32
	rt := e.runtime(t)
	_ = rt.Work(ctx, "orders", 1, func(context.Context, []*domain.Job) error {
		if calls.Add(1) == 1 {
			panic("nil map")
		}
		return nil
	})
	id, _ := e.send.Send(ctx, "orders", nil)

	waitFor(t, "completion", func() bool { return e.job(t, id).State == domain.Completed })
	if j := e.job(t, id); j.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", j.Attempt)
	}
}

func TestHandlerTimeout(t *testing.T) {
	e := newEnv(t)
	e.queue(t, "slow", registry.WithMaxAttempts(1), registry.WithLeaseTimeout(100*time.Millisecond))
	ctx := context.Background()

	rt := e.runtime(t)
	_ = rt.Work(ctx, "slow", 1, func(ctx context.Context, _ []*domain.Job) error {
		<-ctx.Done()
		time.Sleep(time.Second)
		return nil
	})
	id, _ := e.send.Send(ctx, "slow", nil)

	waitFor(t, "timeout failure", func() bool { return e.job(t, id).State == domain.Failed })
	if j := e.job(t, id); j.LastError != domain.ErrHandlerTimeout.Error() {
		t.Fatalf("last error = %q", j.LastError)
	}
}

func TestAbandonedHandlerIsLogged(t *testing.T) {
	e := newEnv(t)
	e.queue(t, "stuck", registry.WithMaxAttempts(1), registry.WithLeaseTimeout(100*time.Millisecond))
	ctx := context.Background()

	core, logs := observer.New(zapcore.WarnLevel)
	rt := worker.NewRuntime(e.store, e.reg, e.notifier, nil, zap.New(core), worker.WithDefaultPollInterval(poll))
	release := make(chan struct{})
	t.Cleanup(func() {
		close(release)
		_ = rt.Stop(context.Background())
	})

	if err := rt.Work(ctx, "stuck", 1, func(context.Context, []*domain.Job) error {
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	id, _ := e.send.Send(ctx, "stuck", nil)

	waitFor(t, "timeout failure", func() bool { return e.job(t, id).State == domain.Failed })
	abandoned := logs.FilterMessageSnippet("handler abandoned").All()
	if len(abandoned) != 1 {
		t.Fatalf("abandonment warnings = %d, want 1", len(abandoned))
	}
	if ids, _ := abandoned[0].ContextMap()["job_ids"].([]interface{}); len(ids) != 1 || ids[0] != id {
		t.Fatalf("job_ids = %v, want [%s]", abandoned[0].ContextMap()["job_ids"], id)
	}
}

func TestBatchDelivery(t *testing.T) {
	e := newEnv(t)
	e.queue(t, "batch")
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if _, err := e.send.Send(ctx, "batch", map[string]int{"n": i}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	var mu sync.Mutex
	var sizes []int
	rt := e.runtime(t)
	_ = rt.Work(ctx, "batch", 1, func(_ context.Context, jobs []*domain.Job) error {
		mu.Lock()
		sizes = append(sizes, len(jobs))
		mu.Unlock()
		return nil
	}, worker.WithBatchSize(3))

	waitFor(t, "all completed", func() bool {
		done, _ := e.store.ListJobs(ctx, storage.JobFilter{Queue: "batch", State: domain.Completed})
		return len(done) == 6
	})
	mu.Lock()
	defer mu.Unlock()
	for _, n := range sizes {
		if n > 3 {
			t.Fatalf("batch of %d exceeds batch size 3", n)
		}
	}
}

func TestTwoWorkersShareQueueWithoutDuplicates(t *testing.T) {
	e := newEnv(t)
	e.queue(t, "email")
	ctx := context.Background()

	const total = 60
	var mu sync.Mutex
	seen := make(map[string]int)
	handler := func(_ context.Context, jobs []*domain.Job) error {
		mu.Lock()
		defer mu.Unlock()
		for _, j := range jobs {
			seen[j.ID]++
		}
		return nil
	}

	a, b := e.runtime(t), e.runtime(t)
	if err := a.Work(ctx, "email", 3, handler); err != nil {
		t.Fatal(err)
	}
	if err := b.Work(ctx, "email", 3, handler); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < total; i++ {
		if _, err := e.send.Send(ctx, "email", map[string]string{"to": fmt.Sprintf("user%d@example.com", i)}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	waitFor(t, "all jobs handled", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == total
	})
	mu.Lock()
	defer mu.Unlock()
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s handled %d times", id, n)
		}
	}
}

func TestWorkUnknownQueue(t *testing.T) {
	e := newEnv(t)
	err := e.runtime(t).Work(context.Background(), "nope", 1, func(context.Context, []*domain.Job) error { return nil })
	if !errors.Is(err, domain.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}
}

func TestWorkAfterStop(t *testing.T) {
	e := newEnv(t)
	e.queue(t, "orders")
	rt := e.runtime(t)
	if err := rt.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := rt.Work(context.Background(), "orders", 1, func(context.Context, []*domain.Job) error { return nil })
	if !errors.Is(err, domain.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestStopWaitsForInFlightHandler(t *testing.T) {
	e := newEnv(t)
	e.queue(t, "orders")
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	rt := e.runtime(t)
	_ = rt.Work(ctx, "orders", 1, func(context.Context, []*domain.Job) error {
		close(started)
		<-release
		return nil
	})
	id, _ := e.send.Send(ctx, "orders", nil)
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- rt.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a handler was running")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	if err := <-stopped; err != nil {
		t.Fatalf("stop: %v", err)
	}
	if j := e.job(t, id); j.State != domain.Completed {
		t.Fatalf("state after graceful stop = %s", j.State)
	}
}

func TestStopDeadlineCancelsHandlers(t *testing.T) {
	e := newEnv(t)
	e.queue(t, "orders", registry.WithMaxAttempts(3))
	ctx := context.Background()

	started := make(chan struct{})
	rt := e.runtime(t)
	_ = rt.Work(ctx, "orders", 1, func(ctx context.Context, _ []*domain.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	id, _ := e.send.Send(ctx, "orders", nil)
	<-started

	sctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := rt.Stop(sctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("stop: expected deadline exceeded, got %v", err)
	}
	if j := e.job(t, id); j.State != domain.RetryWait {
		t.Fatalf("cancelled job state = %s, want retry-wait", j.State)
	}
}

func TestReaperReleasesExpiredLease(t *testing.T) {
	e := newEnv(t)
	e.queue(t, "orders", registry.WithMaxAttempts(3))
	ctx := context.Background()

	id, _ := e.send.Send(ctx, "orders", json.RawMessage(`{"orderId":1}`))
	leased, err := e.store.LeaseJobs(ctx, storage.LeaseParams{Queue: "orders", WorkerID: "crashed", Limit: 1, LeaseTimeout: 10 * time.Millisecond})
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease: %v %d", err, len(leased))
	}

	reaper := worker.NewReaper(e.store, 5*time.Millisecond, nil, nil)
	reaper.Start(ctx)
	defer reaper.Stop(ctx)

	waitFor(t, "lease release", func() bool { return e.job(t, id).State == domain.Created })
	j := e.job(t, id)
	if j.LastError != storage.LeaseExpiredError || j.LeasedBy != "" {
		t.Fatalf("released job: last_error=%q leased_by=%q", j.LastError, j.LeasedBy)
	}
	if err := reaper.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want worker.Outcome
	}{
		{nil, worker.OutcomeOK},
		{errors.New("x"), worker.OutcomeRetry},
		{worker.Permanent(errors.New("x")), worker.OutcomeFatal},
		{fmt.Errorf("wrapped: %w", worker.Permanent(errors.New("x"))), worker.OutcomeFatal},
	}
	for _, tc := range cases {
		if got := worker.Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
	if worker.Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

type flakyStore struct {
	*memory.Store
	failures atomic.Int32
}

func (s *flakyStore) LeaseJobs(ctx context.Context, p storage.LeaseParams) ([]*domain.Job, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, fmt.Errorf("dial tcp: %w", domain.ErrStorageUnavailable)
	}
	return s.Store.LeaseJobs(ctx, p)
}

func TestLeaseBacksOffWhileStorageUnavailable(t *testing.T) {
	e := newEnv(t)
	e.queue(t, "orders")
	store := &flakyStore{Store: e.store}
	store.failures.Store(1)

	rt := worker.NewRuntime(store, e.reg, e.notifier, nil, nil, worker.WithDefaultPollInterval(poll))
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })

	ctx := context.Background()
	id, err := e.send.Send(ctx, "orders", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Work(ctx, "orders", 1, func(context.Context, []*domain.Job) error { return nil }); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "job completed after storage recovered", func() bool {
		return e.job(t, id).State == domain.Completed
	})
	if n := store.failures.Load(); n >= 0 {
		t.Fatalf("lease was not retried after the outage (failures left %d)", n)
	}
}
