// Package dispatcher turns producer payloads into persisted jobs.
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/cronq/internal/domain"
	"github.com/SirClappington/cronq/internal/metrics"
	"github.com/SirClappington/cronq/internal/notify"
	"github.com/SirClappington/cronq/internal/storage"
)

// Lookup resolves a queue by name.
type Lookup interface {
	Lookup(ctx context.Context, name string) (*domain.Queue, error)
}

type sendOptions struct {
	startAfter  time.Time
	maxAttempts int
	slot        *domain.ScheduleSlot
}

type SendOption func(*sendOptions)

// StartAfter delays eligibility until t.
func StartAfter(t time.Time) SendOption {
	return func(o *sendOptions) { o.startAfter = t }
}

// StartIn delays eligibility by d from now.
func StartIn(d time.Duration) SendOption {
	return func(o *sendOptions) { o.startAfter = time.Now().Add(d) }
}

// MaxAttempts overrides the queue policy for this job.
func MaxAttempts(n int) SendOption {
	return func(o *sendOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// FromSchedule ties the job to one firing minute of a schedule. The store
// creates the job only if that minute has not fired yet.
func FromSchedule(queue, key string, minute time.Time) SendOption {
	return func(o *sendOptions) {
		o.slot = &domain.ScheduleSlot{Queue: queue, Key: key, Minute: minute}
	}
}

// FromDefinition is FromSchedule pinned to sc as it was read. The job is
// not created if sc was replaced or disabled since.
func FromDefinition(sc *domain.Schedule, minute time.Time) SendOption {
	return func(o *sendOptions) {
		o.slot = &domain.ScheduleSlot{Queue: sc.Queue, Key: sc.Key, Minute: minute, Version: sc.UpdatedAt}
	}
}

type Dispatcher struct {
	store    storage.Store
	queues   Lookup
	notifier notify.Notifier
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func New(store storage.Store, queues Lookup, n notify.Notifier, m *metrics.Metrics, log *zap.Logger) *Dispatcher {
	if n == nil {
		n = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		store:    store,
		queues:   queues,
		notifier: n,
		metrics:  m,
		log:      log.With(zap.String("component", "dispatcher")),
	}
}

// Send validates queue, encodes payload as JSON and persists the job in
// created state. It returns the new job id.
func (d *Dispatcher) Send(ctx context.Context, queue string, payload any, opts ...SendOption) (string, error) {
	q, err := d.queues.Lookup(ctx, queue)
	if err != nil {
		return "", err
	}

	raw, err := Encode(payload)
	if err != nil {
		return "", err
	}

	o := sendOptions{maxAttempts: q.Policy.MaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}

	j := &domain.Job{
		ID:          uuid.NewString(),
		Queue:       q.Name,
		Payload:     raw,
		MaxAttempts: o.maxAttempts,
		StartAfter:  o.startAfter,
	}
	if o.slot != nil {
		j.ScheduleKey = o.slot.Key
	}
	if err := d.store.InsertJob(ctx, j, o.slot); err != nil {
		return "", err
	}
	d.metrics.Sent(q.Name)
	d.log.Debug("job sent", zap.String("queue", q.Name), zap.String("job_id", j.ID))

	if !j.StartAfter.After(time.Now()) {
		if err := d.notifier.Notify(ctx, q.Name); err != nil {
			d.log.Warn("wake-up notify failed", zap.String("queue", q.Name), zap.Error(err))
		}
	}
	return j.ID, nil
}

// Encode renders payload as a JSON document. Raw JSON is validated and
// stored as given; nil becomes an empty object.
func Encode(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return validRaw(v)
	case []byte:
		return validRaw(v)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(domain.ErrInvalidPayload, "%v", err)
	}
	return raw, nil
}

func validRaw(b []byte) (json.RawMessage, error) {
	if len(b) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(b) {
		return nil, domain.ErrInvalidPayload
	}
	return append(json.RawMessage(nil), b...), nil
}
