// Package registry creates and resolves named queues together with their
// retry policy.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/cronq/internal/domain"
	"github.com/SirClappington/cronq/internal/storage"
)

// Option adjusts the policy of a queue being created.
type Option func(*domain.Queue)

func WithMaxAttempts(n int) Option {
	return func(q *domain.Queue) {
		if n > 0 {
			q.Policy.MaxAttempts = n
		}
	}
}

// WithRetryDelay sets the initial and maximum backoff between attempts.
func WithRetryDelay(initial, max time.Duration) Option {
	return func(q *domain.Queue) {
		q.Policy.InitialDelay = initial
		if max >= initial {
			q.Policy.MaxDelay = max
		} else {
			q.Policy.MaxDelay = initial
		}
	}
}

func WithJitter(on bool) Option {
	return func(q *domain.Queue) { q.Policy.Jitter = on }
}

// WithLeaseTimeout bounds how long a worker may hold a job, and so how long
// a handler may run.
func WithLeaseTimeout(d time.Duration) Option {
	return func(q *domain.Queue) {
		if d > 0 {
			q.LeaseTimeout = d
		}
	}
}

// Registry caches queues it has seen. Queues are never deleted, so a
// cached entry stays valid for the life of the process.
type Registry struct {
	store    storage.Store
	log      *zap.Logger
	defaults []Option

	mu    sync.RWMutex
	cache map[string]*domain.Queue
}

// New returns a registry over store. defaults are applied to every queue
// before the per-call options.
func New(store storage.Store, log *zap.Logger, defaults ...Option) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		store:    store,
		log:      log.With(zap.String("component", "registry")),
		defaults: defaults,
		cache:    make(map[string]*domain.Queue),
	}
}

// CreateQueue is idempotent: creating an existing queue succeeds and keeps
// the stored policy.
func (r *Registry) CreateQueue(ctx context.Context, name string, opts ...Option) error {
	if !domain.ValidQueueName(name) {
		return domain.ErrInvalidQueueName
	}

	q := &domain.Queue{
		Name:         name,
		Policy:       domain.DefaultRetryPolicy(),
		LeaseTimeout: domain.DefaultLeaseTimeout,
	}
	for _, opt := range r.defaults {
		opt(q)
	}
	for _, opt := range opts {
		opt(q)
	}

	created, err := r.store.CreateQueue(ctx, q)
	if err != nil {
		return err
	}
	if created {
		r.log.Info("queue created",
			zap.String("queue", name),
			zap.Int("max_attempts", q.Policy.MaxAttempts),
			zap.Duration("lease_timeout", q.LeaseTimeout))
	}
	r.remember(q)
	return nil
}

// Lookup returns the queue named name or domain.ErrQueueNotFound.
func (r *Registry) Lookup(ctx context.Context, name string) (*domain.Queue, error) {
	r.mu.RLock()
	q, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		return q, nil
	}

	q, err := r.store.GetQueue(ctx, name)
	if err != nil {
		return nil, err
	}
	r.remember(q)
	return q, nil
}

func (r *Registry) List(ctx context.Context) ([]*domain.Queue, error) {
	return r.store.ListQueues(ctx)
}

func (r *Registry) remember(q *domain.Queue) {
	cp := *q
	r.mu.Lock()
	r.cache[q.Name] = &cp
	r.mu.Unlock()
}
