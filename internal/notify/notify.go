// Package notify wakes idle lease loops when a job is sent, so workers do
// not have to wait out a full poll interval. Notifications are hints only:
// a lost one costs latency, never a job, because workers still poll.
package notify

import (
	"context"
	"sync"
	"time"
)

type Notifier interface {
	// Notify signals that queue may have ready work.
	Notify(ctx context.Context, queue string) error
	// Wait blocks until queue is notified, timeout elapses or ctx is done.
	// It reports whether a notification arrived.
	Wait(ctx context.Context, queue string, timeout time.Duration) (bool, error)
	Close() error
}

// Local delivers notifications within one process.
type Local struct {
	mu sync.Mutex
	ch map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{ch: make(map[string]chan struct{})}
}

func (l *Local) channel(queue string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.ch[queue]
	if !ok {
		c = make(chan struct{}, 1)
		l.ch[queue] = c
	}
	return c
}

func (l *Local) Notify(_ context.Context, queue string) error {
	select {
	case l.channel(queue) <- struct{}{}:
	default:
	}
	return nil
}

func (l *Local) Wait(ctx context.Context, queue string, timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-l.channel(queue):
		return true, nil
	case <-t.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (l *Local) Close() error { return nil }

// Nop never notifies; waiting simply sleeps for the timeout.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

func (Nop) Wait(ctx context.Context, _ string, timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-t.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (Nop) Close() error { return nil }
