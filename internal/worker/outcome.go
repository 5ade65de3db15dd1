package worker

import (
	"context"

	"github.com/pkg/errors"

	"github.com/SirClappington/cronq/internal/domain"
)

// Handler processes a leased batch. Returning nil completes every job in
// the batch; any error fails all of them. Wrap the error with Permanent to
// skip the remaining attempts.
//
// ctx is cancelled shortly before the lease expires and on forced
// shutdown. A handler that ignores it is abandoned, not stopped: the batch
// is resolved as timed out and may be leased and run again while the first
// invocation is still going.
type Handler func(ctx context.Context, jobs []*domain.Job) error

// Outcome is how a handler result resolves the batch.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRetry
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRetry:
		return "retry"
	case OutcomeFatal:
		return "fatal"
	}
	return "unknown"
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The job fails terminally
// regardless of the attempts left.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Classify maps a handler result to an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var p *permanentError
	if errors.As(err, &p) {
		return OutcomeFatal
	}
	return OutcomeRetry
}
