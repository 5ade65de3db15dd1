// Package backoff computes retry delays. Strategies are stateless and safe
// for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/SirClappington/cronq/internal/domain"
)

// Strategy returns the delay before retry number attempt (1-indexed: 1 is
// the first retry after the first failure).
type Strategy interface {
	Delay(attempt int) time.Duration
}

type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration { return c.Interval }

// Exponential doubles the delay each attempt, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	return time.Duration(capped(e.Initial, e.Max, attempt))
}

// ExponentialJitter is Exponential with full jitter: the delay is uniform in
// [0, min(Initial*2^(attempt-1), Max)].
type ExponentialJitter struct {
	Initial time.Duration
	Max     time.Duration
}

func (e ExponentialJitter) Delay(attempt int) time.Duration {
	return time.Duration(rand.Float64() * capped(e.Initial, e.Max, attempt)) //nolint:gosec // jitter only
}

func capped(initial, maxDelay time.Duration, attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return d
}

// ForPolicy maps a queue retry policy to a strategy. A zero InitialDelay
// retries immediately.
func ForPolicy(p domain.RetryPolicy) Strategy {
	switch {
	case p.InitialDelay <= 0:
		return Constant{}
	case p.Jitter:
		return ExponentialJitter{Initial: p.InitialDelay, Max: p.MaxDelay}
	default:
		return Exponential{Initial: p.InitialDelay, Max: p.MaxDelay}
	}
}
