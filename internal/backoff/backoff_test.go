package backoff_test

import (
	"testing"
	"time"

	"github.com/SirClappington/cronq/internal/backoff"
	"github.com/SirClappington/cronq/internal/domain"
)

func TestExponential(t *testing.T) {
	b := backoff.Exponential{Initial: time.Second, Max: 10 * time.Second}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestExponential_ZeroAttemptTreatedAsFirst(t *testing.T) {
	b := backoff.Exponential{Initial: time.Second}
	if got := b.Delay(0); got != time.Second {
		t.Errorf("Delay(0) = %v, want 1s", got)
	}
}

func TestExponentialJitter_Bounds(t *testing.T) {
	b := backoff.ExponentialJitter{Initial: 100 * time.Millisecond, Max: time.Second}

	for attempt := 1; attempt <= 8; attempt++ {
		upper := (backoff.Exponential{Initial: b.Initial, Max: b.Max}).Delay(attempt)
		for range 50 {
			d := b.Delay(attempt)
			if d < 0 || d > upper {
				t.Fatalf("Delay(%d) = %v, want within [0, %v]", attempt, d, upper)
			}
		}
	}
}

func TestForPolicy(t *testing.T) {
	if _, ok := backoff.ForPolicy(domain.RetryPolicy{}).(backoff.Constant); !ok {
		t.Error("zero policy should retry immediately with Constant")
	}
	if _, ok := backoff.ForPolicy(domain.RetryPolicy{InitialDelay: time.Second}).(backoff.Exponential); !ok {
		t.Error("policy without jitter should be Exponential")
	}
	if _, ok := backoff.ForPolicy(domain.DefaultRetryPolicy()).(backoff.ExponentialJitter); !ok {
		t.Error("default policy should be ExponentialJitter")
	}
}
