package domain

import (
	"regexp"
	"time"
)

const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = time.Minute
	DefaultLeaseTimeout = 15 * time.Minute
)

var queueNameRE = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidQueueName reports whether name can identify a queue.
func ValidQueueName(name string) bool { return queueNameRE.MatchString(name) }

// RetryPolicy controls how many times a job runs and how long it waits
// between failed attempts.
type RetryPolicy struct {
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Jitter       bool          `json:"jitter"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Jitter:       true,
	}
}

type Queue struct {
	Name         string        `json:"name"`
	Policy       RetryPolicy   `json:"policy"`
	LeaseTimeout time.Duration `json:"lease_timeout"`
	CreatedAt    time.Time     `json:"created_at"`
}
