package domain

import (
	"encoding/json"
	"time"
)

type JobState string

const (
	Created   JobState = "created"
	Active    JobState = "active"
	Completed JobState = "completed"
	Failed    JobState = "failed"
	RetryWait JobState = "retry-wait"
)

type Job struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Payload        json.RawMessage `json:"payload"`
	State          JobState        `json:"state"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	StartAfter     time.Time       `json:"start_after"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	LeasedBy       string          `json:"leased_by,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	ScheduleKey    string          `json:"schedule_key,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return ErrInvalidPayload
	}
	return json.Unmarshal(j.Payload, v)
}
