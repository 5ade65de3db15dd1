package domain

import (
	"bytes"
	"encoding/json"
	"reflect"
	"time"
)

// Schedule is a recurring job definition. Key is unique within Queue only.
type Schedule struct {
	Queue       string          `json:"queue"`
	Key         string          `json:"key"`
	Cron        string          `json:"cron"`
	Timezone    string          `json:"timezone"`
	Payload     json.RawMessage `json:"payload"`
	Enabled     bool            `json:"enabled"`
	LastFiredAt *time.Time      `json:"last_fired_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SameDefinition reports whether s and o would fire identically.
// Bookkeeping fields are ignored.
func (s *Schedule) SameDefinition(o *Schedule) bool {
	return s.Queue == o.Queue &&
		s.Key == o.Key &&
		s.Cron == o.Cron &&
		s.Timezone == o.Timezone &&
		s.Enabled == o.Enabled &&
		SamePayload(s.Payload, o.Payload)
}

// SamePayload compares two JSON documents by value, so key order and
// whitespace do not matter. Invalid JSON falls back to a byte comparison.
func SamePayload(a, b json.RawMessage) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return bytes.Equal(a, b)
	}
	return reflect.DeepEqual(va, vb)
}

type ScheduleChange int

const (
	ScheduleCreated ScheduleChange = iota + 1
	ScheduleReplaced
	ScheduleUnchanged
)

func (c ScheduleChange) String() string {
	switch c {
	case ScheduleCreated:
		return "created"
	case ScheduleReplaced:
		return "replaced"
	case ScheduleUnchanged:
		return "unchanged"
	}
	return "unknown"
}

// ScheduleSlot identifies one firing minute of a schedule. A job inserted
// with a slot marks that minute fired in the same storage transition. The
// schedule must be enabled and last written before Minute, and when
// Version is set its UpdatedAt must still equal Version, so a definition
// replaced after it was read never fires.
type ScheduleSlot struct {
	Queue   string
	Key     string
	Minute  time.Time
	Version time.Time
}
