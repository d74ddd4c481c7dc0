package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the directory a job record currently lives in.
type State string

const (
	StateReady      State = "ready"
	StateInProgress State = "in_progress"
	StateScheduled  State = "scheduled"
	StateDone       State = "done"
	StateDead       State = "dead"
)

// States returns every state in lifecycle order.
func States() []State {
	return []State{StateReady, StateInProgress, StateScheduled, StateDone, StateDead}
}

// ParseState validates s against the known states.
func ParseState(s string) (State, error) {
	for _, st := range States() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown state %q (want ready, in_progress, scheduled, done or dead)", s)
}

type Job struct {
	ID           string          `json:"id"`
	Payload      json.RawMessage `json:"payload"`
	Attempts     int             `json:"attempts"`
	CreatedAt    time.Time       `json:"createdAt"`
	ScheduledFor *time.Time      `json:"scheduledFor,omitempty"`
}

// NewJobID returns a UUIDv7 string. The millisecond timestamp sits in the
// leading hex digits, so sorting ids by name approximates creation order.
func NewJobID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return id.String(), nil
}

// RetryPolicy decides what happens to a job after a failed attempt.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Exhausted reports whether a job with the given attempt count is dead.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxRetries
}

// Delay is linear: BaseDelay scaled by the attempt count.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	return p.BaseDelay * time.Duration(attempts)
}
