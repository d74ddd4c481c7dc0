// Package events defines the fact events appended to the world-model event
// log and the light normalization applied before they are stored.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable fact about something that happened.
type Event struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	Source     string          `json:"source"`
	ActorID    string          `json:"actorId,omitempty"`
	TargetID   string          `json:"targetId,omitempty"`
	Domain     string          `json:"domain"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Confidence *float64        `json:"confidence,omitempty"`
	Meta       map[string]any  `json:"meta,omitempty"`
}

const TypeProfileCreated = "PROFILE_CREATED"

var domains = map[string]bool{
	"profile":  true,
	"match":    true,
	"message":  true,
	"feedback": true,
	"safety":   true,
	"system":   true,
}

// Normalize fills defaults on a partial event and rejects unknown domains.
func Normalize(e Event, now time.Time) (Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
	if e.Source == "" {
		e.Source = "system:unknown"
	}
	if e.Domain == "" {
		e.Domain = "system"
	}
	if e.Type == "" {
		e.Type = "UNKNOWN"
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("{}")
	}
	if e.Confidence == nil {
		c := 1.0
		e.Confidence = &c
	}

	meta := make(map[string]any, len(e.Meta)+1)
	for k, v := range e.Meta {
		meta[k] = v
	}
	meta["normalizedAt"] = now.UTC().Format(time.RFC3339Nano)
	e.Meta = meta

	if !domains[e.Domain] {
		return Event{}, fmt.Errorf("invalid dating domain: %s", e.Domain)
	}
	return e, nil
}
