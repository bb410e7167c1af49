// Package audit emits structured facts about domain state transitions.
// Delivery and retention are the sink's concern; engines only record.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one structured fact about a state transition.
type Event struct {
	ID      string         `json:"id"`
	At      time.Time      `json:"at"`
	Name    string         `json:"name"`
	ActorID string         `json:"actor_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// NewEvent stamps a fact with a fresh id and the supplied instant.
func NewEvent(at time.Time, name, actorID string, details map[string]any) Event {
	return Event{
		ID:      uuid.NewString(),
		At:      at,
		Name:    name,
		ActorID: actorID,
		Details: details,
	}
}

// NopSink discards every event. Used when auditing is not configured.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(context.Context, Event) error { return nil }
