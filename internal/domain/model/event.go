// Package model contains domain models passed between layers.
package model

import (
	"fmt"
	"time"
)

// EventType identifies what kind of entity changed.
type EventType string

// Mutation event types.
const (
	EventUserChanged EventType = "user_changed"
	EventJobChanged  EventType = "job_changed"
)

// Event is a mutation notification delivered at least once by the
// entity stores.
type Event struct {
	EventID  string    // unique id used for redelivery detection
	Type     EventType // user_changed or job_changed
	EntityID string    // id of the changed user or job posting
	TS       time.Time
}

// Scope returns the incremental recompute scope the event asks for.
func (e Event) Scope() (Scope, error) {
	if e.EntityID == "" {
		return Scope{}, fmt.Errorf("%w: empty entity id", ErrInvalidScope)
	}
	switch e.Type {
	case EventUserChanged:
		return UserScope(e.EntityID), nil
	case EventJobChanged:
		return JobScope(e.EntityID), nil
	default:
		return Scope{}, fmt.Errorf("%w: unknown event type %q", ErrInvalidScope, e.Type)
	}
}
