// Package history exports update progress events to external stores.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/relswap/internal/status"
)

// EventType defines the kind of update event.
type EventType string

const (
	EventStep   EventType = "step"   // intermediate progress
	EventDone   EventType = "done"   // update completed
	EventFailed EventType = "failed" // update ended in error
)

// TypeOf classifies a status step.
func TypeOf(step status.Step) EventType {
	switch step {
	case status.StepDone:
		return EventDone
	case status.StepError:
		return EventFailed
	default:
		return EventStep
	}
}

// Event is one recorded status transition.
type Event struct {
	Type       EventType     `json:"type"`
	OccurredAt time.Time     `json:"occurred_at"`
	Record     status.Record `json:"record"`
}

// NewEvent builds the event for rec, using its UpdatedAt as occurrence time.
func NewEvent(rec status.Record) Event {
	at := rec.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Event{Type: TypeOf(rec.Step), OccurredAt: at.UTC(), Record: rec}
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader lists the most recent events, newest first.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Fanout sends each event to every sink and joins the errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
