package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/usagetrail/internal/events"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// EventSource is the read side of the event log used by projections. Results
// are ordered by timestamp, ties by ID.
type EventSource interface {
	// EventsInRange returns the events with startMillis <= ts < endExclusiveMillis.
	EventsInRange(ctx context.Context, startMillis, endExclusiveMillis int64) ([]events.TimelineEvent, error)
	// EventsBefore returns every event with ts < beforeMillis. These seed
	// the state of a projection window.
	EventsBefore(ctx context.Context, beforeMillis int64) ([]events.TimelineEvent, error)
}

// EventStore is the append-only timeline event log.
type EventStore interface {
	EventSource

	// Append persists an event and returns it with its assigned ID. IDs are
	// positive and strictly increasing.
	Append(ctx context.Context, ev events.TimelineEvent) (events.TimelineEvent, error)
	// Event returns one event by ID or ErrNotFound.
	Event(ctx context.Context, id int64) (events.TimelineEvent, error)
	// EventsAfterID returns up to limit events with ID > afterID in insertion
	// order. A limit <= 0 means no limit.
	EventsAfterID(ctx context.Context, afterID int64, limit int) ([]events.TimelineEvent, error)
	// DeleteBefore removes every event with ts < beforeMillis.
	DeleteBefore(ctx context.Context, beforeMillis int64) (int, error)
	Close() error
}

// ValidateForAppend checks that an event can be appended.
func ValidateForAppend(ev events.TimelineEvent) error {
	if ev.Payload == nil {
		return fmt.Errorf("append event: missing payload")
	}
	if ev.ID != 0 {
		return fmt.Errorf("append event: already persisted with id %d", ev.ID)
	}
	return nil
}
