// Package deadletter parks change events that could not be projected so an
// operator can inspect and replay them.
package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealsync/pkg/bus"
	"github.com/surrealdb/surrealsync/pkg/syncerr"
)

// ErrNotFound is returned for an unknown entry ID.
var ErrNotFound = fmt.Errorf("dead letter: %w", syncerr.ErrNotFound)

// Entry is one parked event.
type Entry struct {
	ID       uuid.UUID       `json:"id"`
	Event    bus.ChangeEvent `json:"event"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
	FailedAt time.Time       `json:"failed_at"`
}

// NewEntry builds an entry for ev with a fresh ID.
func NewEntry(ev bus.ChangeEvent, cause error, attempts int) Entry {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return Entry{
		ID:       uuid.New(),
		Event:    ev,
		Error:    msg,
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}
}

// Sink stores dead letters.
type Sink interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, id uuid.UUID) (Entry, error)
	// List returns up to limit entries, oldest first. A limit of zero or less
	// returns every entry.
	List(ctx context.Context, limit int) ([]Entry, error)
	Remove(ctx context.Context, id uuid.UUID) error
	Close() error
}

// Replay republishes the entry and removes it from the sink. The entry stays
// parked if publishing fails.
func Replay(ctx context.Context, sink Sink, pub bus.Publisher, id uuid.UUID) (Entry, error) {
	e, err := sink.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	ev := e.Event
	ev.OccurredAt = time.Now().UTC()
	if err := pub.Publish(ctx, ev); err != nil {
		return Entry{}, fmt.Errorf("replay %s: %w", id, err)
	}
	if err := sink.Remove(ctx, id); err != nil {
		return Entry{}, fmt.Errorf("replay %s: %w", id, err)
	}
	return e, nil
}
