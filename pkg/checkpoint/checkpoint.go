// Package checkpoint persists backfill progress.
//
// A checkpoint records the last primary key a backfill durably wrote for an
// entity. Keys are stored CBOR encoded so that an integer key reads back as an
// integer and a string key as a string.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealsync/pkg/syncerr"
)

// ErrNotFound is returned by Get when no checkpoint exists for an entity.
var ErrNotFound = fmt.Errorf("checkpoint: %w", syncerr.ErrNotFound)

// Checkpoint is the progress of one entity's backfill.
type Checkpoint struct {
	Entity    string    `json:"entity"`
	LastKey   any       `json:"last_key"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes checkpoints. Implementations must be safe for
// concurrent use by one writer per entity.
type Store interface {
	Get(ctx context.Context, entity string) (Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) error
	Clear(ctx context.Context, entity string) error
	List(ctx context.Context) ([]Checkpoint, error)
	Close() error
}
