// Package relational defines read access to the system of record.
//
// The sync engine never writes to the relational store. It reads single
// records by primary key, related records by column, and pages of records in
// primary key order for backfill. Entity names are table names and field
// names are column names.
package relational

import (
	"context"

	"github.com/surrealdb/surrealsync/pkg/record"
)

// Reader reads records from the relational store.
//
// Implementations return an error wrapping syncerr.ErrNotFound from Get when
// the record does not exist, and classify failures with syncerr.Transient or
// syncerr.Permanent so callers can decide whether to retry.
type Reader interface {
	// Get returns the record of entity whose pk column equals id.
	Get(ctx context.Context, entity, pk string, id any) (record.Record, error)

	// FindBy returns every record of entity whose column equals value,
	// ordered by orderBy ascending.
	FindBy(ctx context.Context, entity, column string, value any, orderBy string) ([]record.Record, error)

	// Page returns up to limit records of entity ordered by pk ascending,
	// starting strictly after the key after. A nil after starts at the
	// beginning.
	Page(ctx context.Context, entity, pk string, after any, limit int) ([]record.Record, error)
}
