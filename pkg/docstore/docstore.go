// Package docstore defines the contract of the document store that receives
// projected documents.
//
// Every write is keyed by the root record's primary key and replaces the whole
// document, so applying the same document once or many times leaves the store
// in the same state.
package docstore

import (
	"context"
	"fmt"
	"iter"

	"github.com/surrealdb/surrealsync/pkg/record"
)

// DefaultScanBatch is the page size used by Scan when none is given.
const DefaultScanBatch = 500

// Store is the document store DAO.
type Store interface {
	// Upsert replaces the document at key, inserting it if absent. Fields
	// not present in doc are removed from the stored document.
	Upsert(ctx context.Context, collection string, key any, doc record.Document) error

	// Delete removes the document at key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, collection string, key any) error

	// BatchInsert upserts docs, each keyed by its id field. It is not atomic:
	// items that fail are reported individually and the others are applied.
	// The returned error is non-nil only if the batch could not be attempted.
	BatchInsert(ctx context.Context, collection string, docs []record.Document) ([]ItemError, error)

	// Get returns the document at key, or an error wrapping
	// syncerr.ErrNotFound.
	Get(ctx context.Context, collection string, key any) (record.Document, error)

	// Scan lazily yields every document in key order, fetching batch
	// documents at a time. Iteration stops at the first error. Breaking out
	// and calling Scan again restarts from the beginning.
	Scan(ctx context.Context, collection string, batch int) iter.Seq2[record.Document, error]

	Close() error
}

// ItemError reports one failed item of a BatchInsert.
type ItemError struct {
	Index int
	Key   any
	Err   error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("item %d (key %v): %v", e.Index, e.Key, e.Err)
}

func (e ItemError) Unwrap() error {
	return e.Err
}
