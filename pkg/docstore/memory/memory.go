// Package memory is an in-memory [docstore.Store] used by tests.
package memory

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/surrealdb/surrealsync/pkg/docstore"
	"github.com/surrealdb/surrealsync/pkg/record"
	"github.com/surrealdb/surrealsync/pkg/syncerr"
)

var _ docstore.Store = (*Store)(nil)

// Store keeps documents per collection. Documents are deep-copied on the way
// in and out.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]record.Document

	// Fail, if set, is consulted before every write. A non-nil return fails
	// the write (or the item, for BatchInsert).
	Fail func(op, collection string, key any) error
}

// New creates an empty store.
func New() *Store {
	return &Store{collections: make(map[string]map[string]record.Document)}
}

func (s *Store) fail(op, collection string, key any) error {
	if s.Fail == nil {
		return nil
	}
	return s.Fail(op, collection, key)
}

func (s *Store) put(collection string, key any, doc record.Document) {
	c, ok := s.collections[collection]
	if !ok {
		c = make(map[string]record.Document)
		s.collections[collection] = c
	}
	stored := doc.Clone()
	if stored == nil {
		stored = record.Document{}
	}
	if _, ok := stored[record.IDField]; !ok {
		stored[record.IDField] = key
	}
	c[record.KeyString(key)] = stored
}

// Upsert implements docstore.Store.
func (s *Store) Upsert(ctx context.Context, collection string, key any, doc record.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fail("upsert", collection, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(collection, key, doc)
	return nil
}

// Delete implements docstore.Store.
func (s *Store) Delete(ctx context.Context, collection string, key any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fail("delete", collection, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections[collection], record.KeyString(key))
	return nil
}

// BatchInsert implements docstore.Store.
func (s *Store) BatchInsert(ctx context.Context, collection string, docs []record.Document) ([]docstore.ItemError, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var failed []docstore.ItemError
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, doc := range docs {
		key := doc[record.IDField]
		if key == nil {
			failed = append(failed, docstore.ItemError{Index: i, Err: syncerr.Permanent("batch insert", fmt.Errorf("document has no %s", record.IDField))})
			continue
		}
		if err := s.fail("batch", collection, key); err != nil {
			failed = append(failed, docstore.ItemError{Index: i, Key: key, Err: err})
			continue
		}
		s.put(collection, key, doc)
	}
	return failed, nil
}

// Get implements docstore.Store.
func (s *Store) Get(ctx context.Context, collection string, key any) (record.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.collections[collection][record.KeyString(key)]
	if !ok {
		return nil, fmt.Errorf("%s %v: %w", collection, key, syncerr.ErrNotFound)
	}
	return doc.Clone(), nil
}

// Scan implements docstore.Store.
func (s *Store) Scan(ctx context.Context, collection string, batch int) iter.Seq2[record.Document, error] {
	return func(yield func(record.Document, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		for _, doc := range s.Snapshot(collection) {
			if !yield(doc, nil) {
				return
			}
		}
	}
}

// Snapshot returns copies of every document in collection in key order.
func (s *Store) Snapshot(collection string) []record.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]record.Document, 0, len(s.collections[collection]))
	for _, doc := range s.collections[collection] {
		out = append(out, doc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return record.CompareKeys(out[i][record.IDField], out[j][record.IDField]) < 0
	})
	return out
}

// Len returns the number of documents in collection.
func (s *Store) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

// Close implements docstore.Store.
func (s *Store) Close() error {
	return nil
}
