// Package memory provides an in-memory [relational.Reader] with a writable
// table API, used by tests and demos to stand in for PostgreSQL.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/surrealdb/surrealsync/pkg/record"
	"github.com/surrealdb/surrealsync/pkg/relational"
	"github.com/surrealdb/surrealsync/pkg/syncerr"
)

var _ relational.Reader = (*Store)(nil)

// Store keeps tables as maps of primary key to record.
type Store struct {
	mu     sync.RWMutex
	pk     map[string]string
	tables map[string]map[string]record.Record

	// FailNext, if set, is consulted before every read. A non-nil return is
	// returned to the caller instead of reading.
	FailNext func(op, entity string) error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		pk:     make(map[string]string),
		tables: make(map[string]map[string]record.Record),
	}
}

// DefineTable sets the primary key column of entity. Tables default to "id".
func (s *Store) DefineTable(entity, pk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pk[entity] = pk
}

func (s *Store) pkOf(entity string) string {
	if pk, ok := s.pk[entity]; ok {
		return pk
	}
	return "id"
}

// Put inserts or replaces a record.
func (s *Store) Put(entity string, r record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[entity]
	if !ok {
		t = make(map[string]record.Record)
		s.tables[entity] = t
	}
	t[record.KeyString(r[s.pkOf(entity)])] = r.Clone()
}

// Remove deletes a record. Removing an absent record is a no-op.
func (s *Store) Remove(entity string, id any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables[entity], record.KeyString(id))
}

// RemoveWhere deletes every record of entity whose column equals value.
func (s *Store) RemoveWhere(entity, column string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range s.tables[entity] {
		if record.CompareKeys(r[column], value) == 0 {
			delete(s.tables[entity], k)
		}
	}
}

func (s *Store) fail(op, entity string) error {
	if s.FailNext == nil {
		return nil
	}
	return s.FailNext(op, entity)
}

// Get implements relational.Reader.
func (s *Store) Get(ctx context.Context, entity, pk string, id any) (record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.fail("get", entity); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if pk == s.pkOf(entity) {
		if r, ok := s.tables[entity][record.KeyString(id)]; ok {
			return r.Clone(), nil
		}
		return nil, fmt.Errorf("%s %v: %w", entity, id, syncerr.ErrNotFound)
	}
	for _, r := range s.tables[entity] {
		if record.CompareKeys(r[pk], id) == 0 {
			return r.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%s %v: %w", entity, id, syncerr.ErrNotFound)
}

// FindBy implements relational.Reader.
func (s *Store) FindBy(ctx context.Context, entity, column string, value any, orderBy string) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.fail("find", entity); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []record.Record
	for _, r := range s.tables[entity] {
		if record.CompareKeys(r[column], value) == 0 {
			out = append(out, r.Clone())
		}
	}
	if orderBy == "" {
		orderBy = s.pkOf(entity)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return record.CompareKeys(out[i][orderBy], out[j][orderBy]) < 0
	})
	return out, nil
}

// Page implements relational.Reader.
func (s *Store) Page(ctx context.Context, entity, pk string, after any, limit int) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.fail("page", entity); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []record.Record
	for _, r := range s.tables[entity] {
		if after == nil || record.CompareKeys(r[pk], after) > 0 {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return record.CompareKeys(out[i][pk], out[j][pk]) < 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i] = out[i].Clone()
	}
	return out, nil
}
