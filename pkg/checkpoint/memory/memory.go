// Package memory is an in-process checkpoint store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/surrealdb/surrealsync/pkg/checkpoint"
	"github.com/surrealdb/surrealsync/pkg/record"
)

var _ checkpoint.Store = (*Store)(nil)

type Store struct {
	mu  sync.Mutex
	cps map[string]checkpoint.Checkpoint
}

func New() *Store {
	return &Store{cps: make(map[string]checkpoint.Checkpoint)}
}

func (s *Store) Get(_ context.Context, entity string) (checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[entity]
	if !ok {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	return cp, nil
}

func (s *Store) Save(_ context.Context, cp checkpoint.Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	cp.LastKey = record.NormalizeKey(cp.LastKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cps[cp.Entity] = cp
	return nil
}

func (s *Store) Clear(_ context.Context, entity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cps, entity)
	return nil
}

func (s *Store) List(context.Context) ([]checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]checkpoint.Checkpoint, 0, len(s.cps))
	for _, cp := range s.cps {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out, nil
}

func (s *Store) Close() error { return nil }
