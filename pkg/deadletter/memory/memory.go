// Package memory is an in-process dead letter sink.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealsync/pkg/deadletter"
)

var _ deadletter.Sink = (*Sink)(nil)

type Sink struct {
	mu      sync.Mutex
	entries []deadletter.Entry
}

func New() *Sink {
	return &Sink{}
}

func (s *Sink) Put(_ context.Context, e deadletter.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *Sink) Get(_ context.Context, id uuid.UUID) (deadletter.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return deadletter.Entry{}, deadletter.ErrNotFound
}

func (s *Sink) List(_ context.Context, limit int) ([]deadletter.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]deadletter.Entry, n)
	copy(out, s.entries)
	return out, nil
}

func (s *Sink) Remove(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Sink) Close() error { return nil }
