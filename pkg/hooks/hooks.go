// Package hooks dispatches committed relational changes to subscribers.
//
// Writers call [Registry.Emit] after a transaction commits. Subscribers run in
// registration order; a failing subscriber is logged and never fails the
// write that triggered it, and never stops the subscribers after it.
package hooks

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/surrealdb/surrealsync/pkg/bus"
)

// AnyEntity subscribes to every entity.
const AnyEntity = "*"

// Subscriber reacts to one committed change.
type Subscriber func(ctx context.Context, ev bus.ChangeEvent) error

type subscription struct {
	entity string
	name   string
	fn     Subscriber
}

// Registry holds subscribers per operation.
type Registry struct {
	log zerolog.Logger

	mu   sync.RWMutex
	subs map[bus.Operation][]subscription
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:  log.With().Str("component", "hooks").Logger(),
		subs: make(map[bus.Operation][]subscription),
	}
}

// Subscribe adds fn for op on entity, or on every entity when entity is
// AnyEntity. name identifies the subscriber in logs.
func (r *Registry) Subscribe(op bus.Operation, entity, name string, fn Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[op] = append(r.subs[op], subscription{entity: entity, name: name, fn: fn})
}

// SubscribeAll adds fn for every operation.
func (r *Registry) SubscribeAll(entity, name string, fn Subscriber) {
	for _, op := range []bus.Operation{bus.OperationCreate, bus.OperationUpdate, bus.OperationDelete} {
		r.Subscribe(op, entity, name, fn)
	}
}

// Emit runs the matching subscribers and reports how many failed.
func (r *Registry) Emit(ctx context.Context, ev bus.ChangeEvent) int {
	r.mu.RLock()
	subs := r.subs[ev.Operation]
	r.mu.RUnlock()

	failed := 0
	for _, s := range subs {
		if s.entity != AnyEntity && s.entity != ev.Entity {
			continue
		}
		if err := r.call(ctx, s, ev); err != nil {
			failed++
			r.log.Error().
				Err(err).
				Str("subscriber", s.name).
				Str("entity", ev.Entity).
				Interface("id", ev.RecordID).
				Str("operation", string(ev.Operation)).
				Msg("Change subscriber failed")
		}
	}
	return failed
}

func (r *Registry) call(ctx context.Context, s subscription, ev bus.ChangeEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return s.fn(ctx, ev)
}

// Publish forwards changes to a bus.
func Publish(p bus.Publisher) Subscriber {
	return func(ctx context.Context, ev bus.ChangeEvent) error {
		return p.Publish(ctx, ev)
	}
}
