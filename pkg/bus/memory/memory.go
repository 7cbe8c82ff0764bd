// Package memory is an in-process bus. Subscribers compete for one shared
// queue and a nacked delivery is queued again with its attempt count raised.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/surrealdb/surrealsync/pkg/bus"
)

var _ bus.Publisher = (*Bus)(nil)

type message struct {
	ev      bus.ChangeEvent
	attempt int
}

// Option configures a Bus.
type Option func(*Bus)

// WithRedeliveryDelay delays requeueing a nacked delivery.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(b *Bus) { b.delay = d }
}

// Bus is an in-memory queue of change events.
type Bus struct {
	delay time.Duration

	mu       sync.Mutex
	queue    []message
	inflight int
	delayed  int
	acked    int

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish queues ev.
func (b *Bus) Publish(_ context.Context, ev bus.ChangeEvent) error {
	select {
	case <-b.done:
		return bus.ErrClosed
	default:
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	b.push(message{ev: ev})
	return nil
}

func (b *Bus) push(m message) {
	b.mu.Lock()
	b.queue = append(b.queue, m)
	b.mu.Unlock()
	b.signal()
}

func (b *Bus) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Pending counts events not yet acked: queued, in flight or awaiting
// redelivery.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) + b.inflight + b.delayed
}

// Acked counts settled deliveries.
func (b *Bus) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// Close stops every subscription.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}

// Subscribe returns a new competing consumer.
func (b *Bus) Subscribe() bus.Subscription {
	return &subscription{bus: b, done: make(chan struct{})}
}

type subscription struct {
	bus       *Bus
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *subscription) Receive(ctx context.Context) (*bus.Delivery, error) {
	b := s.bus
	for {
		select {
		case <-s.done:
			return nil, bus.ErrClosed
		case <-b.done:
			return nil, bus.ErrClosed
		default:
		}

		b.mu.Lock()
		if len(b.queue) > 0 {
			m := b.queue[0]
			b.queue = b.queue[1:]
			b.inflight++
			more := len(b.queue) > 0
			b.mu.Unlock()
			if more {
				// Wake the next waiting subscriber.
				b.signal()
			}
			return b.delivery(m), nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, bus.ErrClosed
		case <-b.done:
			return nil, bus.ErrClosed
		case <-b.notify:
		}
	}
}

func (b *Bus) delivery(m message) *bus.Delivery {
	attempt := m.attempt + 1
	return bus.NewDelivery(m.ev, attempt,
		func(context.Context) error {
			b.mu.Lock()
			b.inflight--
			b.acked++
			b.mu.Unlock()
			return nil
		},
		func(context.Context, error) error {
			b.mu.Lock()
			b.inflight--
			b.delayed++
			b.mu.Unlock()

			requeue := func() {
				b.mu.Lock()
				b.delayed--
				b.queue = append(b.queue, message{ev: m.ev, attempt: attempt})
				b.mu.Unlock()
				b.signal()
			}
			if b.delay > 0 {
				time.AfterFunc(b.delay, requeue)
			} else {
				requeue()
			}
			return nil
		},
	)
}
