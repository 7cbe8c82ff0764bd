package syncworker

import (
	"sync"

	"github.com/surrealdb/surrealsync/pkg/bus"
)

// lanes queues deliveries per key. A lane exists only while it has work
// queued or in progress, and exactly one goroutine drains it.
type lanes struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	queue []*bus.Delivery
}

func newLanes() *lanes {
	return &lanes{lanes: make(map[string]*lane)}
}

// push appends d to key's lane. It reports true when the lane is new and the
// caller must start draining it.
func (l *lanes) push(key string, d *bus.Delivery) (*lane, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ln, ok := l.lanes[key]; ok {
		ln.queue = append(ln.queue, d)
		return ln, false
	}
	ln := &lane{queue: []*bus.Delivery{d}}
	l.lanes[key] = ln
	return ln, true
}

// next pops the head of ln. Once ln is empty it is removed and next reports
// false; the drainer must stop.
func (l *lanes) next(key string, ln *lane) (*bus.Delivery, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(ln.queue) == 0 {
		delete(l.lanes, key)
		return nil, false
	}
	d := ln.queue[0]
	ln.queue[0] = nil
	ln.queue = ln.queue[1:]
	return d, true
}

func (l *lanes) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}
