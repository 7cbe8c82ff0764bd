// Package bus defines change events and the subscription contract the sync
// worker consumes them through.
//
// Delivery is at least once and unordered: the same event may arrive more
// than once, and events for one record may arrive in any order. Consumers
// make this safe by treating an event as a trigger to re-read relational
// truth rather than as data.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/surrealdb/surrealsync/pkg/record"
)

// ErrClosed is returned by Receive after Close.
var ErrClosed = errors.New("subscription closed")

// Operation is the kind of relational mutation.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// ParseOperation accepts an operation name in any case.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToUpper(strings.TrimSpace(s))); op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return op, nil
	}
	return "", fmt.Errorf("unknown change operation %q", s)
}

// ChangeEvent notifies that a root record changed.
type ChangeEvent struct {
	Entity     string    `json:"entity" cbor:"1,keyasint"`
	RecordID   any       `json:"record_id" cbor:"2,keyasint"`
	Operation  Operation `json:"operation" cbor:"3,keyasint"`
	OccurredAt time.Time `json:"occurred_at" cbor:"4,keyasint"`
}

// Key identifies the record an event is about. Events with equal keys must
// not be processed concurrently.
func (e ChangeEvent) Key() string {
	return e.Entity + "/" + record.KeyString(e.RecordID)
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("%s %s %v", e.Operation, e.Entity, e.RecordID)
}

// Delivery is one receipt of an event. Exactly one of Ack or Nack must be
// called; later calls are ignored.
type Delivery struct {
	Event ChangeEvent
	// Attempt counts receipts of this event, starting at 1.
	Attempt int

	once sync.Once
	ack  func(context.Context) error
	nack func(context.Context, error) error
}

// NewDelivery is used by Subscription implementations.
func NewDelivery(ev ChangeEvent, attempt int, ack func(context.Context) error, nack func(context.Context, error) error) *Delivery {
	return &Delivery{Event: ev, Attempt: attempt, ack: ack, nack: nack}
}

// Ack settles the delivery as done.
func (d *Delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		if d.ack != nil {
			err = d.ack(ctx)
		}
	})
	return err
}

// Nack asks for redelivery. cause is recorded by implementations that keep
// an error history.
func (d *Delivery) Nack(ctx context.Context, cause error) error {
	var err error
	d.once.Do(func() {
		if d.nack != nil {
			err = d.nack(ctx, cause)
		}
	})
	return err
}

// Subscription yields deliveries until closed.
type Subscription interface {
	// Receive blocks until a delivery is available, ctx is done or the
	// subscription is closed.
	Receive(ctx context.Context) (*Delivery, error)
	Close() error
}

// Publisher emits change events.
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}
