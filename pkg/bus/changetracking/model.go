package changetracking

import (
	"strconv"
	"time"

	"github.com/surrealdb/surrealsync/pkg/bus"
	"github.com/surrealdb/surrealsync/pkg/record"
)

// Change is a row of the change tracking table.
//
// A row is written in the same transaction as the relational mutation it
// describes, so a committed change is never lost. Rows are claimed by a poller
// through LeasedUntil and settled through ProcessedAt or ErrorMessage.
type Change struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	EntityType string `gorm:"not null;index:idx_entity_timestamp" json:"entity_type"`
	EntityID   string `gorm:"not null;index:idx_entity_timestamp" json:"entity_id"`
	// EntityKey is the CBOR encoded primary key. Rows written by database
	// triggers may leave it empty; EntityID is parsed instead.
	EntityKey    []byte        `json:"-"`
	Operation    bus.Operation `gorm:"not null" json:"operation"`
	ChangedAt    time.Time     `gorm:"not null;index:idx_entity_timestamp" json:"changed_at"`
	ProcessedAt  *time.Time    `gorm:"index" json:"processed_at,omitempty"`
	LeasedUntil  *time.Time    `gorm:"index" json:"leased_until,omitempty"`
	ErrorMessage string        `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount   int           `gorm:"default:0" json:"retry_count"`
}

// TableName returns the table name for the change tracking model
func (Change) TableName() string {
	return "change_tracking"
}

// IsProcessed returns true if the change has been successfully processed
func (c *Change) IsProcessed() bool {
	return c.ProcessedAt != nil && c.ErrorMessage == ""
}

func fromEvent(ev bus.ChangeEvent) (*Change, error) {
	key, err := record.MarshalKey(ev.RecordID)
	if err != nil {
		return nil, err
	}
	changedAt := ev.OccurredAt
	if changedAt.IsZero() {
		changedAt = time.Now()
	}
	return &Change{
		EntityType: ev.Entity,
		EntityID:   entityID(ev.RecordID),
		EntityKey:  key,
		Operation:  ev.Operation,
		ChangedAt:  changedAt.UTC(),
	}, nil
}

func entityID(key any) string {
	switch k := record.NormalizeKey(key).(type) {
	case int64:
		return strconv.FormatInt(k, 10)
	case string:
		return k
	default:
		return record.KeyString(k)
	}
}

// Event converts the row back into a change event.
func (c *Change) Event() (bus.ChangeEvent, error) {
	var key any
	if len(c.EntityKey) > 0 {
		k, err := record.UnmarshalKey(c.EntityKey)
		if err != nil {
			return bus.ChangeEvent{}, err
		}
		key = k
	} else if n, err := strconv.ParseInt(c.EntityID, 10, 64); err == nil {
		key = n
	} else {
		key = c.EntityID
	}
	op, err := bus.ParseOperation(string(c.Operation))
	if err != nil {
		return bus.ChangeEvent{}, err
	}
	return bus.ChangeEvent{
		Entity:     c.EntityType,
		RecordID:   key,
		Operation:  op,
		OccurredAt: c.ChangedAt.UTC(),
	}, nil
}
