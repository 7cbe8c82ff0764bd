// Package changetracking runs the bus on a relational outbox table.
//
// Writers record a [Change] row in the same transaction as their mutation.
// Subscribers poll unprocessed rows in changed_at order and lease the rows
// they take, so concurrent pollers never receive the same row while it is
// being worked on. Ack marks a row processed; Nack records the error, bumps
// its retry count and makes it visible again after RetryDelay.
package changetracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/surrealdb/surrealsync/pkg/bus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ bus.Publisher = (*Source)(nil)

// Options tunes polling.
type Options struct {
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
	RetryDelay   time.Duration
}

// DefaultOptions returns the polling defaults.
func DefaultOptions() Options {
	return Options{
		PollInterval: time.Second,
		BatchSize:    100,
		Lease:        5 * time.Minute,
		RetryDelay:   5 * time.Second,
	}
}

// Source publishes to and subscribes from the change tracking table.
type Source struct {
	db   *gorm.DB
	opts Options
	log  zerolog.Logger
}

// New creates a Source. Zero option fields take their defaults.
func New(db *gorm.DB, opts Options, log zerolog.Logger) *Source {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.Lease <= 0 {
		opts.Lease = def.Lease
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	return &Source{
		db:   db,
		opts: opts,
		log:  log.With().Str("component", "changetracking").Logger(),
	}
}

// AutoMigrate creates or updates the change tracking table.
func (s *Source) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Change{}); err != nil {
		return fmt.Errorf("failed to migrate change tracking table: %w", err)
	}
	return nil
}

// Publish records ev in its own transaction.
func (s *Source) Publish(ctx context.Context, ev bus.ChangeEvent) error {
	return PublishTx(s.db.WithContext(ctx), ev)
}

// PublishTx records ev through tx. Call it inside the transaction that
// performs the mutation.
func PublishTx(tx *gorm.DB, ev bus.ChangeEvent) error {
	change, err := fromEvent(ev)
	if err != nil {
		return err
	}
	if err := tx.Create(change).Error; err != nil {
		return fmt.Errorf("failed to record change %s: %w", ev, err)
	}
	return nil
}

// lease claims up to limit visible rows.
func (s *Source) lease(ctx context.Context, limit int) ([]Change, error) {
	now := time.Now().UTC()
	var rows []Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("processed_at IS NULL AND (leased_until IS NULL OR leased_until < ?)", now).
			Order("changed_at ASC, id ASC").
			Limit(limit).
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Model(&Change{}).
			Where("id IN ?", changeIDs(rows)).
			Update("leased_until", now.Add(s.opts.Lease)).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to lease changes: %w", err)
	}
	return rows, nil
}

func (s *Source) markProcessed(ctx context.Context, id uint64) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&Change{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed_at":  &now,
			"error_message": "",
			"leased_until":  nil,
		}).Error
}

func (s *Source) markError(ctx context.Context, id uint64, cause error) error {
	msg := "nack"
	if cause != nil {
		msg = cause.Error()
	}
	visible := time.Now().UTC().Add(s.opts.RetryDelay)
	return s.db.WithContext(ctx).
		Model(&Change{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"error_message": msg,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"leased_until":  visible,
		}).Error
}

// discard settles a row without delivering it, keeping the error for
// inspection.
func (s *Source) discard(ctx context.Context, id uint64, cause error) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&Change{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed_at":  &now,
			"error_message": cause.Error(),
			"leased_until":  nil,
		}).Error
}

// release hands leased rows back to other pollers.
func (s *Source) release(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Model(&Change{}).
		Where("id IN ? AND processed_at IS NULL", ids).
		Update("leased_until", nil).Error
	if err != nil {
		return fmt.Errorf("failed to release %d leased changes: %w", len(ids), err)
	}
	return nil
}

// Subscribe returns a polling subscription.
func (s *Source) Subscribe() bus.Subscription {
	return &subscription{src: s, done: make(chan struct{})}
}

const releaseTimeout = 5 * time.Second

type subscription struct {
	src       *Source
	mu        sync.Mutex
	buf       []Change
	done      chan struct{}
	closeOnce sync.Once
}

// Close stops the subscription and releases the leases of rows it took but
// never delivered.
func (sub *subscription) Close() error {
	var ids []uint64
	sub.closeOnce.Do(func() {
		sub.mu.Lock()
		ids = changeIDs(sub.buf)
		sub.buf = nil
		close(sub.done)
		sub.mu.Unlock()
	})
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	return sub.src.release(ctx, ids)
}

func changeIDs(rows []Change) []uint64 {
	ids := make([]uint64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}

func (sub *subscription) pop() (Change, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.buf) == 0 {
		return Change{}, false
	}
	row := sub.buf[0]
	sub.buf = sub.buf[1:]
	return row, true
}

// fill buffers rows unless the subscription closed meanwhile.
func (sub *subscription) fill(rows []Change) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	select {
	case <-sub.done:
		return false
	default:
	}
	sub.buf = rows
	return true
}

// Receive is not safe for concurrent use; open one subscription per consumer
// goroutine. Close may be called from any goroutine.
func (sub *subscription) Receive(ctx context.Context) (*bus.Delivery, error) {
	for {
		select {
		case <-sub.done:
			return nil, bus.ErrClosed
		default:
		}

		if row, ok := sub.pop(); ok {
			ev, err := row.Event()
			if err != nil {
				// Unreadable rows would be redelivered forever.
				sub.src.log.Error().Err(err).Uint64("change_id", row.ID).Msg("Discarding malformed change")
				if err := sub.src.discard(ctx, row.ID, err); err != nil {
					return nil, err
				}
				continue
			}
			return sub.delivery(row, ev), nil
		}

		rows, err := sub.src.lease(ctx, sub.src.opts.BatchSize)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if len(rows) > 0 {
			if !sub.fill(rows) {
				if err := sub.src.release(context.WithoutCancel(ctx), changeIDs(rows)); err != nil {
					sub.src.log.Warn().Err(err).Msg("Failed to release leased changes")
				}
				return nil, bus.ErrClosed
			}
			continue
		}

		timer := time.NewTimer(sub.src.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-sub.done:
			timer.Stop()
			return nil, bus.ErrClosed
		case <-timer.C:
		}
	}
}

func (sub *subscription) delivery(row Change, ev bus.ChangeEvent) *bus.Delivery {
	id := row.ID
	return bus.NewDelivery(ev, row.RetryCount+1,
		func(ctx context.Context) error {
			if err := sub.src.markProcessed(ctx, id); err != nil {
				return fmt.Errorf("failed to ack change %d: %w", id, err)
			}
			return nil
		},
		func(ctx context.Context, cause error) error {
			if err := sub.src.markError(ctx, id, cause); err != nil {
				return fmt.Errorf("failed to nack change %d: %w", id, err)
			}
			return nil
		},
	)
}

// Stats provides statistics about the change tracking table
type Stats struct {
	TotalChanges      int64      `json:"total_changes"`
	ProcessedChanges  int64      `json:"processed_changes"`
	PendingChanges    int64      `json:"pending_changes"`
	FailedChanges     int64      `json:"failed_changes"`
	OldestPendingTime *time.Time `json:"oldest_pending_time,omitempty"`
}

// Stats returns statistics about pending changes.
func (s *Source) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	db := s.db.WithContext(ctx)

	if err := db.Model(&Change{}).Count(&stats.TotalChanges).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Change{}).
		Where("processed_at IS NOT NULL AND error_message = ''").
		Count(&stats.ProcessedChanges).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Change{}).
		Where("processed_at IS NULL").
		Count(&stats.PendingChanges).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Change{}).
		Where("error_message != ''").
		Count(&stats.FailedChanges).Error; err != nil {
		return nil, err
	}

	var oldest Change
	err := db.Model(&Change{}).
		Where("processed_at IS NULL").
		Order("changed_at ASC").
		First(&oldest).Error
	switch {
	case err == nil:
		stats.OldestPendingTime = &oldest.ChangedAt
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}
	return stats, nil
}

// Purge removes successfully processed changes older than before. Discarded
// rows keep their error for inspection and are not purged.
func (s *Source) Purge(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("processed_at IS NOT NULL AND processed_at < ? AND error_message = ''", before).
		Delete(&Change{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge changes: %w", res.Error)
	}
	return res.RowsAffected, nil
}
