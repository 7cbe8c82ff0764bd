// Package syncworker keeps the document store in step with relational
// changes.
//
// The worker drains a bus subscription. For each event it re-reads the
// current relational state through the resolver and replaces the whole
// document, so duplicate and out-of-order deliveries converge on relational
// truth. Events for the same record queue behind each other in arrival
// order; events for different records run in parallel up to
// Config.Parallelism.
//
// A change to a linked entity that is not a root is translated into update
// events for the roots embedding it when Config.Fanout is set.
package syncworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/surrealdb/surrealsync/pkg/bus"
	"github.com/surrealdb/surrealsync/pkg/deadletter"
	"github.com/surrealdb/surrealsync/pkg/docstore"
	"github.com/surrealdb/surrealsync/pkg/links"
	"github.com/surrealdb/surrealsync/pkg/record"
	"github.com/surrealdb/surrealsync/pkg/resolver"
	"github.com/surrealdb/surrealsync/pkg/retry"
	"github.com/surrealdb/surrealsync/pkg/syncerr"
	"golang.org/x/sync/semaphore"
)

// Config tunes the worker. Zero fields take their defaults.
type Config struct {
	// Parallelism bounds the number of events processed at once. Events
	// waiting behind another event for the same record do not count.
	Parallelism int
	// Backlog bounds the events taken from the subscription but not yet
	// settled. It defaults to 16 times Parallelism.
	Backlog int
	// MaxAttempts is the delivery attempt at which a failing event is
	// dead-lettered instead of retried.
	MaxAttempts int
	// OpTimeout bounds one resolve and write. It starts when the event
	// reaches the head of its record's queue.
	OpTimeout time.Duration
	// ReceiveRetry paces retries of a failing subscription. Once it stops
	// granting retries the last delay is reused and failures are logged at
	// error level; Run keeps going.
	ReceiveRetry retry.Retryer
	// Fanout, when set, receives an update event for every root record
	// embedding a changed non-root record. Without it such changes are
	// ignored.
	Fanout bus.Publisher
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		Parallelism:  8,
		MaxAttempts:  5,
		OpTimeout:    30 * time.Second,
		ReceiveRetry: retry.NewExponentialBackoffRetryer(),
	}
}

// Stats are cumulative counters.
type Stats struct {
	Processed    int64 `json:"processed"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
	Ignored      int64 `json:"ignored"`
	FannedOut    int64 `json:"fanned_out"`
}

// Worker applies change events to the document store.
type Worker struct {
	cfg      Config
	links    *links.Config
	resolver *resolver.Resolver
	store    docstore.Store
	sub      bus.Subscription
	sink     deadletter.Sink
	log      zerolog.Logger

	lanes   *lanes
	sem     *semaphore.Weighted
	backlog *semaphore.Weighted

	processed    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	ignored      atomic.Int64
	fannedOut    atomic.Int64
}

// New creates a worker.
func New(cfg Config, lc *links.Config, res *resolver.Resolver, store docstore.Store, sub bus.Subscription, sink deadletter.Sink, log zerolog.Logger) *Worker {
	def := DefaultConfig()
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = cfg.Parallelism * 16
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if cfg.ReceiveRetry == nil {
		cfg.ReceiveRetry = def.ReceiveRetry
	}
	return &Worker{
		cfg:      cfg,
		links:    lc,
		resolver: res,
		store:    store,
		sub:      sub,
		sink:     sink,
		log:      log.With().Str("component", "syncworker").Logger(),
		lanes:    newLanes(),
		sem:      semaphore.NewWeighted(int64(cfg.Parallelism)),
		backlog:  semaphore.NewWeighted(int64(cfg.Backlog)),
	}
}

// Stats returns a snapshot of the counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Processed:    w.processed.Load(),
		Retried:      w.retried.Load(),
		DeadLettered: w.deadLettered.Load(),
		Ignored:      w.ignored.Load(),
		FannedOut:    w.fannedOut.Load(),
	}
}

// Run processes events until ctx is cancelled or the subscription closes.
// Subscription failures are retried indefinitely. Once intake stops the
// subscription is closed, and events already taken finish before Run
// returns.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Int("parallelism", w.cfg.Parallelism).Msg("Sync worker started")

	var wg sync.WaitGroup
	w.receive(ctx, &wg)
	if err := w.sub.Close(); err != nil {
		w.log.Warn().Err(err).Msg("Failed to close subscription")
	}
	wg.Wait()

	w.log.Info().Msg("Sync worker stopped")
	return nil
}

func (w *Worker) receive(ctx context.Context, wg *sync.WaitGroup) {
	var (
		failures int
		delay    time.Duration
	)
	for {
		if err := w.backlog.Acquire(ctx, 1); err != nil {
			return
		}
		d, err := w.sub.Receive(ctx)
		if err != nil {
			w.backlog.Release(1)
			if ctx.Err() != nil || errors.Is(err, bus.ErrClosed) {
				return
			}
			next, ok := w.cfg.ReceiveRetry.NextDelay(failures, err)
			failures++
			level := zerolog.ErrorLevel
			if ok {
				delay = next
				level = zerolog.WarnLevel
			}
			if delay <= 0 {
				delay = time.Second
			}
			w.log.WithLevel(level).Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("Failed to receive change event")

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		failures = 0
		delay = 0

		key := d.Event.Key()
		ln, first := w.lanes.push(key, d)
		if !first {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.drain(context.WithoutCancel(ctx), key, ln)
		}()
	}
}

// drain works through one record's queue in arrival order, taking a
// parallelism slot per event.
func (w *Worker) drain(ctx context.Context, key string, ln *lane) {
	for {
		d, ok := w.lanes.next(key, ln)
		if !ok {
			return
		}
		// ctx is never cancelled, so Acquire cannot fail.
		_ = w.sem.Acquire(ctx, 1)
		w.handle(ctx, d)
		w.sem.Release(1)
		w.backlog.Release(1)
	}
}

func (w *Worker) handle(ctx context.Context, d *bus.Delivery) {
	ev := d.Event
	log := w.log.With().
		Str("entity", ev.Entity).
		Interface("id", ev.RecordID).
		Str("operation", string(ev.Operation)).
		Int("attempt", d.Attempt).
		Logger()

	_, known := w.links.Entity(ev.Entity)
	root := w.links.IsRoot(ev.Entity)
	if !root && (!known || w.cfg.Fanout == nil) {
		log.Debug().Msg("Ignoring change for unlinked entity")
		w.ignored.Add(1)
		w.ack(ctx, d, log)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
	var err error
	if root {
		err = w.apply(opCtx, ev)
	} else {
		err = w.fanOut(opCtx, ev, log)
	}
	cancel()

	switch {
	case err == nil:
		w.processed.Add(1)
		w.ack(ctx, d, log)

	case syncerr.IsTransient(err) && d.Attempt < w.cfg.MaxAttempts:
		w.retried.Add(1)
		log.Warn().Err(err).Msg("Change failed, requesting redelivery")
		if err := d.Nack(ctx, err); err != nil {
			log.Error().Err(err).Msg("Failed to nack change")
		}

	default:
		w.deadLetter(ctx, d, err, log)
	}
}

// fanOut publishes an update for every root record embedding the changed
// record. Root events are not fanned out further.
func (w *Worker) fanOut(ctx context.Context, ev bus.ChangeEvent, log zerolog.Logger) error {
	roots, err := w.resolver.AffectedRoots(ctx, ev.Entity, ev.RecordID)
	if err != nil {
		return err
	}
	for _, ref := range roots {
		err := w.cfg.Fanout.Publish(ctx, bus.ChangeEvent{
			Entity:     ref.Entity,
			RecordID:   ref.ID,
			Operation:  bus.OperationUpdate,
			OccurredAt: ev.OccurredAt,
		})
		if err != nil {
			return syncerr.Transient("fan out", err)
		}
	}
	w.fannedOut.Add(int64(len(roots)))
	log.Debug().Int("roots", len(roots)).Msg("Fanned out change to embedding roots")
	return nil
}

// apply projects one event.
func (w *Worker) apply(ctx context.Context, ev bus.ChangeEvent) error {
	collection, err := w.links.Collection(ev.Entity)
	if err != nil {
		return syncerr.Permanent("apply", err)
	}

	switch ev.Operation {
	case bus.OperationDelete:
		return w.store.Delete(ctx, collection, ev.RecordID)

	case bus.OperationCreate, bus.OperationUpdate:
		res, err := w.resolver.Resolve(ctx, ev.Entity, ev.RecordID)
		if syncerr.IsNotFound(err) {
			// Deleted since the event was raised.
			return w.store.Delete(ctx, collection, ev.RecordID)
		}
		if err != nil {
			return err
		}
		key := res.Document[record.IDField]
		if key == nil {
			key = ev.RecordID
		}
		return w.store.Upsert(ctx, collection, key, res.Document)

	default:
		return syncerr.Permanent("apply", fmt.Errorf("unknown operation %q", ev.Operation))
	}
}

func (w *Worker) deadLetter(ctx context.Context, d *bus.Delivery, cause error, log zerolog.Logger) {
	entry := deadletter.NewEntry(d.Event, cause, d.Attempt)
	if err := w.sink.Put(ctx, entry); err != nil {
		// Keep the event on the bus rather than lose it.
		log.Error().Err(err).AnErr("cause", cause).Msg("Failed to dead-letter change")
		if err := d.Nack(ctx, cause); err != nil {
			log.Error().Err(err).Msg("Failed to nack change")
		}
		return
	}
	w.deadLettered.Add(1)
	log.Error().Err(cause).Str("dead_letter_id", entry.ID.String()).Msg("Change dead-lettered")
	w.ack(ctx, d, log)
}

func (w *Worker) ack(ctx context.Context, d *bus.Delivery, log zerolog.Logger) {
	if err := d.Ack(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to ack change")
	}
}
