// Package migrate backfills the document store from the relational store.
//
// Each root entity is paged in primary key order. Every page is resolved,
// written with one BatchInsert and then recorded as the entity's checkpoint,
// so an interrupted backfill resumes after the last batch it fully applied.
// The checkpoint is created empty when an entity starts and cleared when it
// completes. Clearing it while the entity runs restarts that entity from the
// first key.
//
// Entities run in parallel and fail independently. A batch that fails is
// retried as a whole with backoff; writes are keyed upserts, so replaying a
// partially applied batch is harmless.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/surrealdb/surrealsync/pkg/checkpoint"
	"github.com/surrealdb/surrealsync/pkg/docstore"
	"github.com/surrealdb/surrealsync/pkg/links"
	"github.com/surrealdb/surrealsync/pkg/record"
	"github.com/surrealdb/surrealsync/pkg/relational"
	"github.com/surrealdb/surrealsync/pkg/resolver"
	"github.com/surrealdb/surrealsync/pkg/retry"
	"github.com/surrealdb/surrealsync/pkg/syncerr"
	"golang.org/x/sync/errgroup"
)

// Config tunes the backfill. Zero fields take their defaults.
type Config struct {
	BatchSize int
	// OpTimeout bounds one attempt at one batch.
	OpTimeout time.Duration
	// Retry paces batch retries. When it gives up the entity fails.
	Retry retry.Retryer
	// Parallelism bounds how many entities run at once. Zero runs them all.
	Parallelism int
}

// DefaultConfig returns the backfill defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize: 500,
		OpTimeout: 2 * time.Minute,
		Retry:     retry.NewExponentialBackoffRetryer(),
	}
}

// Report summarizes one entity's backfill.
type Report struct {
	Entity      string `json:"entity"`
	ResumedFrom any    `json:"resumed_from,omitempty"`
	Batches     int    `json:"batches"`
	Documents   int    `json:"documents"`
	Skipped     int    `json:"skipped"`
	Warnings    int    `json:"warnings"`
	Restarts    int    `json:"restarts,omitempty"`
	Completed   bool   `json:"completed"`
}

// EntityError is a backfill failure scoped to one entity. The entity's
// checkpoint still marks the last batch that was applied.
type EntityError struct {
	Entity  string
	LastKey any
	Err     error
}

func (e *EntityError) Error() string {
	if e.LastKey == nil {
		return fmt.Sprintf("backfill %s: %v", e.Entity, e.Err)
	}
	return fmt.Sprintf("backfill %s after key %v: %v", e.Entity, e.LastKey, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

// batchError reports documents the store rejected.
type batchError struct {
	failed []docstore.ItemError
	total  int
}

func (e *batchError) Error() string {
	return fmt.Sprintf("%d of %d documents failed, first: %v", len(e.failed), e.total, e.failed[0])
}

func (e *batchError) Unwrap() []error {
	errs := make([]error, len(e.failed))
	for i := range e.failed {
		errs[i] = e.failed[i]
	}
	return errs
}

func retryable(err error) bool {
	var be *batchError
	return errors.As(err, &be) || syncerr.IsTransient(err)
}

// Worker runs backfills.
type Worker struct {
	cfg         Config
	links       *links.Config
	reader      relational.Reader
	resolver    *resolver.Resolver
	store       docstore.Store
	checkpoints checkpoint.Store
	log         zerolog.Logger
}

// New creates a worker.
func New(cfg Config, lc *links.Config, reader relational.Reader, res *resolver.Resolver, store docstore.Store, checkpoints checkpoint.Store, log zerolog.Logger) *Worker {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if cfg.Retry == nil {
		cfg.Retry = def.Retry
	}
	return &Worker{
		cfg:         cfg,
		links:       lc,
		reader:      reader,
		resolver:    res,
		store:       store,
		checkpoints: checkpoints,
		log:         log.With().Str("component", "migrate").Logger(),
	}
}

// Run backfills every root entity and returns one report per entity, in
// root order. The error joins the entities' errors.
func (w *Worker) Run(ctx context.Context) ([]Report, error) {
	roots := w.links.Roots()
	reports := make([]Report, len(roots))
	errs := make([]error, len(roots))

	var g errgroup.Group
	if w.cfg.Parallelism > 0 {
		g.SetLimit(w.cfg.Parallelism)
	}
	for i, entity := range roots {
		g.Go(func() error {
			reports[i], errs[i] = w.RunEntity(ctx, entity)
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

// RunEntity backfills one root entity, resuming from its checkpoint.
func (w *Worker) RunEntity(ctx context.Context, entity string) (Report, error) {
	report := Report{Entity: entity}
	collection, err := w.links.Collection(entity)
	if err != nil {
		return report, &EntityError{Entity: entity, Err: err}
	}
	pk := w.links.PrimaryKey(entity)
	log := w.log.With().Str("entity", entity).Str("collection", collection).Logger()

	var after any
	cp, err := w.checkpoints.Get(ctx, entity)
	switch {
	case err == nil && cp.LastKey != nil:
		after = cp.LastKey
		report.ResumedFrom = after
		log.Info().Interface("after", after).Msg("Resuming backfill")
	case err == nil || errors.Is(err, checkpoint.ErrNotFound):
		log.Info().Msg("Starting backfill")
		if err := w.save(ctx, entity, nil); err != nil {
			return report, &EntityError{Entity: entity, Err: err}
		}
	default:
		return report, &EntityError{Entity: entity, Err: fmt.Errorf("load checkpoint: %w", err)}
	}

	for {
		if err := ctx.Err(); err != nil {
			return report, &EntityError{Entity: entity, LastKey: after, Err: err}
		}

		var b batch
		err := retry.Do(ctx, w.cfg.Retry, retryable, func(ctx context.Context) error {
			var err error
			b, err = w.batch(ctx, entity, collection, pk, after)
			if err != nil {
				log.Warn().Err(err).Interface("after", after).Msg("Backfill batch failed")
			}
			return err
		})
		if err != nil {
			log.Error().Err(err).Interface("after", after).Msg("Backfill stopped")
			return report, &EntityError{Entity: entity, LastKey: after, Err: err}
		}
		if b.rows == 0 {
			break
		}

		report.Batches++
		report.Documents += b.documents
		report.Skipped += b.skipped
		report.Warnings += b.warnings

		// A checkpoint cleared while running is a reset: start over instead
		// of writing the old progress back.
		if _, err := w.checkpoints.Get(context.WithoutCancel(ctx), entity); errors.Is(err, checkpoint.ErrNotFound) {
			log.Info().Interface("last_key", b.lastKey).Msg("Checkpoint reset during backfill, restarting")
			report.Restarts++
			after = nil
			if err := w.save(ctx, entity, nil); err != nil {
				return report, &EntityError{Entity: entity, Err: err}
			}
			continue
		}

		after = b.lastKey
		if err := w.save(ctx, entity, after); err != nil {
			return report, &EntityError{Entity: entity, LastKey: after, Err: err}
		}
		log.Debug().Interface("last_key", after).Int("documents", b.documents).Msg("Backfill batch applied")

		if b.rows < w.cfg.BatchSize {
			break
		}
	}

	if err := w.checkpoints.Clear(context.WithoutCancel(ctx), entity); err != nil {
		return report, &EntityError{Entity: entity, LastKey: after, Err: fmt.Errorf("clear checkpoint: %w", err)}
	}
	report.Completed = true
	log.Info().
		Int("batches", report.Batches).
		Int("documents", report.Documents).
		Int("warnings", report.Warnings).
		Msg("Backfill completed")
	return report, nil
}

func (w *Worker) save(ctx context.Context, entity string, lastKey any) error {
	if err := w.checkpoints.Save(context.WithoutCancel(ctx), checkpoint.Checkpoint{Entity: entity, LastKey: lastKey}); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

type batch struct {
	rows      int
	lastKey   any
	documents int
	skipped   int
	warnings  int
}

// batch applies one page after the given key. It runs detached from ctx's
// cancellation so that a page is never abandoned halfway.
func (w *Worker) batch(ctx context.Context, entity, collection, pk string, after any) (batch, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.OpTimeout)
	defer cancel()

	var b batch
	rows, err := w.reader.Page(ctx, entity, pk, after, w.cfg.BatchSize)
	if err != nil {
		return b, err
	}
	if len(rows) == 0 {
		return b, nil
	}
	b.rows = len(rows)
	b.lastKey = rows[len(rows)-1][pk]

	docs := make([]record.Document, 0, len(rows))
	for _, row := range rows {
		res, err := w.resolver.Resolve(ctx, entity, row[pk])
		if syncerr.IsNotFound(err) {
			b.skipped++
			continue
		}
		if err != nil {
			return b, err
		}
		b.warnings += len(res.Warnings)
		docs = append(docs, res.Document)
	}
	if len(docs) == 0 {
		return b, nil
	}

	failed, err := w.store.BatchInsert(ctx, collection, docs)
	if err != nil {
		return b, err
	}
	if len(failed) > 0 {
		return b, &batchError{failed: failed, total: len(docs)}
	}
	b.documents = len(docs)
	return b, nil
}
