package surrealsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/surrealdb/surrealsync/pkg/migrate"
	"golang.org/x/sync/errgroup"
)

// Run starts the sync worker, the backfill and the admin server. It returns
// when ctx is cancelled or the server fails. A failed backfill is logged and
// reported by the admin server; live sync goes on.
func (a *App) Run(ctx context.Context, cmd *RunCommand) error {
	worker := a.newSyncWorker()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	if !cmd.SkipBackfill {
		g.Go(func() error {
			a.runBackfill(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return a.serve(gctx)
	})
	return g.Wait()
}

// Sync runs the sync worker until ctx is cancelled.
func (a *App) Sync(ctx context.Context, cmd *SyncCommand) error {
	worker := a.newSyncWorker()
	err := worker.Run(ctx)
	stats := worker.Stats()
	a.log.Info().
		Int64("processed", stats.Processed).
		Int64("retried", stats.Retried).
		Int64("dead_lettered", stats.DeadLettered).
		Int64("ignored", stats.Ignored).
		Int64("fanned_out", stats.FannedOut).
		Msg("Sync finished")
	return err
}

// Migrate runs the backfill once, for every root or for cmd.Entity only.
func (a *App) Migrate(ctx context.Context, cmd *MigrateCommand) error {
	m := a.newMigrator()
	if cmd.Entity != "" {
		if !a.links.IsRoot(cmd.Entity) {
			return fmt.Errorf("%s is not a root entity", cmd.Entity)
		}
		report, err := m.RunEntity(ctx, cmd.Entity)
		a.logReports([]migrate.Report{report})
		return err
	}
	reports, err := m.Run(ctx)
	a.logReports(reports)
	return err
}

func (a *App) runBackfill(ctx context.Context) {
	a.mu.Lock()
	a.backfill = backfillStatus{Running: true}
	a.mu.Unlock()

	reports, err := a.newMigrator().Run(ctx)
	a.logReports(reports)

	now := time.Now().UTC()
	status := backfillStatus{Reports: reports, Finished: &now}
	if err != nil {
		status.Error = err.Error()
		a.log.Error().Err(err).Msg("Backfill failed")
	}
	a.mu.Lock()
	a.backfill = status
	a.mu.Unlock()
}

func (a *App) logReports(reports []migrate.Report) {
	for _, r := range reports {
		a.log.Info().
			Str("entity", r.Entity).
			Interface("resumed_from", r.ResumedFrom).
			Int("batches", r.Batches).
			Int("documents", r.Documents).
			Int("skipped", r.Skipped).
			Int("warnings", r.Warnings).
			Bool("completed", r.Completed).
			Msg("Backfill report")
	}
}

// Checkpoints lists or resets backfill checkpoints.
func (a *App) Checkpoints(ctx context.Context, cmd *CheckpointsCommand) error {
	switch cmd.Action {
	case "reset":
		if err := a.checkpoints.Clear(ctx, cmd.Entity); err != nil {
			return err
		}
		a.log.Info().Str("entity", cmd.Entity).Msg("Checkpoint reset")
		return nil
	default:
		cps, err := a.checkpoints.List(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(a.out)
		for _, cp := range cps {
			if err := enc.Encode(cp); err != nil {
				return err
			}
		}
		return nil
	}
}

// Setup creates the change tracking table.
func (a *App) Setup(ctx context.Context, cmd *SetupCommand) error {
	if a.changes == nil {
		return fmt.Errorf("setup requires the %s bus", BusChangeTracking)
	}
	a.log.Info().Msg("Creating change tracking table...")
	if err := a.changes.AutoMigrate(ctx); err != nil {
		return err
	}
	a.log.Info().Msg("Change tracking table ready")
	return nil
}

// Purge deletes change tracking rows processed more than cmd.OlderThan ago.
func (a *App) Purge(ctx context.Context, cmd *PurgeCommand) error {
	if a.changes == nil {
		return fmt.Errorf("purge requires the %s bus", BusChangeTracking)
	}
	n, err := a.changes.Purge(ctx, time.Now().Add(-cmd.OlderThan))
	if err != nil {
		return err
	}
	a.log.Info().Int64("deleted", n).Dur("older_than", cmd.OlderThan).Msg("Purged processed changes")
	return nil
}

// serve runs the admin server until ctx is cancelled.
func (a *App) serve(ctx context.Context) error {
	addr := fmt.Sprintf(":%s", a.config.ServerPort)
	a.log.Info().Str("addr", addr).Msg("Starting admin server")

	server := &http.Server{
		Addr:              addr,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info().Msg("Shutting down admin server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}
