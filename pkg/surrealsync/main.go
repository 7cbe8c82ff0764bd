// Package surrealsync is the surrealsync application: configuration,
// subcommands, process lifecycle and the admin HTTP surface.
package surrealsync

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealsync/pkg/links"
)

// Main parses args and runs the selected command until it finishes or ctx
// is cancelled.
func Main(ctx context.Context, args []string) error {
	cmd, config, err := Parse(args)
	if err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}

	if _, ok := cmd.(*ValidateCommand); ok {
		lc, err := links.Load(config.LinksPath)
		if err != nil {
			return fmt.Errorf("invalid link configuration: %w", err)
		}
		fmt.Printf("%s: ok, roots %v\n", config.LinksPath, lc.Roots())
		return nil
	}

	app, err := New(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer app.Close()

	switch c := cmd.(type) {
	case *RunCommand:
		if err := app.Run(ctx, c); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case *SyncCommand:
		if err := app.Sync(ctx, c); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
	case *MigrateCommand:
		if err := app.Migrate(ctx, c); err != nil {
			return fmt.Errorf("backfill failed: %w", err)
		}
	case *CheckpointsCommand:
		if err := app.Checkpoints(ctx, c); err != nil {
			return fmt.Errorf("checkpoints %s failed: %w", c.Action, err)
		}
	case *SetupCommand:
		if err := app.Setup(ctx, c); err != nil {
			return fmt.Errorf("setup failed: %w", err)
		}
	case *PurgeCommand:
		if err := app.Purge(ctx, c); err != nil {
			return fmt.Errorf("purge failed: %w", err)
		}
	default:
		return fmt.Errorf("unknown command type: %T", cmd)
	}

	return nil
}
