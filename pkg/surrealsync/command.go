package surrealsync

import "time"

// Command is a parsed subcommand.
type Command interface {
	Name() string
}

// RunCommand starts the sync worker, the backfill and the admin server.
type RunCommand struct {
	// SkipBackfill starts without running the backfill.
	SkipBackfill bool
}

func (c *RunCommand) Name() string {
	return "run"
}

// SyncCommand runs the sync worker alone.
type SyncCommand struct {
}

func (c *SyncCommand) Name() string {
	return "sync"
}

// MigrateCommand runs the backfill once and exits.
type MigrateCommand struct {
	// Entity limits the backfill to one root entity. Empty runs all roots.
	Entity string
}

func (c *MigrateCommand) Name() string {
	return "migrate"
}

// CheckpointsCommand lists or resets backfill checkpoints.
type CheckpointsCommand struct {
	// Action is "list" or "reset".
	Action string
	// Entity is required by reset.
	Entity string
}

func (c *CheckpointsCommand) Name() string {
	return "checkpoints"
}

// ValidateCommand loads and validates the link configuration.
type ValidateCommand struct {
}

func (c *ValidateCommand) Name() string {
	return "validate"
}

// SetupCommand creates the change tracking table.
type SetupCommand struct {
}

func (c *SetupCommand) Name() string {
	return "setup"
}

// PurgeCommand deletes processed change tracking rows.
type PurgeCommand struct {
	OlderThan time.Duration
}

func (c *PurgeCommand) Name() string {
	return "purge"
}
