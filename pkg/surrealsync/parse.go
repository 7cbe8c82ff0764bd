package surrealsync

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/caarlos0/env/v11"
)

const usage = `subcommand required

Usage: surrealsync [flags] <command> [command flags]

Commands:
  run           Start the sync worker, the backfill and the admin server
  sync          Start the sync worker only
  migrate       Run the backfill once and exit
  checkpoints   List or reset backfill checkpoints
  validate      Load and validate the link configuration
  setup         Create the change tracking table
  purge         Delete processed change tracking rows

Examples:
  surrealsync -links links.yaml run
  surrealsync run -skip-backfill
  surrealsync migrate -entity post
  surrealsync checkpoints list
  surrealsync checkpoints reset -entity post
  surrealsync purge -older-than 168h

Environment:
  POSTGRES_DSN, SURREALDB_URL, SURREALDB_NS, SURREALDB_DB, SURREALDB_USER,
  SURREALDB_PASS and SURREALSYNC_* provide the defaults of the flags above.`

// Parse reads the environment, then the global flags, then the subcommand
// and its flags.
func Parse(args []string) (Command, *Config, error) {
	config := &Config{}
	if err := env.Parse(config); err != nil {
		return nil, nil, fmt.Errorf("parse env: %w", err)
	}

	flagSet := flag.NewFlagSet("surrealsync", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&config.LinksPath, "links", config.LinksPath, "Link configuration YAML file")
	flagSet.StringVar(&config.StateDir, "state-dir", config.StateDir, "Directory for checkpoints and dead letters")
	flagSet.StringVar(&config.CheckpointStore, "checkpoint-store", config.CheckpointStore, "Checkpoint store: sqlite, badger or memory")
	flagSet.StringVar(&config.Bus, "bus", config.Bus, "Change bus: changetracking or memory")
	flagSet.StringVar(&config.ServerPort, "port", config.ServerPort, "Admin server port")
	flagSet.StringVar(&config.LogLevel, "log-level", config.LogLevel, "Log level")
	flagSet.StringVar(&config.LogFile, "log-file", config.LogFile, "Append logs to this file instead of stderr")
	flagSet.BoolVar(&config.LogPretty, "log-pretty", config.LogPretty, "Human readable logs")
	flagSet.IntVar(&config.Parallelism, "parallelism", config.Parallelism, "Events processed at once")
	flagSet.IntVar(&config.MaxAttempts, "max-attempts", config.MaxAttempts, "Delivery attempts before dead-lettering")
	flagSet.DurationVar(&config.OpTimeout, "op-timeout", config.OpTimeout, "Timeout of one resolve and write")
	flagSet.IntVar(&config.BatchSize, "batch-size", config.BatchSize, "Backfill batch size")
	flagSet.DurationVar(&config.RetryBase, "retry-base", config.RetryBase, "Initial retry delay")
	flagSet.DurationVar(&config.RetryMax, "retry-max", config.RetryMax, "Maximum retry delay")
	flagSet.IntVar(&config.RetryLimit, "retry-limit", config.RetryLimit, "Retries of a failing backfill batch")
	flagSet.DurationVar(&config.PollInterval, "poll-interval", config.PollInterval, "Change tracking poll interval")
	flagSet.DurationVar(&config.LeaseTTL, "lease-ttl", config.LeaseTTL, "Change tracking lease duration")

	if err := flagSet.Parse(args); err != nil {
		return nil, nil, err
	}

	remainingArgs := flagSet.Args()
	if len(remainingArgs) == 0 {
		return nil, nil, errors.New(usage)
	}

	cmd, err := parseCommand(remainingArgs[0], remainingArgs[1:])
	if err != nil {
		return nil, nil, err
	}
	if err := config.validate(); err != nil {
		return nil, nil, err
	}
	return cmd, config, nil
}

func parseCommand(name string, args []string) (Command, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cmd Command
	switch name {
	case "run":
		c := &RunCommand{}
		fs.BoolVar(&c.SkipBackfill, "skip-backfill", false, "Do not run the backfill")
		cmd = c
	case "sync":
		cmd = &SyncCommand{}
	case "migrate":
		c := &MigrateCommand{}
		fs.StringVar(&c.Entity, "entity", "", "Backfill this root entity only")
		cmd = c
	case "checkpoints":
		c := &CheckpointsCommand{Action: "list"}
		if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
			c.Action, args = args[0], args[1:]
		}
		fs.StringVar(&c.Entity, "entity", "", "Root entity")
		cmd = c
	case "validate":
		cmd = &ValidateCommand{}
	case "setup":
		cmd = &SetupCommand{}
	case "purge":
		c := &PurgeCommand{}
		fs.DurationVar(&c.OlderThan, "older-than", 7*24*time.Hour, "Delete rows processed before this long ago")
		cmd = c
	default:
		return nil, fmt.Errorf("unknown command: %s\n\nValid commands: run, sync, migrate, checkpoints, validate, setup, purge", name)
	}

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("%s: unexpected arguments %v", name, fs.Args())
	}

	switch c := cmd.(type) {
	case *CheckpointsCommand:
		switch c.Action {
		case "list":
		case "reset":
			if c.Entity == "" {
				return nil, fmt.Errorf("checkpoints reset: -entity is required")
			}
		default:
			return nil, fmt.Errorf("checkpoints: unknown action %q (must be 'list' or 'reset')", c.Action)
		}
	case *PurgeCommand:
		if c.OlderThan < 0 {
			return nil, fmt.Errorf("purge: -older-than must not be negative")
		}
	}
	return cmd, nil
}
