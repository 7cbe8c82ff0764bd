// Package sqlite stores checkpoints in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/surrealdb/surrealsync/pkg/checkpoint"
	"github.com/surrealdb/surrealsync/pkg/record"
	_ "modernc.org/sqlite"
)

var _ checkpoint.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS sync_checkpoints (
	entity     TEXT PRIMARY KEY,
	last_key   BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Store provides SQLite-backed checkpoint persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the database at path and creates the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Get returns the checkpoint for entity.
func (s *Store) Get(ctx context.Context, entity string) (checkpoint.Checkpoint, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT entity, last_key, updated_at FROM sync_checkpoints WHERE entity = ?`, entity)
	cp, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", entity, err)
	}
	return cp, nil
}

// Save inserts or replaces the checkpoint for cp.Entity.
func (s *Store) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	if strings.TrimSpace(cp.Entity) == "" {
		return fmt.Errorf("entity is required")
	}
	key, err := record.MarshalKey(cp.LastKey)
	if err != nil {
		return err
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO sync_checkpoints (entity, last_key, updated_at) VALUES (?, ?, ?)
ON CONFLICT(entity) DO UPDATE SET last_key = excluded.last_key, updated_at = excluded.updated_at
`, cp.Entity, key, cp.UpdatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Entity, err)
	}
	return nil
}

// Clear removes the checkpoint for entity.
func (s *Store) Clear(ctx context.Context, entity string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sync_checkpoints WHERE entity = ?`, entity); err != nil {
		return fmt.Errorf("clear checkpoint %s: %w", entity, err)
	}
	return nil
}

// List returns every checkpoint ordered by entity.
func (s *Store) List(ctx context.Context) ([]checkpoint.Checkpoint, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT entity, last_key, updated_at FROM sync_checkpoints ORDER BY entity`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (checkpoint.Checkpoint, error) {
	var (
		cp      checkpoint.Checkpoint
		raw     []byte
		updated int64
	)
	if err := row.Scan(&cp.Entity, &raw, &updated); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	key, err := record.UnmarshalKey(raw)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	cp.LastKey = key
	cp.UpdatedAt = time.UnixMilli(updated).UTC()
	return cp, nil
}
