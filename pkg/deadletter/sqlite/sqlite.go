// Package sqlite stores dead letters in a local SQLite database. The event is
// kept as a CBOR blob so that its record ID type survives the round trip.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/surrealdb/surrealsync/pkg/bus"
	"github.com/surrealdb/surrealsync/pkg/deadletter"
	"github.com/surrealdb/surrealsync/pkg/record"
	_ "modernc.org/sqlite"
)

var _ deadletter.Sink = (*Sink)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id        TEXT PRIMARY KEY,
	entity    TEXT NOT NULL,
	event     BLOB NOT NULL,
	error     TEXT NOT NULL,
	attempts  INTEGER NOT NULL,
	failed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS dead_letters_failed_at ON dead_letters (failed_at)`

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Sink provides SQLite-backed dead letter persistence.
type Sink struct {
	sqlDB *sql.DB
}

// Open opens the database at path and creates the schema.
func Open(path string) (*Sink, error) {
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
		return nil, fmt.Errorf("create dead letter schema: %w", err)
	}
	return &Sink{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Sink) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Put persists one entry.
func (s *Sink) Put(ctx context.Context, e deadletter.Entry) error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("dead letter id is required")
	}
	if e.FailedAt.IsZero() {
		e.FailedAt = time.Now().UTC()
	}
	ev := e.Event
	ev.RecordID = record.NormalizeKey(ev.RecordID)
	payload, err := encMode.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode dead letter event: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO dead_letters (id, entity, event, error, attempts, failed_at) VALUES (?, ?, ?, ?, ?, ?)
`,
		e.ID.String(),
		ev.Entity,
		payload,
		e.Error,
		e.Attempts,
		e.FailedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put dead letter: %w", err)
	}
	return nil
}

// Get returns one entry.
func (s *Sink) Get(ctx context.Context, id uuid.UUID) (deadletter.Entry, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, event, error, attempts, failed_at FROM dead_letters WHERE id = ?`, id.String())
	e, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return deadletter.Entry{}, deadletter.ErrNotFound
	}
	if err != nil {
		return deadletter.Entry{}, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	return e, nil
}

// List returns entries oldest first.
func (s *Sink) List(ctx context.Context, limit int) ([]deadletter.Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, event, error, attempts, failed_at FROM dead_letters
ORDER BY failed_at, id
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []deadletter.Entry
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return out, nil
}

// Remove deletes one entry. Removing an unknown ID is not an error.
func (s *Sink) Remove(ctx context.Context, id uuid.UUID) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("remove dead letter %s: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (deadletter.Entry, error) {
	var (
		e        deadletter.Entry
		id       string
		payload  []byte
		failedAt int64
	)
	if err := row.Scan(&id, &payload, &e.Error, &e.Attempts, &failedAt); err != nil {
		return deadletter.Entry{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return deadletter.Entry{}, fmt.Errorf("parse dead letter id: %w", err)
	}
	var ev bus.ChangeEvent
	if err := cbor.Unmarshal(payload, &ev); err != nil {
		return deadletter.Entry{}, fmt.Errorf("decode dead letter event: %w", err)
	}
	ev.RecordID = record.NormalizeKey(ev.RecordID)
	e.ID = parsed
	e.Event = ev
	e.FailedAt = time.UnixMilli(failedAt).UTC()
	return e, nil
}
