// Package postgres implements [relational.Reader] on PostgreSQL with GORM.
//
// Tables are read without models: GORM scans rows into maps keyed by column
// name, and identifiers are always passed through clause builders so that
// configured entity and column names are quoted rather than interpolated.
package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/surrealdb/surrealsync/pkg/record"
	"github.com/surrealdb/surrealsync/pkg/relational"
	"github.com/surrealdb/surrealsync/pkg/syncerr"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var _ relational.Reader = (*Store)(nil)

// Store reads the system of record.
type Store struct {
	db *gorm.DB
}

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to PostgreSQL.
func Open(dsn string, opts Options) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return &Store{db: db}, nil
}

// FromDB wraps an existing GORM handle.
func FromDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func col(name string) clause.Column {
	return clause.Column{Name: name}
}

// Get implements relational.Reader.
func (s *Store) Get(ctx context.Context, entity, pk string, id any) (record.Record, error) {
	var rows []map[string]any
	err := s.db.WithContext(ctx).
		Table(entity).
		Where(clause.Eq{Column: col(pk), Value: id}).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, classify(fmt.Sprintf("get %s %v", entity, id), err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %v: %w", entity, id, syncerr.ErrNotFound)
	}
	return normalize(rows[0]), nil
}

// FindBy implements relational.Reader.
func (s *Store) FindBy(ctx context.Context, entity, column string, value any, orderBy string) ([]record.Record, error) {
	q := s.db.WithContext(ctx).
		Table(entity).
		Where(clause.Eq{Column: col(column), Value: value})
	if orderBy != "" {
		q = q.Order(clause.OrderByColumn{Column: col(orderBy)})
	}
	var rows []map[string]any
	if err := q.Find(&rows).Error; err != nil {
		return nil, classify(fmt.Sprintf("find %s by %s", entity, column), err)
	}
	return normalizeAll(rows), nil
}

// Page implements relational.Reader.
func (s *Store) Page(ctx context.Context, entity, pk string, after any, limit int) ([]record.Record, error) {
	q := s.db.WithContext(ctx).Table(entity)
	if after != nil {
		q = q.Where(clause.Gt{Column: col(pk), Value: after})
	}
	q = q.Order(clause.OrderByColumn{Column: col(pk)})
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []map[string]any
	if err := q.Find(&rows).Error; err != nil {
		return nil, classify(fmt.Sprintf("page %s after %v", entity, after), err)
	}
	return normalizeAll(rows), nil
}

func normalize(row map[string]any) record.Record {
	r := make(record.Record, len(row))
	for k, v := range row {
		switch t := v.(type) {
		case []byte:
			r[k] = string(t)
		case time.Time:
			r[k] = t.UTC()
		default:
			r[k] = v
		}
	}
	return r
}

func normalizeAll(rows []map[string]any) []record.Record {
	out := make([]record.Record, len(rows))
	for i, row := range rows {
		out[i] = normalize(row)
	}
	return out
}

// classify wraps err as transient or permanent.
//
// Connection exceptions (SQLSTATE class 08), serialization failures,
// deadlocks and server shutdowns are transient. Other server errors, such as
// an undefined table, are permanent.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08",
			pgErr.Code == "40001", pgErr.Code == "40P01",
			pgErr.Code == "57P01", pgErr.Code == "57P03", pgErr.Code == "53300":
			return syncerr.Transient(op, err)
		}
		return syncerr.Permanent(op, err)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return syncerr.Transient(op, err)
	}
	if pgconn.Timeout(err) {
		return syncerr.Transient(op, err)
	}
	return syncerr.Permanent(op, err)
}
