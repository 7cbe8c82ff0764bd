// Package surrealdb implements [docstore.Store] on SurrealDB.
//
// Each projected document is one SurrealDB record whose record ID is
// collection:key, with the relational primary key preserved verbatim as the
// ID part (an integer stays an integer, a string stays a string). The document
// body is written with UPSERT ... CONTENT, which replaces every field, so a
// field removed from the projection disappears from the stored record.
//
// The connection uses the surrealcbor codec, as SurrealDB speaks CBOR
// natively and record IDs and datetimes round-trip without loss.
//
// All queries are parameterized; collection names and keys are never
// interpolated into SurrealQL.
package surrealdb

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strings"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/models"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
	"github.com/surrealdb/surrealsync/pkg/docstore"
	"github.com/surrealdb/surrealsync/pkg/record"
	"github.com/surrealdb/surrealsync/pkg/syncerr"
)

var _ docstore.Store = (*Store)(nil)

const statusOK = "OK"

// Config holds SurrealDB connection settings.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
}

// Store writes projected documents to SurrealDB.
type Store struct {
	db *surrealdb.DB
}

// Open connects, authenticates and selects the namespace and database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	conf := connection.NewConfig(u)
	codec := surrealcbor.New()
	conf.Marshaler = codec
	conf.Unmarshaler = codec

	db, err := surrealdb.FromConnection(ctx, gorillaws.New(conf))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if cfg.Username != "" && cfg.Password != "" {
		if _, err := db.SignIn(ctx, map[string]any{
			"user": cfg.Username,
			"pass": cfg.Password,
		}); err != nil {
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to use namespace/database: %w", err)
	}

	return &Store{db: db}, nil
}

// New wraps an already connected database.
func New(db *surrealdb.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close(context.Background())
}

// RecordID returns the SurrealDB record ID of a document.
func RecordID(collection string, key any) models.RecordID {
	return models.NewRecordID(collection, record.NormalizeKey(key))
}

// content strips the id field: the record ID already carries the key.
func content(doc record.Document) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == record.IDField {
			continue
		}
		out[k] = v
	}
	return out
}

// Upsert implements docstore.Store.
func (s *Store) Upsert(ctx context.Context, collection string, key any, doc record.Document) error {
	res, err := surrealdb.Query[any](ctx, s.db, "UPSERT $rid CONTENT $doc RETURN NONE", map[string]any{
		"rid": RecordID(collection, key),
		"doc": content(doc),
	})
	return statementErr(fmt.Sprintf("upsert %s:%v", collection, key), res, err, 0)
}

// Delete implements docstore.Store.
func (s *Store) Delete(ctx context.Context, collection string, key any) error {
	res, err := surrealdb.Query[any](ctx, s.db, "DELETE $rid RETURN NONE", map[string]any{
		"rid": RecordID(collection, key),
	})
	return statementErr(fmt.Sprintf("delete %s:%v", collection, key), res, err, 0)
}

// BatchInsert implements docstore.Store. The batch is sent as one query of
// UPSERT statements so that each statement's status reports its own item.
func (s *Store) BatchInsert(ctx context.Context, collection string, docs []record.Document) ([]docstore.ItemError, error) {
	var (
		failed     []docstore.ItemError
		statements []string
		indexes    []int
	)
	vars := make(map[string]any)
	for i, doc := range docs {
		key := doc[record.IDField]
		if key == nil {
			failed = append(failed, docstore.ItemError{
				Index: i,
				Err:   syncerr.Permanent("batch insert", fmt.Errorf("document has no %s", record.IDField)),
			})
			continue
		}
		n := len(statements)
		statements = append(statements, fmt.Sprintf("UPSERT $rid%d CONTENT $doc%d RETURN NONE", n, n))
		vars[fmt.Sprintf("rid%d", n)] = RecordID(collection, key)
		vars[fmt.Sprintf("doc%d", n)] = content(doc)
		indexes = append(indexes, i)
	}
	if len(statements) == 0 {
		return failed, nil
	}

	res, err := surrealdb.Query[any](ctx, s.db, strings.Join(statements, ";\n"), vars)
	if res == nil || len(*res) != len(statements) {
		if err == nil {
			err = fmt.Errorf("expected %d statement results", len(statements))
		}
		return nil, syncerr.Transient("batch insert "+collection, err)
	}
	for n, r := range *res {
		if r.Status == statusOK {
			continue
		}
		i := indexes[n]
		failed = append(failed, docstore.ItemError{
			Index: i,
			Key:   docs[i][record.IDField],
			Err:   syncerr.Permanent("batch insert "+collection, fmt.Errorf("%v", r.Result)),
		})
	}
	return failed, nil
}

// Get implements docstore.Store.
func (s *Store) Get(ctx context.Context, collection string, key any) (record.Document, error) {
	op := fmt.Sprintf("get %s:%v", collection, key)
	res, err := surrealdb.Query[[]map[string]any](ctx, s.db, "SELECT * FROM $rid", map[string]any{
		"rid": RecordID(collection, key),
	})
	if err := statementErr(op, res, err, 0); err != nil {
		return nil, err
	}
	rows := (*res)[0].Result
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: %w", op, syncerr.ErrNotFound)
	}
	return toDocument(rows[0]), nil
}

// Scan implements docstore.Store. It pages by record ID, so it resumes
// correctly even if documents are written while scanning.
func (s *Store) Scan(ctx context.Context, collection string, batch int) iter.Seq2[record.Document, error] {
	if batch <= 0 {
		batch = docstore.DefaultScanBatch
	}
	return func(yield func(record.Document, error) bool) {
		var after any
		for {
			query := "SELECT * FROM type::table($tb) ORDER BY id LIMIT $limit"
			vars := map[string]any{"tb": collection, "limit": batch}
			if after != nil {
				query = "SELECT * FROM type::table($tb) WHERE id > $after ORDER BY id LIMIT $limit"
				vars["after"] = RecordID(collection, after)
			}
			res, err := surrealdb.Query[[]map[string]any](ctx, s.db, query, vars)
			if err := statementErr("scan "+collection, res, err, 0); err != nil {
				yield(nil, err)
				return
			}
			rows := (*res)[0].Result
			for _, row := range rows {
				doc := toDocument(row)
				after = doc[record.IDField]
				if !yield(doc, nil) {
					return
				}
			}
			if len(rows) < batch {
				return
			}
		}
	}
}

// toDocument maps the record ID back to the verbatim primary key.
func toDocument(row map[string]any) record.Document {
	doc := make(record.Document, len(row))
	for k, v := range row {
		doc[k] = v
	}
	switch rid := row[record.IDField].(type) {
	case models.RecordID:
		doc[record.IDField] = record.NormalizeKey(rid.ID)
	case *models.RecordID:
		if rid != nil {
			doc[record.IDField] = record.NormalizeKey(rid.ID)
		}
	}
	return doc
}

// statementErr turns the outcome of a single statement query into a
// classified error. Transport failures are transient; a statement that ran
// and failed is permanent.
func statementErr[T any](op string, res *[]surrealdb.QueryResult[T], err error, n int) error {
	if res != nil && len(*res) > n && (*res)[n].Status != "" {
		if r := (*res)[n]; r.Status != statusOK {
			return syncerr.Permanent(op, fmt.Errorf("%v", r.Result))
		}
		return nil
	}
	if err == nil {
		return syncerr.Transient(op, errors.New("empty query response"))
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return syncerr.Transient(op, err)
}
