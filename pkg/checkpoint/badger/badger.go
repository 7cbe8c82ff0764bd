// Package badger stores checkpoints in an embedded BadgerDB.
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/surrealdb/surrealsync/pkg/checkpoint"
	"github.com/surrealdb/surrealsync/pkg/record"
)

var _ checkpoint.Store = (*Store)(nil)

var prefix = []byte("checkpoint/")

// Options configures the BadgerDB store.
type Options struct {
	// Path to the database directory. If empty, uses in-memory mode.
	Path string
	// Logger for BadgerDB. If nil, logging is disabled.
	Logger badger.Logger
}

// Store is a checkpoint store backed by BadgerDB.
type Store struct {
	db *badger.DB
}

type value struct {
	LastKey   any   `cbor:"1,keyasint"`
	UpdatedAt int64 `cbor:"2,keyasint"`
}

// Open opens or creates the database.
func Open(opts Options) (*Store, error) {
	badgerOpts := badger.DefaultOptions(opts.Path)
	if opts.Path == "" {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(entity string) []byte {
	return append(append([]byte{}, prefix...), entity...)
}

func decode(k, raw []byte) (checkpoint.Checkpoint, error) {
	var v value
	if err := cbor.Unmarshal(raw, &v); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return checkpoint.Checkpoint{
		Entity:    string(bytes.TrimPrefix(k, prefix)),
		LastKey:   record.NormalizeKey(v.LastKey),
		UpdatedAt: time.UnixMilli(v.UpdatedAt).UTC(),
	}, nil
}

// Get implements checkpoint.Store.
func (s *Store) Get(_ context.Context, entity string) (checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(entity))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			cp, err = decode(item.Key(), val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", entity, err)
	}
	return cp, nil
}

// Save implements checkpoint.Store.
func (s *Store) Save(_ context.Context, cp checkpoint.Checkpoint) error {
	if cp.Entity == "" {
		return fmt.Errorf("entity is required")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	raw, err := cbor.Marshal(value{
		LastKey:   record.NormalizeKey(cp.LastKey),
		UpdatedAt: cp.UpdatedAt.UTC().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(cp.Entity), raw)
	}); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Entity, err)
	}
	return nil
}

// Clear implements checkpoint.Store.
func (s *Store) Clear(_ context.Context, entity string) error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(entity))
	}); err != nil {
		return fmt.Errorf("clear checkpoint %s: %w", entity, err)
	}
	return nil
}

// List implements checkpoint.Store. Entities come back in key order.
func (s *Store) List(_ context.Context) ([]checkpoint.Checkpoint, error) {
	var out []checkpoint.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				cp, err := decode(item.KeyCopy(nil), val)
				if err != nil {
					return err
				}
				out = append(out, cp)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}
