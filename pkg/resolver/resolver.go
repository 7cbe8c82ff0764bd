// Package resolver builds denormalized documents from the relational store.
//
// [Resolver.Resolve] reads a root record and walks the link configuration
// depth first, embedding related records as nested objects (cardinality one)
// or ordered lists (cardinality many). It always reads current relational
// truth; it never trusts data carried by a change event.
//
// Resolution is best effort. A link pointing at a record that no longer
// exists is omitted from the document and reported as a warning, so one
// broken reference never discards the whole document. Store failures, on the
// other hand, abort resolution and are returned to the caller for retry.
package resolver

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/surrealdb/surrealsync/pkg/links"
	"github.com/surrealdb/surrealsync/pkg/record"
	"github.com/surrealdb/surrealsync/pkg/relational"
	"github.com/surrealdb/surrealsync/pkg/syncerr"
)

// Result is a resolved document and the broken links skipped while building it.
type Result struct {
	Document record.Document
	Warnings []*syncerr.ResolutionError
}

// Resolver reads relational records and projects them into documents.
type Resolver struct {
	cfg    *links.Config
	reader relational.Reader
	log    zerolog.Logger
}

// New creates a resolver.
func New(cfg *links.Config, reader relational.Reader, log zerolog.Logger) *Resolver {
	return &Resolver{
		cfg:    cfg,
		reader: reader,
		log:    log.With().Str("component", "resolver").Logger(),
	}
}

// Resolve builds the document for one root record. It returns an error
// wrapping syncerr.ErrNotFound when the root record does not exist.
func (r *Resolver) Resolve(ctx context.Context, entity string, id any) (*Result, error) {
	if !r.cfg.IsRoot(entity) {
		return nil, fmt.Errorf("resolve %s %v: entity is not a root", entity, id)
	}
	root, err := r.reader.Get(ctx, entity, r.cfg.PrimaryKey(entity), id)
	if err != nil {
		return nil, fmt.Errorf("resolve %s %v: %w", entity, id, err)
	}
	return r.ResolveRecord(ctx, entity, root)
}

// ResolveRecord builds the document for a root record that has already been
// read, as the backfill does for each page.
func (r *Resolver) ResolveRecord(ctx context.Context, entity string, root record.Record) (*Result, error) {
	node, ok := r.cfg.Entity(entity)
	if !ok {
		return nil, fmt.Errorf("resolve %s: unknown entity", entity)
	}

	id := root[node.PrimaryKey]
	w := &walk{
		Resolver: r,
		rootName: entity,
		rootID:   id,
	}

	doc := record.Project(root, node.Fields)
	doc[record.IDField] = id
	if err := w.embed(ctx, doc, node, root, "", 1); err != nil {
		return nil, fmt.Errorf("resolve %s %v: %w", entity, id, err)
	}

	for _, warn := range w.warnings {
		r.log.Warn().
			Str("entity", entity).
			Interface("id", id).
			Str("path", warn.Path).
			Str("target", warn.Target).
			Interface("target_id", warn.TargetID).
			Msg("Omitting broken link")
	}
	return &Result{Document: doc, Warnings: w.warnings}, nil
}

// walk carries per-document state through the depth-first traversal.
type walk struct {
	*Resolver
	rootName string
	rootID   any
	warnings []*syncerr.ResolutionError
}

func (w *walk) warn(path, target string, targetID any) {
	w.warnings = append(w.warnings, &syncerr.ResolutionError{
		Entity:   w.rootName,
		RecordID: w.rootID,
		Path:     path,
		Target:   target,
		TargetID: targetID,
	})
}

func join(prefix, attr string) string {
	if prefix == "" {
		return attr
	}
	return prefix + "." + attr
}

// embed resolves every link of node into doc. rec is node's relational row.
func (w *walk) embed(ctx context.Context, doc record.Document, node *links.Entity, rec record.Record, prefix string, depth int) error {
	if depth > w.cfg.MaxDepth() {
		return nil
	}
	for _, l := range node.Links {
		target, _ := w.cfg.Entity(l.Target)
		fields := l.Fields
		if len(fields) == 0 {
			fields = target.Fields
		}
		// A self reference is embedded one level deep only.
		follow := l.Target != node.Name
		path := join(prefix, l.Attribute)

		child := func(tr record.Record, childPath string) (map[string]any, error) {
			c := record.Project(tr, fields)
			if follow {
				if err := w.embed(ctx, c, target, tr, childPath, depth+1); err != nil {
					return nil, err
				}
			}
			return map[string]any(c), nil
		}

		switch l.Cardinality {
		case links.One:
			fk, ok := rec[l.ForeignKey]
			if !ok || fk == nil {
				doc[l.Attribute] = nil
				continue
			}
			tr, err := w.reader.Get(ctx, l.Target, target.PrimaryKey, fk)
			if syncerr.IsNotFound(err) {
				delete(doc, l.Attribute)
				w.warn(path, l.Target, fk)
				continue
			}
			if err != nil {
				return err
			}
			c, err := child(tr, path)
			if err != nil {
				return err
			}
			doc[l.Attribute] = c

		case links.Many:
			rows, err := w.related(ctx, l, node, rec, target)
			if err != nil {
				return err
			}
			list := make([]any, 0, len(rows))
			for _, rel := range rows {
				if rel.missing {
					w.warn(fmt.Sprintf("%s[%d]", path, rel.index), l.Target, rel.id)
					continue
				}
				c, err := child(rel.rec, fmt.Sprintf("%s[%d]", path, len(list)))
				if err != nil {
					return err
				}
				list = append(list, c)
			}
			doc[l.Attribute] = list
		}
	}
	return nil
}

type related struct {
	rec     record.Record
	id      any
	index   int
	missing bool
}

// related lists the records of a cardinality many link in relational order.
func (w *walk) related(ctx context.Context, l links.LinkSpec, node *links.Entity, rec record.Record, target *links.Entity) ([]related, error) {
	parentID := rec[node.PrimaryKey]

	if l.Through == "" {
		orderBy := l.OrderBy
		if orderBy == "" {
			orderBy = target.PrimaryKey
		}
		rows, err := w.reader.FindBy(ctx, l.Target, l.ForeignKey, parentID, orderBy)
		if err != nil {
			return nil, err
		}
		out := make([]related, len(rows))
		for i, row := range rows {
			out[i] = related{rec: row, id: row[target.PrimaryKey], index: i}
		}
		return out, nil
	}

	orderBy := l.OrderBy
	if orderBy == "" {
		orderBy = w.cfg.PrimaryKey(l.Through)
	}
	joins, err := w.reader.FindBy(ctx, l.Through, l.SourceKey, parentID, orderBy)
	if err != nil {
		return nil, err
	}
	out := make([]related, 0, len(joins))
	for i, j := range joins {
		tid := j[l.TargetKey]
		if tid == nil {
			continue
		}
		tr, err := w.reader.Get(ctx, l.Target, target.PrimaryKey, tid)
		if syncerr.IsNotFound(err) {
			out = append(out, related{id: tid, index: i, missing: true})
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, related{rec: tr, id: tid, index: i})
	}
	return out, nil
}
