package resolver

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealsync/pkg/links"
	"github.com/surrealdb/surrealsync/pkg/record"
	"github.com/surrealdb/surrealsync/pkg/syncerr"
)

// Ref names one record.
type Ref struct {
	Entity string
	ID     any
}

func (r Ref) key() string {
	return r.Entity + "/" + record.KeyString(r.ID)
}

// AffectedRoots walks the link configuration upwards from a changed record
// and returns the root records whose documents embed it.
//
// Links found through the changed row itself (a junction row, or a target
// carrying the parent's foreign key) cannot be followed once that row is
// deleted; those parents are skipped.
func (r *Resolver) AffectedRoots(ctx context.Context, entity string, id any) ([]Ref, error) {
	seen := map[string]bool{}
	start := Ref{Entity: entity, ID: record.NormalizeKey(id)}
	seen[start.key()] = true

	var roots []Ref
	frontier := []Ref{start}
	for depth := 0; depth < r.cfg.MaxDepth() && len(frontier) > 0; depth++ {
		var next []Ref
		for _, child := range frontier {
			parents, err := r.parents(ctx, child)
			if err != nil {
				return nil, fmt.Errorf("find roots embedding %s %v: %w", child.Entity, child.ID, err)
			}
			for _, p := range parents {
				if seen[p.key()] {
					continue
				}
				seen[p.key()] = true
				if r.cfg.IsRoot(p.Entity) {
					roots = append(roots, p)
				}
				next = append(next, p)
			}
		}
		frontier = next
	}
	return roots, nil
}

// parents lists the records directly embedding or joining through child.
func (r *Resolver) parents(ctx context.Context, child Ref) ([]Ref, error) {
	var out []Ref
	add := func(parent string, id any) {
		if id != nil {
			out = append(out, Ref{Entity: parent, ID: record.NormalizeKey(id)})
		}
	}

	// The changed row is read at most once.
	var row record.Record
	loaded := false
	self := func() (record.Record, error) {
		if loaded {
			return row, nil
		}
		loaded = true
		rec, err := r.reader.Get(ctx, child.Entity, r.cfg.PrimaryKey(child.Entity), child.ID)
		if syncerr.IsNotFound(err) {
			return nil, nil
		}
		row = rec
		return rec, err
	}

	for _, ref := range r.cfg.Referrers(child.Entity) {
		l := ref.Link
		parentPK := r.cfg.PrimaryKey(ref.Parent)

		switch {
		case l.Through == child.Entity:
			rec, err := self()
			if err != nil {
				return nil, err
			}
			add(ref.Parent, rec[l.SourceKey])

		case l.Cardinality == links.One:
			rows, err := r.reader.FindBy(ctx, ref.Parent, l.ForeignKey, child.ID, parentPK)
			if err != nil {
				return nil, err
			}
			for _, p := range rows {
				add(ref.Parent, p[parentPK])
			}

		case l.Through != "":
			joins, err := r.reader.FindBy(ctx, l.Through, l.TargetKey, child.ID, r.cfg.PrimaryKey(l.Through))
			if err != nil {
				return nil, err
			}
			for _, j := range joins {
				add(ref.Parent, j[l.SourceKey])
			}

		default:
			rec, err := self()
			if err != nil {
				return nil, err
			}
			add(ref.Parent, rec[l.ForeignKey])
		}
	}
	return out, nil
}
