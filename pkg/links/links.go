// Package links declares which relational entities are mirrored into the
// document store and how related records are embedded into them.
//
// The configuration is an arena: every entity is declared once, by name, with
// its own ordered list of [LinkSpec]. A LinkSpec refers to its target entity by
// name, and the target's own links are looked up in the arena when the
// resolver descends into it. Nothing holds a pointer to another node, so a
// cyclic declaration cannot produce a cyclic object graph; it is instead
// detected and rejected by [New] before any traffic is processed.
//
// An [ApiLink] names a root entity: its records become top-level documents in
// the collection of the same name (or the configured collection). There is at
// most one ApiLink per root entity.
package links

import (
	"fmt"
	"sort"
)

// Cardinality is the shape of an embedded relation.
type Cardinality string

const (
	// One embeds a single related record, or nil.
	One Cardinality = "one"
	// Many embeds an ordered list of related records.
	Many Cardinality = "many"
)

// DefaultPrimaryKey is used for entities that do not declare a primary key.
const DefaultPrimaryKey = "id"

// DefaultMaxDepth caps how deep link trees may nest below a root.
const DefaultMaxDepth = 4

// LinkSpec describes how one related entity is embedded into its parent.
type LinkSpec struct {
	// Attribute is the document field receiving the embed.
	Attribute string `yaml:"attribute"`
	// Target is the related entity name.
	Target string `yaml:"target"`
	// Cardinality is one or many.
	Cardinality Cardinality `yaml:"cardinality"`
	// Fields restricts the embedded fields. Empty falls back to the target
	// entity's declared fields, then to every column.
	Fields []string `yaml:"fields,omitempty"`

	// ForeignKey is, for cardinality one, the column on the parent holding the
	// target's primary key (default "<attribute>_id"). For cardinality many
	// without Through, it is the column on the target pointing back at the
	// parent.
	ForeignKey string `yaml:"foreign_key,omitempty"`
	// Through names a junction entity for many-to-many relations.
	Through string `yaml:"through,omitempty"`
	// SourceKey is the junction column referencing the parent.
	SourceKey string `yaml:"source_key,omitempty"`
	// TargetKey is the junction column referencing the target.
	TargetKey string `yaml:"target_key,omitempty"`
	// OrderBy is the relational column defining list order for cardinality
	// many. Defaults to the primary key of the junction or target entity.
	OrderBy string `yaml:"order_by,omitempty"`
}

// Entity is one arena node.
type Entity struct {
	Name       string     `yaml:"-"`
	PrimaryKey string     `yaml:"primary_key,omitempty"`
	Fields     []string   `yaml:"fields,omitempty"`
	Links      []LinkSpec `yaml:"links,omitempty"`
}

// ApiLink marks an entity as a root whose records are projected as documents.
type ApiLink struct {
	Root       string `yaml:"root"`
	Collection string `yaml:"collection,omitempty"`
}

// Config is a validated link configuration. It is immutable after New.
type Config struct {
	entities map[string]*Entity
	apiLinks map[string]ApiLink
	roots    []string
	maxDepth int
}

// Option configures New.
type Option func(*Config)

// WithMaxDepth overrides DefaultMaxDepth.
func WithMaxDepth(depth int) Option {
	return func(c *Config) {
		if depth > 0 {
			c.maxDepth = depth
		}
	}
}

// New builds and validates a configuration. Entities referenced by links
// but not declared are added with default settings. The returned error is a
// *syncerr.ConfigurationError.
func New(entities []Entity, apiLinks []ApiLink, opts ...Option) (*Config, error) {
	c := &Config{
		entities: make(map[string]*Entity, len(entities)),
		apiLinks: make(map[string]ApiLink, len(apiLinks)),
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(c)
	}

	for i := range entities {
		e := entities[i]
		if e.Name == "" {
			return nil, configErr("", "entity with empty name")
		}
		if _, dup := c.entities[e.Name]; dup {
			return nil, configErr(e.Name, "entity declared twice")
		}
		if e.PrimaryKey == "" {
			e.PrimaryKey = DefaultPrimaryKey
		}
		e.Links = append([]LinkSpec(nil), e.Links...)
		for j := range e.Links {
			applyLinkDefaults(&e.Links[j])
		}
		c.entities[e.Name] = &e
	}

	for _, al := range apiLinks {
		if al.Root == "" {
			return nil, configErr("", "api link with empty root")
		}
		if _, dup := c.apiLinks[al.Root]; dup {
			return nil, configErr(al.Root, "more than one api link for root entity")
		}
		if al.Collection == "" {
			al.Collection = al.Root
		}
		c.apiLinks[al.Root] = al
		c.roots = append(c.roots, al.Root)
		c.ensure(al.Root)
	}
	if len(c.roots) == 0 {
		return nil, configErr("", "no root entities declared")
	}

	// Targets and junctions are readable even when not declared.
	for _, name := range c.entityNames() {
		for _, l := range c.entities[name].Links {
			c.ensure(l.Target)
			if l.Through != "" {
				c.ensure(l.Through)
			}
		}
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func applyLinkDefaults(l *LinkSpec) {
	if l.Cardinality == One && l.ForeignKey == "" {
		l.ForeignKey = l.Attribute + "_id"
	}
}

func (c *Config) ensure(name string) {
	if name == "" {
		return
	}
	if _, ok := c.entities[name]; !ok {
		c.entities[name] = &Entity{Name: name, PrimaryKey: DefaultPrimaryKey}
	}
}

func (c *Config) entityNames() []string {
	names := make([]string, 0, len(c.entities))
	for name := range c.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Roots returns root entity names in declaration order.
func (c *Config) Roots() []string {
	return append([]string(nil), c.roots...)
}

// ApiLink returns the api link for root.
func (c *Config) ApiLink(root string) (ApiLink, bool) {
	al, ok := c.apiLinks[root]
	return al, ok
}

// IsRoot reports whether entity is projected.
func (c *Config) IsRoot(entity string) bool {
	_, ok := c.apiLinks[entity]
	return ok
}

// Collection returns the document collection for a root entity.
func (c *Config) Collection(root string) (string, error) {
	al, ok := c.apiLinks[root]
	if !ok {
		return "", fmt.Errorf("entity %q is not a root", root)
	}
	return al.Collection, nil
}

// Entity returns the arena node for name.
func (c *Config) Entity(name string) (*Entity, bool) {
	e, ok := c.entities[name]
	return e, ok
}

// PrimaryKey returns the primary key column of name.
func (c *Config) PrimaryKey(name string) string {
	if e, ok := c.entities[name]; ok {
		return e.PrimaryKey
	}
	return DefaultPrimaryKey
}

// Referrer is a link that embeds, or joins through, some entity.
type Referrer struct {
	// Parent is the entity declaring the link.
	Parent string
	Link   LinkSpec
}

// Referrers returns every link whose target or junction is name, ordered by
// parent entity name then declaration order.
func (c *Config) Referrers(name string) []Referrer {
	var out []Referrer
	for _, parent := range c.entityNames() {
		for _, l := range c.entities[parent].Links {
			if l.Target == name || l.Through == name {
				out = append(out, Referrer{Parent: parent, Link: l})
			}
		}
	}
	return out
}

// MaxDepth returns the configured depth cap.
func (c *Config) MaxDepth() int {
	return c.maxDepth
}
