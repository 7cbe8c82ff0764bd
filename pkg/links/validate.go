package links

import (
	"fmt"
	"strings"

	"github.com/surrealdb/surrealsync/pkg/syncerr"
)

func configErr(entity, format string, args ...any) error {
	return &syncerr.ConfigurationError{Entity: entity, Reason: fmt.Sprintf(format, args...)}
}

func (c *Config) validate() error {
	for _, name := range c.entityNames() {
		if err := validateEntity(c.entities[name]); err != nil {
			return err
		}
	}

	// Cycle detection over the entity graph. Self edges are one-level self
	// references and are not followed.
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(c.entities))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		state[name] = visiting
		stack = append(stack, name)
		for _, l := range c.entities[name].Links {
			if l.Target == name {
				continue
			}
			switch state[l.Target] {
			case visiting:
				start := 0
				for i, s := range stack {
					if s == l.Target {
						start = i
						break
					}
				}
				return configErr(l.Target, "link cycle %s -> %s", strings.Join(stack[start:], " -> "), l.Target)
			case unvisited:
				if err := visit(l.Target); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}
	for _, name := range c.entityNames() {
		if state[name] == unvisited {
			if err := visit(name); err != nil {
				return err
			}
		}
	}

	// The graph is acyclic now, so depth is finite.
	for _, root := range c.roots {
		if d := c.depth(root); d > c.maxDepth {
			return configErr(root, "link depth %d exceeds maximum %d", d, c.maxDepth)
		}
	}
	return nil
}

func validateEntity(e *Entity) error {
	seen := make(map[string]bool, len(e.Links))
	for _, l := range e.Links {
		if l.Attribute == "" {
			return configErr(e.Name, "link with empty attribute")
		}
		if seen[l.Attribute] {
			return configErr(e.Name, "attribute %q linked twice", l.Attribute)
		}
		seen[l.Attribute] = true
		if l.Target == "" {
			return configErr(e.Name, "link %q has no target", l.Attribute)
		}
		switch l.Cardinality {
		case One:
			if l.Through != "" {
				return configErr(e.Name, "link %q: cardinality one cannot use a junction", l.Attribute)
			}
		case Many:
			if l.Through == "" && l.ForeignKey == "" {
				return configErr(e.Name, "link %q: cardinality many needs through or foreign_key", l.Attribute)
			}
			if l.Through != "" && (l.SourceKey == "" || l.TargetKey == "") {
				return configErr(e.Name, "link %q: junction %q needs source_key and target_key", l.Attribute, l.Through)
			}
		default:
			return configErr(e.Name, "link %q: unknown cardinality %q", l.Attribute, l.Cardinality)
		}
	}
	return nil
}

// depth returns the number of link levels below name.
func (c *Config) depth(name string) int {
	max := 0
	for _, l := range c.entities[name].Links {
		d := 1
		if l.Target != name {
			d += c.depth(l.Target)
		}
		if d > max {
			max = d
		}
	}
	return max
}
