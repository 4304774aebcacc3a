package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownEntityType is returned for entity types missing from the catalog.
var ErrUnknownEntityType = errors.New("unknown entity type")

// ColumnKind describes how a source value is normalized into a column.
type ColumnKind int

const (
	KindText ColumnKind = iota
	KindMoney
	KindDate
	KindInteger
)

// Column is one scalar column of an entity table and where its value comes from.
type Column struct {
	Name string
	Kind ColumnKind
	// Source lists source field paths in order of preference. Dotted paths
	// walk nested objects ("customer.name").
	Source   []string
	Required bool
	// Default applies when every source path is missing or null.
	Default any
}

// Relation is a foreign-key column resolved from another entity type's external id.
type Relation struct {
	Column string
	Target EntityType
	Source []string
}

// Definition describes one entity type: its table and column mapping.
type Definition struct {
	Type      EntityType
	Table     string
	IDSource  []string
	Columns   []Column
	Relations []Relation
}

// ColumnNames returns scalar column names followed by relation column names.
func (d *Definition) ColumnNames() []string {
	names := make([]string, 0, len(d.Columns)+len(d.Relations))
	for _, c := range d.Columns {
		names = append(names, c.Name)
	}
	for _, r := range d.Relations {
		names = append(names, r.Column)
	}
	return names
}

// Catalog holds entity definitions and their dependency order.
type Catalog struct {
	defs  map[EntityType]*Definition
	order []EntityType
}

// NewCatalog builds a catalog and computes the dependency order.
// Declaration order breaks ties between independent types.
func NewCatalog(defs ...*Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[EntityType]*Definition, len(defs))}
	declared := make([]EntityType, 0, len(defs))
	for _, d := range defs {
		if d.Type == "" || d.Table == "" {
			return nil, fmt.Errorf("definition requires type and table: %+v", d)
		}
		if _, dup := c.defs[d.Type]; dup {
			return nil, fmt.Errorf("duplicate entity type %q", d.Type)
		}
		c.defs[d.Type] = d
		declared = append(declared, d.Type)
	}
	for _, d := range defs {
		for _, r := range d.Relations {
			if _, ok := c.defs[r.Target]; !ok {
				return nil, fmt.Errorf("%s.%s: %w: %s", d.Type, r.Column, ErrUnknownEntityType, r.Target)
			}
		}
	}

	order, err := topoSort(declared, c.defs)
	if err != nil {
		return nil, err
	}
	c.order = order
	return c, nil
}

// topoSort orders types so every relation target precedes its dependents.
func topoSort(declared []EntityType, defs map[EntityType]*Definition) ([]EntityType, error) {
	placed := make(map[EntityType]bool, len(declared))
	order := make([]EntityType, 0, len(declared))

	for len(order) < len(declared) {
		progressed := false
		for _, t := range declared {
			if placed[t] {
				continue
			}
			ready := true
			for _, r := range defs[t].Relations {
				if r.Target != t && !placed[r.Target] {
					ready = false
					break
				}
			}
			if ready {
				placed[t] = true
				order = append(order, t)
				progressed = true
				break
			}
		}
		if !progressed {
			var remaining []string
			for _, t := range declared {
				if !placed[t] {
					remaining = append(remaining, string(t))
				}
			}
			return nil, fmt.Errorf("dependency cycle between entity types: %s", strings.Join(remaining, ", "))
		}
	}
	return order, nil
}

// Lookup returns the definition for an entity type.
func (c *Catalog) Lookup(t EntityType) (*Definition, error) {
	d, ok := c.defs[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, t)
	}
	return d, nil
}

// Order returns every entity type in dependency order.
func (c *Catalog) Order() []EntityType {
	out := make([]EntityType, len(c.order))
	copy(out, c.order)
	return out
}

// Root returns the first entity type in dependency order.
func (c *Catalog) Root() EntityType {
	if len(c.order) == 0 {
		return ""
	}
	return c.order[0]
}

// Select returns the named types in dependency order. An empty selection means all.
func (c *Catalog) Select(names []string) ([]EntityType, error) {
	if len(names) == 0 {
		return c.Order(), nil
	}
	want := make(map[EntityType]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(strings.ToLower(n))
		if n == "" {
			continue
		}
		t := EntityType(n)
		if _, ok := c.defs[t]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, n)
		}
		want[t] = true
	}
	var out []EntityType
	for _, t := range c.order {
		if want[t] {
			out = append(out, t)
		}
	}
	return out, nil
}

// DependsOn reports whether t references parent, directly or transitively.
func (c *Catalog) DependsOn(t, parent EntityType) bool {
	seen := map[EntityType]bool{}
	var walk func(EntityType) bool
	walk = func(cur EntityType) bool {
		if seen[cur] {
			return false
		}
		seen[cur] = true
		d, ok := c.defs[cur]
		if !ok {
			return false
		}
		for _, r := range d.Relations {
			if r.Target == cur {
				continue
			}
			if r.Target == parent || walk(r.Target) {
				return true
			}
		}
		return false
	}
	return walk(t)
}
