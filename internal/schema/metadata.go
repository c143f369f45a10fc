// Package schema holds the read-only entity metadata supplied by the
// schema generator: business columns plus the three Trinity identifier
// columns. The compiler consumes this; it never defines or alters schema.
package schema

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Trinity identifier columns present on every entity table.
const (
	ColSurrogatePrefix = "pk_"        // internal surrogate key, never exposed
	ColExternalID      = "id"         // opaque client-facing id, immutable once assigned
	ColBusinessID      = "identifier" // human-readable, unique within scope
)

// Audit columns stamped automatically on writes.
const (
	ColCreatedAt = "created_at"
	ColCreatedBy = "created_by"
	ColUpdatedAt = "updated_at"
	ColUpdatedBy = "updated_by"
	ColDeletedAt = "deleted_at"
	ColDeletedBy = "deleted_by"
	ColVersion   = "version"
	ColTenant    = "tenant_id"
)

// Column is one business column of an entity table
type Column struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"` // text, integer, decimal, boolean, timestamp
	Nullable bool   `yaml:"nullable"`
	Unique   bool   `yaml:"unique"`
}

// Entity is the write-side metadata of one entity
type Entity struct {
	Name    string   `yaml:"name"`
	Columns []Column `yaml:"columns"`
	// IdentifierSource names the column the business identifier is derived
	// from (slugged); empty means identifiers are assigned verbatim.
	IdentifierSource string `yaml:"identifier_source"`
	// Parent names the owning entity for hierarchical entities; business
	// identifier uniqueness is then scoped to tenant+parent.
	Parent string `yaml:"parent"`
	// Versioned enables the optimistic version column
	Versioned bool `yaml:"versioned"`
	// References maps column name -> referenced entity name (stored as
	// fk_<column> surrogate references).
	References map[string]string `yaml:"references"`
}

// Table returns the write-side table name
func (e *Entity) Table() string {
	return "tb_" + e.Name
}

// View returns the denormalized read-side table name
func (e *Entity) View() string {
	return "tv_" + e.Name
}

// PKColumn returns the surrogate key column name
func (e *Entity) PKColumn() string {
	return ColSurrogatePrefix + e.Name
}

// Column looks up a business column by name
func (e *Entity) Column(name string) (Column, bool) {
	for _, c := range e.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Catalog is the full set of entities known to one compilation run
type Catalog struct {
	entities map[string]*Entity
}

// NewCatalog builds a catalog from entity metadata
func NewCatalog(entities []*Entity) (*Catalog, error) {
	m := make(map[string]*Entity, len(entities))
	for _, e := range entities {
		if e.Name == "" {
			return nil, fmt.Errorf("entity metadata missing name")
		}
		if _, dup := m[e.Name]; dup {
			return nil, fmt.Errorf("duplicate entity metadata for '%s'", e.Name)
		}
		m[e.Name] = e
	}
	for _, e := range m {
		if e.Parent != "" {
			if _, ok := m[e.Parent]; !ok {
				return nil, fmt.Errorf("entity '%s' names unknown parent '%s'", e.Name, e.Parent)
			}
		}
		for col, ref := range e.References {
			if _, ok := m[ref]; !ok {
				return nil, fmt.Errorf("entity '%s' column '%s' references unknown entity '%s'", e.Name, col, ref)
			}
		}
	}
	return &Catalog{entities: m}, nil
}

// Get returns the metadata for an entity name
func (c *Catalog) Get(name string) (*Entity, bool) {
	e, ok := c.entities[name]
	return e, ok
}

// Names returns all entity names in sorted order
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entities))
	for n := range c.entities {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadCatalog reads entity metadata from a YAML file of the form
// {entities: [...]}.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema metadata: %w", err)
	}
	var doc struct {
		Entities []*Entity `yaml:"entities"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode schema metadata: %w", err)
	}
	return NewCatalog(doc.Entities)
}
