package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/specforge/specforge/internal/schema"
	"github.com/specforge/specforge/internal/views"
)

// columnType maps the metadata type vocabulary to the dialect's SQL type
func (e *Engine) columnType(t string) string {
	if e.dialect == DialectMySQL {
		switch t {
		case "integer":
			return "BIGINT"
		case "decimal":
			return "DECIMAL(18,6)"
		case "boolean":
			return "TINYINT(1)"
		case "timestamp":
			return "DATETIME"
		default:
			return "VARCHAR(255)"
		}
	}
	switch t {
	case "integer", "boolean":
		return "INTEGER"
	case "decimal":
		return "REAL"
	default:
		return "TEXT"
	}
}

func (e *Engine) pkType() string {
	if e.dialect == DialectMySQL {
		return "BIGINT PRIMARY KEY AUTO_INCREMENT"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (e *Engine) textType() string {
	if e.dialect == DialectMySQL {
		return "VARCHAR(255)"
	}
	return "TEXT"
}

// CreateEntityTables creates the write-side table of every entity and the
// read-side table of every view. Intended for tests and local bootstrap;
// production schema is owned by migrations.
func (e *Engine) CreateEntityTables(ctx context.Context, catalog *schema.Catalog, graph *views.Graph) error {
	for _, name := range catalog.Names() {
		meta, _ := catalog.Get(name)
		if _, err := e.db.ExecContext(ctx, e.entityDDL(meta)); err != nil {
			return fmt.Errorf("create %s: %w", meta.Table(), err)
		}
	}
	if graph == nil {
		return nil
	}
	for _, name := range graph.Names() {
		v, _ := graph.Get(name)
		meta, ok := catalog.Get(v.Entity)
		if !ok {
			return fmt.Errorf("view '%s' projects unknown entity '%s'", name, v.Entity)
		}
		if _, err := e.db.ExecContext(ctx, e.viewDDL(v, meta, graph)); err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
	}
	return nil
}

func (e *Engine) entityDDL(meta *schema.Entity) string {
	text := e.textType()
	cols := []string{
		meta.PKColumn() + " " + e.pkType(),
		schema.ColExternalID + " " + text + " NOT NULL UNIQUE",
		schema.ColBusinessID + " " + text,
		schema.ColTenant + " BIGINT NOT NULL DEFAULT 0",
	}
	for _, c := range meta.Columns {
		def := c.Name + " " + e.columnType(c.Type)
		if !c.Nullable {
			def += " NOT NULL"
		}
		if c.Unique {
			def += " UNIQUE"
		}
		cols = append(cols, def)
	}

	refs := map[string]bool{}
	for _, ref := range meta.References {
		refs[ref] = true
	}
	if meta.Parent != "" {
		refs[meta.Parent] = true
	}
	refNames := make([]string, 0, len(refs))
	for r := range refs {
		refNames = append(refNames, r)
	}
	sort.Strings(refNames)
	for _, r := range refNames {
		cols = append(cols, "fk_"+r+" BIGINT")
	}

	if meta.Versioned {
		cols = append(cols, schema.ColVersion+" BIGINT NOT NULL DEFAULT 1")
	}
	cols = append(cols,
		schema.ColCreatedAt+" "+text,
		schema.ColCreatedBy+" "+text,
		schema.ColUpdatedAt+" "+text,
		schema.ColUpdatedBy+" "+text,
		schema.ColDeletedAt+" "+text,
		schema.ColDeletedBy+" "+text,
	)

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", meta.Table(), strings.Join(cols, ", "))
}

func (e *Engine) viewDDL(v *views.View, meta *schema.Entity, graph *views.Graph) string {
	text := e.textType()
	cols := []string{
		meta.PKColumn() + " BIGINT PRIMARY KEY",
		schema.ColExternalID + " " + text,
		schema.ColBusinessID + " " + text,
	}

	fields := v.Fields
	if len(fields) == 0 {
		for _, c := range meta.Columns {
			fields = append(fields, c.Name)
		}
	}
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	for _, f := range sorted {
		c, ok := meta.Column(f)
		if !ok {
			continue
		}
		cols = append(cols, c.Name+" "+e.columnType(c.Type))
	}

	embeds := append([]string(nil), v.Embeds...)
	sort.Strings(embeds)
	for _, embed := range embeds {
		if ev, ok := graph.Get(embed); ok {
			if e.dialect == DialectMySQL {
				cols = append(cols, ev.Entity+"_data JSON")
			} else {
				cols = append(cols, ev.Entity+"_data TEXT")
			}
		}
	}
	cols = append(cols, "refreshed_at "+text)

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", v.Name, strings.Join(cols, ", "))
}
