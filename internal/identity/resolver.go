// Package identity implements the three-tier identifier scheme: internal
// surrogate keys, opaque external ids, and human-readable business
// identifiers. Callers only ever hold external ids; resolution to the
// surrogate key happens here, inside the caller's transaction.
package identity

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/specforge/specforge/pkg/errors"
	"github.com/specforge/specforge/internal/schema"
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Resolver maps external ids to surrogate keys and derives business
// identifiers. It is stateless; every call runs against the Querier it
// is given, so resolution shares the caller's transaction.
type Resolver struct {
	catalog *schema.Catalog
}

// NewResolver creates a resolver over the entity catalog
func NewResolver(catalog *schema.Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// NewExternalID mints a fresh opaque external id
func NewExternalID() string {
	return uuid.NewString()
}

// Resolve returns the surrogate key for an external id. Soft-deleted rows
// do not resolve; the caller sees the same NotFound as for a missing row.
func (r *Resolver) Resolve(ctx context.Context, q Querier, entity, externalID string) (int64, error) {
	meta, ok := r.catalog.Get(entity)
	if !ok {
		return 0, fmt.Errorf("unknown entity '%s'", entity)
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ? AND %s IS NULL",
		meta.PKColumn(), meta.Table(), schema.ColExternalID, schema.ColDeletedAt,
	)

	var pk int64
	err := q.QueryRowContext(ctx, query, externalID).Scan(&pk)
	if err == sql.ErrNoRows {
		return 0, &apperrors.NotFoundError{Entity: entity, ID: externalID}
	}
	if err != nil {
		return 0, fmt.Errorf("resolve %s '%s': %w", entity, externalID, err)
	}
	return pk, nil
}

// ResolveVersioned resolves an external id and enforces an optimistic
// version expectation in the same lookup.
func (r *Resolver) ResolveVersioned(ctx context.Context, q Querier, entity, externalID string, expectVersion int64) (int64, error) {
	meta, ok := r.catalog.Get(entity)
	if !ok {
		return 0, fmt.Errorf("unknown entity '%s'", entity)
	}
	if !meta.Versioned {
		return 0, fmt.Errorf("entity '%s' is not versioned", entity)
	}

	query := fmt.Sprintf(
		"SELECT %s, %s FROM %s WHERE %s = ? AND %s IS NULL",
		meta.PKColumn(), schema.ColVersion, meta.Table(), schema.ColExternalID, schema.ColDeletedAt,
	)

	var pk, version int64
	err := q.QueryRowContext(ctx, query, externalID).Scan(&pk, &version)
	if err == sql.ErrNoRows {
		return 0, &apperrors.NotFoundError{Entity: entity, ID: externalID}
	}
	if err != nil {
		return 0, fmt.Errorf("resolve %s '%s': %w", entity, externalID, err)
	}
	if version != expectVersion {
		return 0, &apperrors.ConcurrencyConflictError{
			Entity:          entity,
			ID:              externalID,
			ExpectedVersion: expectVersion,
		}
	}
	return pk, nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases the source value and collapses non-alphanumeric runs
// to single hyphens.
func Slugify(value string) string {
	s := strings.ToLower(strings.TrimSpace(value))
	s = slugPattern.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// DeriveIdentifier computes a unique business identifier from the entity's
// identifier source value. Uniqueness is scoped to the tenant, plus the
// parent row when the entity is hierarchical. Collisions take numeric
// suffixes: base, base-2, base-3, and so on. The row being written is
// excluded so re-derivation on update is stable.
func (r *Resolver) DeriveIdentifier(ctx context.Context, q Querier, entity string, sourceValue string, tenantID int64, parentPK, selfPK *int64) (string, error) {
	meta, ok := r.catalog.Get(entity)
	if !ok {
		return "", fmt.Errorf("unknown entity '%s'", entity)
	}

	base := Slugify(sourceValue)
	if base == "" {
		base = entity
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ? AND %s IS NULL",
		schema.ColBusinessID, meta.Table(), schema.ColTenant, schema.ColDeletedAt,
	)
	args := []any{tenantID}
	if meta.Parent != "" && parentPK != nil {
		query += fmt.Sprintf(" AND fk_%s = ?", meta.Parent)
		args = append(args, *parentPK)
	}
	if selfPK != nil {
		query += fmt.Sprintf(" AND %s != ?", meta.PKColumn())
		args = append(args, *selfPK)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return "", fmt.Errorf("derive identifier for %s: %w", entity, err)
	}
	defer rows.Close()

	taken := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("derive identifier for %s: %w", entity, err)
		}
		taken[id] = true
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("derive identifier for %s: %w", entity, err)
	}

	if !taken[base] {
		return base, nil
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s-%d", base, n)
		if !taken[candidate] {
			return candidate, nil
		}
	}
}

// Recalculate re-derives a row's business identifier from its current
// source value and rewrites it when it changed. This is the only path
// that mutates an identifier after insert; ordinary writes leave it
// untouched even when the source column changes.
func (r *Resolver) Recalculate(ctx context.Context, q Querier, entity, externalID string) (string, error) {
	meta, ok := r.catalog.Get(entity)
	if !ok {
		return "", fmt.Errorf("unknown entity '%s'", entity)
	}
	if meta.IdentifierSource == "" {
		return "", fmt.Errorf("entity '%s' has no identifier source", entity)
	}

	cols := []string{meta.PKColumn(), schema.ColBusinessID, meta.IdentifierSource, schema.ColTenant}
	if meta.Parent != "" {
		cols = append(cols, "fk_"+meta.Parent)
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ? AND %s IS NULL",
		strings.Join(cols, ", "), meta.Table(), schema.ColExternalID, schema.ColDeletedAt,
	)

	var (
		pk       int64
		current  sql.NullString
		source   sql.NullString
		tenantID int64
		parentFK sql.NullInt64
	)
	dest := []any{&pk, &current, &source, &tenantID}
	if meta.Parent != "" {
		dest = append(dest, &parentFK)
	}
	err := q.QueryRowContext(ctx, query, externalID).Scan(dest...)
	if err == sql.ErrNoRows {
		return "", &apperrors.NotFoundError{Entity: entity, ID: externalID}
	}
	if err != nil {
		return "", fmt.Errorf("recalculate %s '%s': %w", entity, externalID, err)
	}

	var parentPK *int64
	if parentFK.Valid {
		parentPK = &parentFK.Int64
	}
	derived, err := r.DeriveIdentifier(ctx, q, entity, source.String, tenantID, parentPK, &pk)
	if err != nil {
		return "", err
	}
	if derived == current.String {
		return derived, nil
	}

	update := fmt.Sprintf(
		"UPDATE %s SET %s = ? WHERE %s = ?",
		meta.Table(), schema.ColBusinessID, meta.PKColumn(),
	)
	if _, err := q.ExecContext(ctx, update, derived, pk); err != nil {
		return "", fmt.Errorf("recalculate %s '%s': %w", entity, externalID, err)
	}
	return derived, nil
}
