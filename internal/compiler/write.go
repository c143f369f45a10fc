package compiler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/specforge/specforge/internal/ast"
	"github.com/specforge/specforge/internal/identity"
	"github.com/specforge/specforge/internal/schema"
	apperrors "github.com/specforge/specforge/pkg/errors"
)

// stampLayout is the timestamp format written into audit columns. Rendering in
// Go keeps inserts identical across sqlite and mysql.
const stampLayout = "2006-01-02 15:04:05"

func (p *Procedure) runWrite(ctx context.Context, env *execEnv, w *ast.WriteStep) error {
	meta, ok := p.ctx.Entities.Get(w.Entity)
	if !ok {
		return fmt.Errorf("unknown entity '%s'", w.Entity)
	}

	set, err := p.resolveSet(ctx, env, meta, w)
	if err != nil {
		return err
	}

	switch w.Kind {
	case ast.WriteInsert:
		return p.runInsert(ctx, env, meta, w, set)
	case ast.WriteUpdate:
		return p.runUpdate(ctx, env, meta, w, set)
	case ast.WriteDelete:
		return p.runDelete(ctx, env, meta, w)
	default:
		return fmt.Errorf("unknown write kind '%s'", w.Kind)
	}
}

// resolveSet evaluates every declared set value. Reference columns
// resolve their external id value to a surrogate key and land in the
// fk_<entity> column; everything else is a plain business column.
func (p *Procedure) resolveSet(ctx context.Context, env *execEnv, meta *schema.Entity, w *ast.WriteStep) (map[string]any, error) {
	set := make(map[string]any, len(w.Set))
	for _, col := range sortedKeys(w.Set) {
		val, err := p.resolveValue(env, w.Set[col])
		if err != nil {
			return nil, fmt.Errorf("action '%s': set '%s': %w", p.Name(), col, err)
		}
		if ref, isRef := meta.References[col]; isRef {
			extID, ok := val.(string)
			if !ok {
				return nil, apperrors.NewValidationError(col, "reference value must be an external id")
			}
			pk, err := p.ctx.Resolver.Resolve(ctx, env.q, ref, extID)
			if err != nil {
				return nil, err
			}
			set["fk_"+ref] = pk
			continue
		}
		set[col] = val
	}
	return set, nil
}

func (p *Procedure) runInsert(ctx context.Context, env *execEnv, meta *schema.Entity, w *ast.WriteStep, set map[string]any) error {
	now := time.Now().UTC().Format(stampLayout)
	externalID := identity.NewExternalID()

	row := map[string]any{
		schema.ColExternalID: externalID,
		schema.ColTenant:     env.inv.TenantID,
		schema.ColCreatedAt:  now,
		schema.ColCreatedBy:  env.inv.Actor,
		schema.ColUpdatedAt:  now,
		schema.ColUpdatedBy:  env.inv.Actor,
	}
	if meta.Versioned {
		row[schema.ColVersion] = int64(1)
	}
	for col, val := range set {
		row[col] = val
	}

	if meta.IdentifierSource != "" {
		source, _ := set[meta.IdentifierSource].(string)
		var parentPK *int64
		if meta.Parent != "" {
			if pk, ok := set["fk_"+meta.Parent].(int64); ok {
				parentPK = &pk
			}
		}
		identifier, err := p.ctx.Resolver.DeriveIdentifier(ctx, env.q, meta.Name, source, env.inv.TenantID, parentPK, nil)
		if err != nil {
			return err
		}
		row[schema.ColBusinessID] = identifier
	}

	cols := sortedKeys(row)
	args := make([]any, 0, len(cols))
	marks := make([]string, 0, len(cols))
	for _, c := range cols {
		args = append(args, row[c])
		marks = append(marks, "?")
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		meta.Table(), strings.Join(cols, ", "), strings.Join(marks, ", "),
	)
	res, err := env.q.ExecContext(ctx, query, args...)
	if err != nil {
		return mapWriteError(meta.Name, err)
	}
	pk, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert %s: %w", meta.Name, err)
	}
	logStep(p.Name(), "inserted %s pk=%d", meta.Name, pk)

	env.pending.record(meta.Name, pk)
	p.mergeOut(env, meta, row, pk)
	return nil
}

func (p *Procedure) runUpdate(ctx context.Context, env *execEnv, meta *schema.Entity, w *ast.WriteStep, set map[string]any) error {
	pk, err := p.resolveWriteTarget(ctx, env, meta, w)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(stampLayout)
	row := map[string]any{
		schema.ColUpdatedAt: now,
		schema.ColUpdatedBy: env.inv.Actor,
	}
	for col, val := range set {
		row[col] = val
	}

	assigns := make([]string, 0, len(row)+1)
	args := make([]any, 0, len(row)+2)
	for _, c := range sortedKeys(row) {
		assigns = append(assigns, c+" = ?")
		args = append(args, row[c])
	}
	if meta.Versioned {
		assigns = append(assigns, schema.ColVersion+" = "+schema.ColVersion+" + 1")
	}

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = ? AND %s IS NULL",
		meta.Table(), strings.Join(assigns, ", "), meta.PKColumn(), schema.ColDeletedAt,
	)
	args = append(args, pk)
	// the raw predicate was guard-checked at compile time; the normalized
	// form in p.wheres is for emission, where the dialect is fixed
	if w.Where != "" {
		query += " AND (" + w.Where + ")"
	}

	res, err := env.q.ExecContext(ctx, query, args...)
	if err != nil {
		return mapWriteError(meta.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", meta.Name, err)
	}
	if n == 0 {
		return &apperrors.NotFoundError{Entity: meta.Name, ID: fmt.Sprintf("pk %d", pk)}
	}
	logStep(p.Name(), "updated %s pk=%d", meta.Name, pk)

	env.pending.record(meta.Name, pk)
	p.mergeOut(env, meta, row, pk)
	p.mergeRecord(env, meta, row)
	return nil
}

// runDelete soft-deletes: the row keeps its history, resolution stops
// seeing it, and the refresh pass drops its view projection.
func (p *Procedure) runDelete(ctx context.Context, env *execEnv, meta *schema.Entity, w *ast.WriteStep) error {
	pk, err := p.resolveWriteTarget(ctx, env, meta, w)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(stampLayout)
	query := fmt.Sprintf(
		"UPDATE %s SET %s = ?, %s = ? WHERE %s = ? AND %s IS NULL",
		meta.Table(), schema.ColDeletedAt, schema.ColDeletedBy, meta.PKColumn(), schema.ColDeletedAt,
	)
	res, err := env.q.ExecContext(ctx, query, now, env.inv.Actor, pk)
	if err != nil {
		return mapWriteError(meta.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", meta.Name, err)
	}
	if n == 0 {
		return &apperrors.NotFoundError{Entity: meta.Name, ID: fmt.Sprintf("pk %d", pk)}
	}
	logStep(p.Name(), "deleted %s pk=%d", meta.Name, pk)

	env.pending.record(meta.Name, pk)
	return nil
}

// resolveWriteTarget finds the surrogate key of the row an update or
// delete addresses. The key parameter reads from the loop item first,
// then the invocation parameters; the target entity's own loaded record
// short-circuits when it is the one being written.
func (p *Procedure) resolveWriteTarget(ctx context.Context, env *execEnv, meta *schema.Entity, w *ast.WriteStep) (int64, error) {
	key := w.Key
	if key == "" {
		key = schema.ColExternalID
	}

	var raw any
	if env.item != nil {
		if v, ok := env.item[key]; ok {
			raw = v
		}
	}
	if raw == nil {
		raw = env.inv.Params[key]
	}
	if raw == nil {
		if meta.Name == p.spec.Entity && env.recordPK != 0 {
			return env.recordPK, nil
		}
		return 0, apperrors.NewValidationError(key, "missing required parameter")
	}
	externalID, ok := raw.(string)
	if !ok {
		return 0, apperrors.NewValidationError(key, "external id must be a string")
	}

	if w.ExpectVersion != "" {
		expect, err := toInt64(env.inv.Params[w.ExpectVersion])
		if err != nil {
			return 0, apperrors.NewValidationError(w.ExpectVersion, "expected version must be an integer")
		}
		return p.ctx.Resolver.ResolveVersioned(ctx, env.q, meta.Name, externalID, expect)
	}
	if meta.Name == p.spec.Entity && env.recordPK != 0 {
		if loaded, ok := env.inv.Params[schema.ColExternalID].(string); ok && loaded == externalID {
			return env.recordPK, nil
		}
	}
	return p.ctx.Resolver.Resolve(ctx, env.q, meta.Name, externalID)
}

// mergeOut folds a write into the invocation's result payload when it
// touched the action's target entity.
func (p *Procedure) mergeOut(env *execEnv, meta *schema.Entity, row map[string]any, pk int64) {
	if meta.Name != p.spec.Entity {
		return
	}
	for col, val := range row {
		switch col {
		case schema.ColCreatedAt, schema.ColCreatedBy, schema.ColUpdatedAt, schema.ColUpdatedBy, schema.ColTenant:
			continue
		}
		env.out[col] = val
	}
	if env.recordPK == 0 {
		env.recordPK = pk
	}
}

// mergeRecord keeps the in-memory record snapshot consistent with the
// columns just written, so later predicates observe the new state.
func (p *Procedure) mergeRecord(env *execEnv, meta *schema.Entity, row map[string]any) {
	if meta.Name != p.spec.Entity || env.record == nil {
		return
	}
	for col, val := range row {
		if _, known := meta.Column(col); known {
			env.record[col] = val
		}
	}
}

// mapWriteError converts driver-level constraint failures into taxonomy
// errors. Both drivers are matched by message so neither needs importing
// here.
func mapWriteError(entity string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry") {
		return &apperrors.UniqueConstraintError{Entity: entity}
	}
	return fmt.Errorf("write %s: %w", entity, err)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		var out int64
		_, err := fmt.Sscanf(n, "%d", &out)
		return out, err
	default:
		return 0, fmt.Errorf("not an integer: %v", v)
	}
}
