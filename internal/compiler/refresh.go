package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/specforge/specforge/internal/ast"
	"github.com/specforge/specforge/internal/identity"
	"github.com/specforge/specforge/internal/schema"
)

// changedRow is one write recorded for view refresh
type changedRow struct {
	entity string
	pk     int64
}

// deferredRefresh is refresh work handed to the post-commit coalescer
// when a refresh step requested batch scope.
type deferredRefresh struct {
	view string
	pk   int64
}

// pendingRefresh journals every write of an invocation so the view
// refreshes can run once, coalesced, just before commit. The journal
// supports mark/rewind so a rolled-back batch item leaves no trace.
type pendingRefresh struct {
	journal  []changedRow
	scope    ast.RefreshScope
	explicit []string
	deferred bool
}

type pendingMark struct {
	journal  int
	scope    ast.RefreshScope
	explicit int
	deferred bool
}

func newPendingRefresh() *pendingRefresh {
	return &pendingRefresh{scope: ast.RefreshSelf}
}

func (p *pendingRefresh) record(entity string, pk int64) {
	p.journal = append(p.journal, changedRow{entity: entity, pk: pk})
}

func scopeRank(s ast.RefreshScope) int {
	switch s {
	case ast.RefreshRelated:
		return 1
	case ast.RefreshPropagate:
		return 2
	default:
		return 0
	}
}

func (p *pendingRefresh) widen(s ast.RefreshScope) {
	if s == ast.RefreshBatch {
		p.deferred = true
		return
	}
	if scopeRank(s) > scopeRank(p.scope) {
		p.scope = s
	}
}

func (p *pendingRefresh) addExplicit(views ...string) {
	p.explicit = append(p.explicit, views...)
}

func (p *pendingRefresh) mark() pendingMark {
	return pendingMark{
		journal:  len(p.journal),
		scope:    p.scope,
		explicit: len(p.explicit),
		deferred: p.deferred,
	}
}

func (p *pendingRefresh) rewind(m pendingMark) {
	p.journal = p.journal[:m.journal]
	p.scope = m.scope
	p.explicit = p.explicit[:m.explicit]
	p.deferred = m.deferred
}

// flushRefreshes turns the journal into ordered view refreshes inside the
// current transaction. With batch scope requested, the work is returned
// for the post-commit coalescer instead.
func (p *Procedure) flushRefreshes(ctx context.Context, env *execEnv) ([]deferredRefresh, error) {
	pending := env.pending
	if len(pending.journal) == 0 {
		return nil, nil
	}

	changed := make(map[string]map[int64]bool)
	for _, c := range pending.journal {
		if changed[c.entity] == nil {
			changed[c.entity] = make(map[int64]bool)
		}
		changed[c.entity][c.pk] = true
	}

	if pending.deferred {
		var out []deferredRefresh
		for _, entity := range sortedKeys(changed) {
			v, ok := p.ctx.Views.ViewForEntity(entity)
			if !ok {
				continue
			}
			for _, pk := range sortedPKs(changed[entity]) {
				out = append(out, deferredRefresh{view: v.Name, pk: pk})
			}
		}
		return out, nil
	}

	affected := newStringSet()
	for entity := range changed {
		if v, ok := p.ctx.Views.ViewForEntity(entity); ok {
			affected.add(v.Name)
		}
	}
	switch pending.scope {
	case ast.RefreshRelated:
		for _, v := range affected.sorted() {
			affected.add(p.ctx.Views.Dependents(v)...)
		}
	case ast.RefreshPropagate:
		affected.add(pending.explicit...)
		for _, v := range affected.sorted() {
			affected.add(transitiveDependents(p.ctx.Views, v)...)
		}
	}

	order, err := p.ctx.Views.RefreshOrder(affected.sorted())
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{ctx: p.ctx}
	for _, name := range order {
		if err := o.refreshAffected(ctx, env.q, name, changed); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// Orchestrator materializes single view rows from their base table plus
// the denormalized payloads of embedded views. Embedded views refresh
// first (the caller orders them), so payload reads always see fresh data.
type Orchestrator struct {
	ctx *Context
}

// NewOrchestrator creates a refresh orchestrator over a compile context
func NewOrchestrator(ctx *Context) *Orchestrator {
	return &Orchestrator{ctx: ctx}
}

// refreshAffected refreshes every row of one view touched by the changed
// set: rows of the view's own entity, plus rows that embed a changed row
// through an fk reference.
func (o *Orchestrator) refreshAffected(ctx context.Context, q identity.Querier, viewName string, changed map[string]map[int64]bool) error {
	view, ok := o.ctx.Views.Get(viewName)
	if !ok {
		return fmt.Errorf("unknown view '%s'", viewName)
	}
	meta, ok := o.ctx.Entities.Get(view.Entity)
	if !ok {
		return fmt.Errorf("view '%s' projects unknown entity '%s'", viewName, view.Entity)
	}

	pks := make(map[int64]bool)
	for pk := range changed[view.Entity] {
		pks[pk] = true
	}

	for _, embed := range view.Embeds {
		ev, ok := o.ctx.Views.Get(embed)
		if !ok {
			continue
		}
		embedded := changed[ev.Entity]
		if len(embedded) == 0 {
			continue
		}
		marks := make([]string, 0, len(embedded))
		args := make([]any, 0, len(embedded))
		for _, pk := range sortedPKs(embedded) {
			marks = append(marks, "?")
			args = append(args, pk)
		}
		query := fmt.Sprintf(
			"SELECT %s FROM %s WHERE fk_%s IN (%s) AND %s IS NULL",
			meta.PKColumn(), meta.Table(), ev.Entity, strings.Join(marks, ", "), schema.ColDeletedAt,
		)
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("refresh '%s': %w", viewName, err)
		}
		for rows.Next() {
			var pk int64
			if err := rows.Scan(&pk); err != nil {
				rows.Close()
				return fmt.Errorf("refresh '%s': %w", viewName, err)
			}
			pks[pk] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("refresh '%s': %w", viewName, err)
		}
		rows.Close()
	}

	for _, pk := range sortedPKs(pks) {
		if err := o.RefreshRow(ctx, q, viewName, pk); err != nil {
			return err
		}
	}
	return nil
}

// RefreshRow rebuilds one denormalized view row. A soft-deleted or
// missing base row removes the projection instead.
func (o *Orchestrator) RefreshRow(ctx context.Context, q identity.Querier, viewName string, pk int64) error {
	view, ok := o.ctx.Views.Get(viewName)
	if !ok {
		return fmt.Errorf("unknown view '%s'", viewName)
	}
	meta, ok := o.ctx.Entities.Get(view.Entity)
	if !ok {
		return fmt.Errorf("view '%s' projects unknown entity '%s'", viewName, view.Entity)
	}

	fields := view.Fields
	if len(fields) == 0 {
		for _, c := range meta.Columns {
			fields = append(fields, c.Name)
		}
	}
	sort.Strings(fields)

	cols := []string{schema.ColExternalID, schema.ColBusinessID, schema.ColDeletedAt}
	cols = append(cols, fields...)
	embeds := append([]string(nil), view.Embeds...)
	sort.Strings(embeds)
	for _, embed := range embeds {
		if ev, ok := o.ctx.Views.Get(embed); ok {
			cols = append(cols, "fk_"+ev.Entity)
		}
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ?",
		strings.Join(cols, ", "), meta.Table(), meta.PKColumn(),
	)
	base, err := queryRowMap(ctx, q, query, pk)
	if err != nil {
		return fmt.Errorf("refresh '%s' pk=%d: %w", viewName, pk, err)
	}

	if base == nil || base[schema.ColDeletedAt] != nil {
		_, err := q.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE %s = ?", viewName, meta.PKColumn()), pk)
		if err != nil {
			return fmt.Errorf("refresh '%s' pk=%d: %w", viewName, pk, err)
		}
		return nil
	}

	row := map[string]any{
		meta.PKColumn():      pk,
		schema.ColExternalID: base[schema.ColExternalID],
		schema.ColBusinessID: base[schema.ColBusinessID],
		"refreshed_at":       time.Now().UTC().Format(stampLayout),
	}
	for _, f := range fields {
		row[f] = base[f]
	}

	for _, embed := range embeds {
		ev, ok := o.ctx.Views.Get(embed)
		if !ok {
			continue
		}
		col := ev.Entity + "_data"
		fk, ok := base["fk_"+ev.Entity].(int64)
		if !ok {
			row[col] = nil
			continue
		}
		em, ok := o.ctx.Entities.Get(ev.Entity)
		if !ok {
			row[col] = nil
			continue
		}
		payload, err := queryRowMap(ctx, q,
			fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", embed, em.PKColumn()), fk)
		if err != nil {
			return fmt.Errorf("refresh '%s' pk=%d: %w", viewName, pk, err)
		}
		if payload == nil {
			row[col] = nil
			continue
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("refresh '%s' pk=%d: %w", viewName, pk, err)
		}
		row[col] = string(data)
	}

	if _, err := q.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = ?", viewName, meta.PKColumn()), pk); err != nil {
		return fmt.Errorf("refresh '%s' pk=%d: %w", viewName, pk, err)
	}

	insertCols := sortedKeys(row)
	args := make([]any, 0, len(insertCols))
	marks := make([]string, 0, len(insertCols))
	for _, c := range insertCols {
		args = append(args, row[c])
		marks = append(marks, "?")
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		viewName, strings.Join(insertCols, ", "), strings.Join(marks, ", "),
	), args...)
	if err != nil {
		return fmt.Errorf("refresh '%s' pk=%d: %w", viewName, pk, err)
	}
	return nil
}

func sortedPKs(set map[int64]bool) []int64 {
	out := make([]int64, 0, len(set))
	for pk := range set {
		out = append(out, pk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
