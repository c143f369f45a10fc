package compiler

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/specforge/specforge/internal/ast"
	"github.com/specforge/specforge/internal/identity"
	"github.com/specforge/specforge/internal/result"
	"github.com/specforge/specforge/internal/schema"
	apperrors "github.com/specforge/specforge/pkg/errors"
)

// Invocation is one call of a compiled action
type Invocation struct {
	Params   map[string]any
	Actor    string
	TenantID int64
}

// Outcome is what an invocation produced. Batch is non-nil when the
// action ran a loop; Result always carries the top-level verdict.
type Outcome struct {
	Result result.MutationResult
	Batch  *result.BatchOutcome

	deferred []deferredRefresh
}

// execEnv is the mutable state of one invocation: the resolved target
// record, the current loop item, stored call results, and the pending
// view refresh journal. It lives exactly as long as the transaction.
type execEnv struct {
	q        identity.Querier
	inv      Invocation
	record   map[string]any
	recordPK int64
	item     map[string]any
	vars     map[string]any
	out      map[string]any
	batch    *result.BatchOutcome
	pending  *pendingRefresh
}

// evalEnv builds the expression environment: record fields at top level,
// invocation parameters both merged and under "params", the loop item
// under "item", and stored call results by name.
func (e *execEnv) evalEnv() map[string]any {
	env := make(map[string]any, len(e.record)+len(e.inv.Params)+len(e.vars)+2)
	for k, v := range e.record {
		env[k] = v
	}
	for k, v := range e.inv.Params {
		env[k] = v
	}
	for k, v := range e.vars {
		env[k] = v
	}
	env["params"] = e.inv.Params
	if e.item != nil {
		env["item"] = e.item
	}
	return env
}

// Execute runs the procedure's steps against an open transaction and
// flushes the coalesced view refreshes before returning. The caller owns
// commit and rollback; any returned error means the transaction must
// roll back in full.
func (p *Procedure) Execute(ctx context.Context, q identity.Querier, inv Invocation) (*Outcome, error) {
	if inv.Params == nil {
		inv.Params = map[string]any{}
	}
	env := &execEnv{
		q:       q,
		inv:     inv,
		vars:    map[string]any{},
		out:     map[string]any{},
		pending: newPendingRefresh(),
	}

	if err := p.loadRecord(ctx, env); err != nil {
		return nil, err
	}
	if err := p.runSteps(ctx, env, p.spec.Steps); err != nil {
		return nil, err
	}

	deferred, err := p.flushRefreshes(ctx, env)
	if err != nil {
		return nil, err
	}

	out := &Outcome{deferred: deferred}
	if env.batch != nil {
		out.Batch = env.batch
		out.Result = result.OK(map[string]any{
			"attempted": env.batch.Attempted,
			"succeeded": env.batch.Succeeded,
			"failed":    env.batch.Failed,
		})
	} else {
		out.Result = result.OK(env.out)
	}
	return out, nil
}

// loadRecord resolves the target row named by the "id" parameter and
// snapshots its columns for predicate evaluation. Actions without an id
// parameter (pure inserts, batch loops) start from an empty record.
func (p *Procedure) loadRecord(ctx context.Context, env *execEnv) error {
	raw, ok := env.inv.Params[schema.ColExternalID]
	if !ok {
		return nil
	}
	externalID, ok := raw.(string)
	if !ok {
		return apperrors.NewValidationError(schema.ColExternalID, "id parameter must be a string")
	}

	meta, ok := p.ctx.Entities.Get(p.spec.Entity)
	if !ok {
		return fmt.Errorf("unknown entity '%s'", p.spec.Entity)
	}

	cols := []string{meta.PKColumn(), schema.ColExternalID, schema.ColBusinessID}
	if meta.Versioned {
		cols = append(cols, schema.ColVersion)
	}
	for _, c := range meta.Columns {
		cols = append(cols, c.Name)
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ? AND %s IS NULL",
		strings.Join(cols, ", "), meta.Table(), schema.ColExternalID, schema.ColDeletedAt,
	)
	row, err := queryRowMap(ctx, env.q, query, externalID)
	if err != nil {
		return fmt.Errorf("load %s '%s': %w", p.spec.Entity, externalID, err)
	}
	if row == nil {
		return &apperrors.NotFoundError{Entity: p.spec.Entity, ID: externalID}
	}

	pk, _ := row[meta.PKColumn()].(int64)
	delete(row, meta.PKColumn())
	env.recordPK = pk
	env.record = row
	env.out[schema.ColExternalID] = externalID
	if id, ok := row[schema.ColBusinessID]; ok {
		env.out[schema.ColBusinessID] = id
	}
	return nil
}

func (p *Procedure) runSteps(ctx context.Context, env *execEnv, steps []ast.Step) error {
	for i := range steps {
		if err := p.runStep(ctx, env, &steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Procedure) runStep(ctx context.Context, env *execEnv, s *ast.Step) error {
	switch s.Kind {
	case ast.StepValidate:
		return p.runValidate(env, s.Validate)
	case ast.StepWrite:
		return p.runWrite(ctx, env, s.Write)
	case ast.StepConditional:
		return p.runConditional(ctx, env, s.Conditional)
	case ast.StepLoop:
		return p.runLoop(ctx, env, s.Loop)
	case ast.StepCall:
		return p.runCall(ctx, env, s.Call)
	case ast.StepNotify:
		p.runNotify(env, s.Notify)
		return nil
	case ast.StepRefresh:
		p.runRefresh(env, s.Refresh)
		return nil
	default:
		return fmt.Errorf("action '%s': unknown step kind '%s'", p.Name(), s.Kind)
	}
}

// runValidate aborts the invocation when the predicate is false. Nothing
// before or after a failed validation survives; the caller rolls back.
func (p *Procedure) runValidate(env *execEnv, v *ast.ValidateStep) error {
	ok, err := p.ctx.Expr.EvaluateBool(v.Expression, env.evalEnv())
	if err != nil {
		return fmt.Errorf("action '%s': validate: %w", p.Name(), err)
	}
	if ok {
		return nil
	}
	msg := v.Message
	if msg == "" {
		msg = fmt.Sprintf("condition not met: %s", v.Expression)
	}
	return &apperrors.ValidationError{Field: v.Field, Message: msg, ErrCode: v.ErrorCode}
}

func (p *Procedure) runConditional(ctx context.Context, env *execEnv, c *ast.ConditionalStep) error {
	ok, err := p.ctx.Expr.EvaluateBool(c.Expression, env.evalEnv())
	if err != nil {
		return fmt.Errorf("action '%s': conditional: %w", p.Name(), err)
	}
	if ok {
		return p.runSteps(ctx, env, c.Then)
	}
	return p.runSteps(ctx, env, c.Else)
}

// runCall invokes another compiled action inside the same transaction.
// With StoreResult set, a callee failure becomes an inspectable value
// instead of propagating.
func (p *Procedure) runCall(ctx context.Context, env *execEnv, c *ast.CallStep) error {
	callee, ok := p.ctx.Registry.Get(c.Action)
	if !ok {
		return &apperrors.NotFoundError{Entity: "action", ID: c.Action}
	}

	args := make(map[string]any, len(c.Args))
	for _, name := range sortedKeys(c.Args) {
		val, err := p.resolveValue(env, c.Args[name])
		if err != nil {
			return fmt.Errorf("action '%s': call '%s' arg '%s': %w", p.Name(), c.Action, name, err)
		}
		args[name] = val
	}

	sub := &execEnv{
		q:       env.q,
		inv:     Invocation{Params: args, Actor: env.inv.Actor, TenantID: env.inv.TenantID},
		vars:    map[string]any{},
		out:     map[string]any{},
		pending: env.pending,
	}

	if c.StoreResult == "" {
		if err := callee.loadRecord(ctx, sub); err != nil {
			return err
		}
		return callee.runSteps(ctx, sub, callee.spec.Steps)
	}

	// the callee runs under its own savepoint so a stored failure leaves
	// no durable change behind. Self and transitive recursion are rejected
	// at Finalize, so the callee name is a unique savepoint on this stack.
	sp := "sp_call_" + c.Action
	if _, err := env.q.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return fmt.Errorf("savepoint %s: %w", sp, err)
	}
	mark := env.pending.mark()

	err := callee.loadRecord(ctx, sub)
	if err == nil {
		err = callee.runSteps(ctx, sub, callee.spec.Steps)
	}
	if err != nil {
		if _, rbErr := env.q.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
			return fmt.Errorf("rollback to %s: %w", sp, rbErr)
		}
		env.pending.rewind(mark)
		if !isBusinessError(err) {
			return err
		}
		env.vars[c.StoreResult] = result.FromError(err)
		return nil
	}
	if _, err := env.q.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return fmt.Errorf("release %s: %w", sp, err)
	}
	env.vars[c.StoreResult] = result.OK(sub.out)
	return nil
}

// isBusinessError reports whether an error is a structured domain failure
// rather than an infrastructure fault.
func isBusinessError(err error) bool {
	return apperrors.IsValidation(err) ||
		apperrors.IsNotFound(err) ||
		apperrors.IsUniqueConstraint(err) ||
		apperrors.IsConcurrencyConflict(err)
}

// runNotify publishes a best-effort signal. It never fails the action;
// a missing notifier just drops the payload.
func (p *Procedure) runNotify(env *execEnv, n *ast.NotifyStep) {
	if p.ctx.Notifier == nil {
		return
	}
	eval := env.evalEnv()
	payload := make(map[string]any, len(n.Payload)+1)
	payload["action"] = p.Name()
	for _, field := range n.Payload {
		payload[field] = eval[field]
	}
	p.ctx.Notifier.Publish(n.Channel, payload)
}

func (p *Procedure) runRefresh(env *execEnv, r *ast.RefreshStep) {
	env.pending.widen(r.Scope)
	if r.Scope == ast.RefreshPropagate {
		env.pending.addExplicit(r.Views...)
	}
}

// resolveValue turns a declarative set/arg value into a runtime value.
// "@item.x" reads the current loop item, "@name" an invocation parameter,
// a leading "=" evaluates an expression, anything else is a literal.
func (p *Procedure) resolveValue(env *execEnv, spec string) (any, error) {
	switch {
	case strings.HasPrefix(spec, "@item."):
		if env.item == nil {
			return nil, fmt.Errorf("'%s' used outside a loop", spec)
		}
		field := strings.TrimPrefix(spec, "@item.")
		val, ok := env.item[field]
		if !ok {
			return nil, fmt.Errorf("loop item has no field '%s'", field)
		}
		return val, nil
	case strings.HasPrefix(spec, "@"):
		name := strings.TrimPrefix(spec, "@")
		val, ok := env.inv.Params[name]
		if !ok {
			return nil, apperrors.NewValidationError(name, "missing required parameter")
		}
		return val, nil
	case strings.HasPrefix(spec, "="):
		return p.ctx.Expr.Evaluate(strings.TrimPrefix(spec, "="), env.evalEnv())
	default:
		return spec, nil
	}
}

// queryRowMap runs a query expected to return at most one row and scans
// it into a column-keyed map. Byte slices normalize to strings so driver
// differences do not leak into expression evaluation.
func queryRowMap(ctx context.Context, q identity.Querier, query string, args ...any) (map[string]any, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	row := make(map[string]any, len(cols))
	for i, c := range cols {
		switch v := vals[i].(type) {
		case []byte:
			row[c] = string(v)
		case sql.RawBytes:
			row[c] = string(v)
		default:
			row[c] = v
		}
	}
	return row, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func logStep(action, format string, args ...any) {
	log.Printf("[action:%s] %s", action, fmt.Sprintf(format, args...))
}
