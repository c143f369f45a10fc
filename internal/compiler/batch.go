package compiler

import (
	"context"
	"fmt"

	"github.com/specforge/specforge/internal/ast"
	"github.com/specforge/specforge/internal/result"
	"github.com/specforge/specforge/internal/schema"
	apperrors "github.com/specforge/specforge/pkg/errors"
)

// runLoop executes the per-item steps of a loop over a named collection
// parameter. Each item runs inside its own savepoint: a failing item
// rolls back to its savepoint, leaving the surrounding transaction and
// every other item intact. With continue-on-error off, the first failure
// aborts the whole invocation instead.
func (p *Procedure) runLoop(ctx context.Context, env *execEnv, l *ast.LoopStep) error {
	items, err := loopItems(env, l.Source)
	if err != nil {
		return err
	}

	continues := l.Continues(p.spec.Batch)
	outcome := &result.BatchOutcome{}

	for i, item := range items {
		key := itemKey(item, i)
		sp := fmt.Sprintf("sp_item_%d", i)

		if _, err := env.q.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
			return fmt.Errorf("savepoint %s: %w", sp, err)
		}
		mark := env.pending.mark()

		env.item = item
		itemErr := p.runSteps(ctx, env, l.Steps)
		env.item = nil

		if itemErr != nil {
			if _, err := env.q.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); err != nil {
				return fmt.Errorf("rollback to %s: %w", sp, err)
			}
			env.pending.rewind(mark)
			if !continues {
				return itemErr
			}
			logStep(p.Name(), "item %s failed: %v", key, itemErr)
			outcome.Record(key, result.FromError(itemErr))
			continue
		}

		if _, err := env.q.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
			return fmt.Errorf("release %s: %w", sp, err)
		}
		outcome.Record(key, result.OK(map[string]any{schema.ColExternalID: key}))
	}

	env.batch = outcome
	return nil
}

// loopItems reads the loop's source collection from the invocation
// parameters, normalizing each element into a map.
func loopItems(env *execEnv, source string) ([]map[string]any, error) {
	raw, ok := env.inv.Params[source]
	if !ok {
		return nil, apperrors.NewValidationError(source, "missing required parameter")
	}

	var items []map[string]any
	switch list := raw.(type) {
	case []map[string]any:
		items = list
	case []any:
		items = make([]map[string]any, 0, len(list))
		for _, e := range list {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, apperrors.NewValidationError(source, "items must be objects")
			}
			items = append(items, m)
		}
	default:
		return nil, apperrors.NewValidationError(source, "must be a list of objects")
	}
	return items, nil
}

// itemKey labels one batch item in the outcome report: its external id
// when present, its input position otherwise.
func itemKey(item map[string]any, index int) string {
	if id, ok := item[schema.ColExternalID].(string); ok && id != "" {
		return id
	}
	return fmt.Sprintf("#%d", index)
}
