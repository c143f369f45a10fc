package compiler

import (
	"context"
	"database/sql"

	"github.com/specforge/specforge/internal/engine"
	"github.com/specforge/specforge/internal/result"
	apperrors "github.com/specforge/specforge/pkg/errors"
)

// Invoke runs the procedure end to end: one transaction around the steps
// and the in-tx view refreshes, then post-commit handoff of deferred
// refresh work. Business failures come back as failure results; the
// error return is reserved for infrastructure faults.
func (p *Procedure) Invoke(ctx context.Context, eng *engine.Engine, inv Invocation) Outcome {
	var out *Outcome
	err := eng.WithRetry(ctx, func(tx *sql.Tx) error {
		o, execErr := p.Execute(ctx, tx, inv)
		if execErr != nil {
			return execErr
		}
		out = o
		return nil
	}, 3)

	if err != nil {
		if engine.IsContextTimeout(err) {
			err = &apperrors.TimeoutError{Action: p.Name(), Cause: err}
		}
		return Outcome{Result: result.FromError(err)}
	}

	if p.ctx.Deferred != nil {
		for _, d := range out.deferred {
			p.ctx.Deferred.Defer(d.view, d.pk)
		}
	}
	return *out
}
