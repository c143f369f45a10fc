package compiler

import (
	"fmt"

	"github.com/specforge/specforge/internal/ast"
	"github.com/specforge/specforge/internal/schema"
)

// Compiler checks and registers action specifications. Compile runs once
// per action; Finalize runs once per batch of compilations, after which
// the registered procedures are immutable and safe for concurrent use.
type Compiler struct {
	ctx   *Context
	guard *PredicateGuard
}

// New creates a compiler over a shared context
func New(ctx *Context) *Compiler {
	return &Compiler{ctx: ctx, guard: NewPredicateGuard()}
}

// Procedure is one compiled, registered action. Impact is populated by
// Finalize once call closures resolve.
type Procedure struct {
	Impact Impact

	spec   *ast.ActionSpec
	ctx    *Context
	direct directImpact
	// wheres holds the guard-normalized form of each write predicate
	wheres map[*ast.WriteStep]string
}

// Name returns the action name
func (p *Procedure) Name() string {
	return p.spec.Name
}

// Entity returns the action's target entity
func (p *Procedure) Entity() string {
	return p.spec.Entity
}

// Spec returns the compiled specification
func (p *Procedure) Spec() *ast.ActionSpec {
	return p.spec
}

// Batch reports whether this action is declared as a batch action
func (p *Procedure) Batch() bool {
	return p.spec.Batch
}

// NormalizedWhere returns the guard-normalized form of a write step's
// predicate, for emission
func (p *Procedure) NormalizedWhere(w *ast.WriteStep) string {
	return p.wheres[w]
}

// Compile validates an action spec, derives its direct impact, and
// registers the resulting procedure. Cross-action checks (call targets,
// impact closures) wait for Finalize.
func (c *Compiler) Compile(spec *ast.ActionSpec) (*Procedure, error) {
	meta, ok := c.ctx.Entities.Get(spec.Entity)
	if !ok {
		return nil, fmt.Errorf("action '%s': unknown entity '%s'", spec.Name, spec.Entity)
	}
	if _, dup := c.ctx.Registry.Get(spec.Name); dup {
		return nil, fmt.Errorf("duplicate action '%s'", spec.Name)
	}

	p := &Procedure{
		spec:   spec,
		ctx:    c.ctx,
		wheres: make(map[*ast.WriteStep]string),
	}
	if err := c.checkSteps(spec, meta, spec.Steps, p, false); err != nil {
		return nil, err
	}

	p.direct = c.deriveImpact(spec)
	c.ctx.Registry.Register(p)
	return p, nil
}

// checkSteps front-loads every per-step failure mode: expressions must
// compile, write targets and columns must exist, predicates must pass the
// guard, and loops must stay flat.
func (c *Compiler) checkSteps(spec *ast.ActionSpec, target *schema.Entity, steps []ast.Step, p *Procedure, inLoop bool) error {
	for i := range steps {
		s := &steps[i]
		switch s.Kind {
		case ast.StepValidate:
			if s.Validate.Expression == "" {
				return fmt.Errorf("action '%s': validate step without expression", spec.Name)
			}
			if err := c.ctx.Expr.Validate(s.Validate.Expression); err != nil {
				return fmt.Errorf("action '%s': validate: %w", spec.Name, err)
			}
		case ast.StepWrite:
			if err := c.checkWrite(spec, s.Write, p); err != nil {
				return err
			}
		case ast.StepConditional:
			if err := c.ctx.Expr.Validate(s.Conditional.Expression); err != nil {
				return fmt.Errorf("action '%s': conditional: %w", spec.Name, err)
			}
			if err := c.checkSteps(spec, target, s.Conditional.Then, p, inLoop); err != nil {
				return err
			}
			if err := c.checkSteps(spec, target, s.Conditional.Else, p, inLoop); err != nil {
				return err
			}
		case ast.StepLoop:
			if inLoop {
				return fmt.Errorf("action '%s': loops do not nest", spec.Name)
			}
			if s.Loop.Source == "" {
				return fmt.Errorf("action '%s': loop step without source", spec.Name)
			}
			if len(s.Loop.Steps) == 0 {
				return fmt.Errorf("action '%s': loop step without steps", spec.Name)
			}
			if err := c.checkSteps(spec, target, s.Loop.Steps, p, true); err != nil {
				return err
			}
		case ast.StepCall:
			if s.Call.Action == "" {
				return fmt.Errorf("action '%s': call step without action", spec.Name)
			}
			if s.Call.Action == spec.Name {
				return fmt.Errorf("action '%s' calls itself", spec.Name)
			}
		case ast.StepNotify:
			if s.Notify.Channel == "" {
				return fmt.Errorf("action '%s': notify step without channel", spec.Name)
			}
		case ast.StepRefresh:
			if err := c.checkRefresh(spec, s.Refresh); err != nil {
				return err
			}
		default:
			return fmt.Errorf("action '%s': unknown step kind '%s'", spec.Name, s.Kind)
		}
	}
	return nil
}

func (c *Compiler) checkWrite(spec *ast.ActionSpec, w *ast.WriteStep, p *Procedure) error {
	meta, ok := c.ctx.Entities.Get(w.Entity)
	if !ok {
		return fmt.Errorf("action '%s': write targets unknown entity '%s'", spec.Name, w.Entity)
	}

	for col, val := range w.Set {
		if _, isRef := meta.References[col]; isRef {
			continue
		}
		if _, known := meta.Column(col); !known {
			return fmt.Errorf("action '%s': entity '%s' has no column '%s'", spec.Name, w.Entity, col)
		}
		if len(val) > 1 && val[0] == '=' {
			if err := c.ctx.Expr.Validate(val[1:]); err != nil {
				return fmt.Errorf("action '%s': set '%s': %w", spec.Name, col, err)
			}
		}
	}

	if w.Kind == ast.WriteInsert && w.ExpectVersion != "" {
		return fmt.Errorf("action '%s': insert cannot expect a version", spec.Name)
	}
	if w.ExpectVersion != "" && !meta.Versioned {
		return fmt.Errorf("action '%s': entity '%s' is not versioned", spec.Name, w.Entity)
	}

	if w.Where != "" {
		if w.Kind == ast.WriteInsert {
			return fmt.Errorf("action '%s': insert cannot carry a predicate", spec.Name)
		}
		allowed := allowedColumns(meta)
		normalized, err := c.guard.Validate(w.Where, allowed)
		if err != nil {
			return fmt.Errorf("action '%s': write predicate: %w", spec.Name, err)
		}
		p.wheres[w] = normalized
	}
	return nil
}

func (c *Compiler) checkRefresh(spec *ast.ActionSpec, r *ast.RefreshStep) error {
	switch r.Scope {
	case ast.RefreshSelf, ast.RefreshRelated, ast.RefreshBatch:
		if len(r.Views) > 0 {
			return fmt.Errorf("action '%s': refresh scope '%s' takes no view list", spec.Name, r.Scope)
		}
	case ast.RefreshPropagate:
		if len(r.Views) == 0 {
			return fmt.Errorf("action '%s': refresh propagate requires views", spec.Name)
		}
		for _, v := range r.Views {
			if _, ok := c.ctx.Views.Get(v); !ok {
				return fmt.Errorf("action '%s': refresh names unknown view '%s'", spec.Name, v)
			}
		}
	default:
		return fmt.Errorf("action '%s': unknown refresh scope '%s'", spec.Name, r.Scope)
	}
	return nil
}

// allowedColumns is the referencable column set for a write predicate:
// business columns plus the identifier, audit and version columns.
func allowedColumns(meta *schema.Entity) map[string]bool {
	allowed := map[string]bool{
		schema.ColExternalID: true,
		schema.ColBusinessID: true,
		schema.ColCreatedAt:  true,
		schema.ColUpdatedAt:  true,
		schema.ColDeletedAt:  true,
		schema.ColTenant:     true,
	}
	if meta.Versioned {
		allowed[schema.ColVersion] = true
	}
	for _, c := range meta.Columns {
		allowed[c.Name] = true
	}
	for _, ref := range meta.References {
		allowed["fk_"+ref] = true
	}
	return allowed
}
