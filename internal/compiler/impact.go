package compiler

import (
	"sort"

	"github.com/specforge/specforge/internal/ast"
	"github.com/specforge/specforge/internal/views"
	apperrors "github.com/specforge/specforge/pkg/errors"
)

// Impact is the derived read/write footprint of a compiled action:
// the write-side tables it mutates, the tables it reads, and the views
// its refresh orchestration touches. Clients use it to invalidate caches.
type Impact struct {
	Writes []string `json:"writes"`
	Reads  []string `json:"reads"`
	Views  []string `json:"views"`
}

// stringSet is a small helper for building sorted, deduplicated impact lists
type stringSet map[string]bool

func newStringSet(items ...string) stringSet {
	s := make(stringSet, len(items))
	for _, i := range items {
		s[i] = true
	}
	return s
}

func (s stringSet) add(items ...string) {
	for _, i := range items {
		s[i] = true
	}
}

func (s stringSet) merge(other stringSet) {
	for i := range other {
		s[i] = true
	}
}

func (s stringSet) sorted() []string {
	out := make([]string, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Strings(out)
	return out
}

func (s stringSet) equal(other stringSet) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if !other[i] {
			return false
		}
	}
	return true
}

// directImpact is the footprint of one procedure before call resolution
type directImpact struct {
	writes  stringSet
	reads   stringSet
	views   stringSet
	callees []string
}

// deriveImpact walks compiled steps and accumulates the direct footprint.
// Every write site contributes its table, a resolving read, and the
// written entity's self view. Refresh steps widen the view set per scope.
func (c *Compiler) deriveImpact(spec *ast.ActionSpec) directImpact {
	d := directImpact{
		writes: newStringSet(),
		reads:  newStringSet(),
		views:  newStringSet(),
	}

	if target, ok := c.ctx.Entities.Get(spec.Entity); ok {
		d.reads.add(target.Table())
	}

	c.walkImpact(spec.Steps, &d)
	return d
}

func (c *Compiler) walkImpact(steps []ast.Step, d *directImpact) {
	for i := range steps {
		s := &steps[i]
		switch s.Kind {
		case ast.StepWrite:
			meta, ok := c.ctx.Entities.Get(s.Write.Entity)
			if !ok {
				continue
			}
			d.writes.add(meta.Table())
			d.reads.add(meta.Table())
			// setting a reference column resolves the referenced row's
			// external id, which reads the referenced table
			for col := range s.Write.Set {
				if ref, isRef := meta.References[col]; isRef {
					if rm, ok := c.ctx.Entities.Get(ref); ok {
						d.reads.add(rm.Table())
					}
				}
			}
			if v, ok := c.ctx.Views.ViewForEntity(s.Write.Entity); ok {
				d.views.add(v.Name)
			}
		case ast.StepConditional:
			c.walkImpact(s.Conditional.Then, d)
			c.walkImpact(s.Conditional.Else, d)
		case ast.StepLoop:
			c.walkImpact(s.Loop.Steps, d)
		case ast.StepCall:
			d.callees = append(d.callees, s.Call.Action)
		case ast.StepRefresh:
			c.refreshImpact(s.Refresh, d)
		}
	}
}

func (c *Compiler) refreshImpact(r *ast.RefreshStep, d *directImpact) {
	switch r.Scope {
	case ast.RefreshRelated:
		for v := range d.views {
			d.views.add(c.ctx.Views.Dependents(v)...)
		}
	case ast.RefreshPropagate:
		d.views.add(r.Views...)
		for _, v := range d.views.sorted() {
			d.views.add(transitiveDependents(c.ctx.Views, v)...)
		}
	case ast.RefreshBatch:
		// deferred refresh touches the same views it would in-tx
	}
}

func transitiveDependents(g *views.Graph, view string) []string {
	seen := newStringSet()
	queue := []string{view}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, dep := range g.Dependents(v) {
			if !seen[dep] {
				seen[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return seen.sorted()
}

// Finalize resolves call closures across every registered procedure and
// checks each declared impact against the derived one. It must run once,
// after all actions have compiled; call resolution is late-bound so
// registration order never matters.
func (c *Compiler) Finalize() error {
	for _, name := range c.ctx.Registry.Names() {
		p, _ := c.ctx.Registry.Get(name)
		closed, err := c.closeImpact(p, newStringSet())
		if err != nil {
			return err
		}

		p.Impact = Impact{
			Writes: closed.writes.sorted(),
			Reads:  closed.reads.sorted(),
			Views:  closed.views.sorted(),
		}

		if err := checkDeclared(p.spec, closed); err != nil {
			return err
		}
	}
	return nil
}

// closeImpact folds every transitive callee's footprint into the caller's
func (c *Compiler) closeImpact(p *Procedure, visiting stringSet) (directImpact, error) {
	if visiting[p.Name()] {
		return directImpact{}, &apperrors.DependencyCycleError{Cycle: append(visiting.sorted(), p.Name())}
	}
	visiting[p.Name()] = true
	defer delete(visiting, p.Name())

	closed := directImpact{
		writes: newStringSet(p.direct.writes.sorted()...),
		reads:  newStringSet(p.direct.reads.sorted()...),
		views:  newStringSet(p.direct.views.sorted()...),
	}
	for _, callee := range p.direct.callees {
		cp, ok := c.ctx.Registry.Get(callee)
		if !ok {
			return directImpact{}, &apperrors.NotFoundError{Entity: "action", ID: callee}
		}
		sub, err := c.closeImpact(cp, visiting)
		if err != nil {
			return directImpact{}, err
		}
		closed.writes.merge(sub.writes)
		closed.reads.merge(sub.reads)
		closed.views.merge(sub.views)
	}
	return closed, nil
}

// checkDeclared compares the author's impact declaration against the
// derived sets. Mismatch in either direction aborts compilation: a missing
// declaration hides an effect, an extra one promises a phantom.
func checkDeclared(spec *ast.ActionSpec, derived directImpact) error {
	checks := []struct {
		kind     string
		declared []string
		derived  stringSet
	}{
		{"writes", spec.Impact.Writes, derived.writes},
		{"reads", spec.Impact.Reads, derived.reads},
		{"views", spec.Impact.Views, derived.views},
	}
	for _, ch := range checks {
		if !newStringSet(ch.declared...).equal(ch.derived) {
			return &apperrors.ImpactMismatchError{
				Action:   spec.Name,
				Kind:     ch.kind,
				Declared: ch.declared,
				Derived:  ch.derived.sorted(),
			}
		}
	}
	return nil
}
