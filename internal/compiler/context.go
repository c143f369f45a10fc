// Package compiler turns parsed action specifications into executable
// transactional procedures. Compilation front-loads every check that can
// fail: unknown entities, bad expressions, unguarded predicates, view
// cycles and impact mismatches all abort before anything runs.
package compiler

import (
	"sort"
	"sync"

	"github.com/specforge/specforge/internal/identity"
	"github.com/specforge/specforge/internal/schema"
	"github.com/specforge/specforge/internal/views"
	"github.com/specforge/specforge/pkg/expression"
)

// Notifier receives best-effort signals from notify steps. Publishing must
// never block the caller.
type Notifier interface {
	Publish(channel string, payload map[string]any)
}

// Deferred receives view refresh work that runs after commit instead of
// inside the writing transaction.
type Deferred interface {
	Defer(view string, pk int64)
}

// Context carries the shared collaborators of one compilation run. It is
// passed explicitly; nothing here is a process-wide singleton.
type Context struct {
	Entities *schema.Catalog
	Views    *views.Graph
	Registry *Registry
	Expr     *expression.Engine
	Resolver *identity.Resolver
	Notifier Notifier
	Deferred Deferred
}

// NewContext wires a compilation context over the given schema and views
func NewContext(entities *schema.Catalog, graph *views.Graph) *Context {
	return &Context{
		Entities: entities,
		Views:    graph,
		Registry: NewRegistry(),
		Expr:     expression.NewEngine(),
		Resolver: identity.NewResolver(entities),
	}
}

// Registry holds compiled procedures by action name. Call steps resolve
// through it at runtime, so registration order does not matter.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]*Procedure
}

// NewRegistry creates an empty procedure registry
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]*Procedure)}
}

// Register adds a compiled procedure under its action name
func (r *Registry) Register(p *Procedure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[p.Name()] = p
}

// Get returns a registered procedure by action name
func (r *Registry) Get(name string) (*Procedure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[name]
	return p, ok
}

// Names returns all registered action names sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.procs))
	for n := range r.procs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
