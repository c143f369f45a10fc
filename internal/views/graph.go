// Package views models the dependency graph of denormalized read views.
// A view may embed the denormalized payload of another view, never the raw
// write-side row of an entity that already has a denormalized alternative.
// The graph must be acyclic; a cycle aborts compilation.
package views

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	apperrors "github.com/specforge/specforge/pkg/errors"
)

// View is one denormalized read model node
type View struct {
	Name   string `yaml:"name"`   // e.g. tv_contact
	Entity string `yaml:"entity"` // base entity the view projects
	// Embeds lists the views whose denormalized payloads this view nests.
	// The base row links to each embedded view's entity through an
	// fk_<entity> column.
	Embeds []string `yaml:"embeds"`
	// Fields restricts the projected business columns; empty means all.
	Fields []string `yaml:"fields"`
}

// Graph is the acyclic "embeds" relation over all declared views
type Graph struct {
	views map[string]*View
	// dependents is the reverse relation: dependents[v] = views embedding v
	dependents map[string][]string
}

// NewGraph builds and validates a view dependency graph.
// Cycle detection happens here, at compile time, never at runtime.
func NewGraph(views []*View) (*Graph, error) {
	m := make(map[string]*View, len(views))
	for _, v := range views {
		if v.Name == "" {
			return nil, fmt.Errorf("view missing name")
		}
		if _, dup := m[v.Name]; dup {
			return nil, fmt.Errorf("duplicate view '%s'", v.Name)
		}
		m[v.Name] = v
	}

	dependents := make(map[string][]string)
	for _, v := range m {
		for _, e := range v.Embeds {
			if _, ok := m[e]; !ok {
				return nil, fmt.Errorf("view '%s' embeds unknown view '%s'", v.Name, e)
			}
			dependents[e] = append(dependents[e], v.Name)
		}
	}
	for _, deps := range dependents {
		sort.Strings(deps)
	}

	g := &Graph{views: m, dependents: dependents}
	if cycle := g.findCycle(); cycle != nil {
		return nil, &apperrors.DependencyCycleError{Cycle: cycle}
	}
	return g, nil
}

// Get returns a view node by name
func (g *Graph) Get(name string) (*View, bool) {
	v, ok := g.views[name]
	return v, ok
}

// ViewForEntity returns the view projecting the given entity, if any
func (g *Graph) ViewForEntity(entity string) (*View, bool) {
	names := g.Names()
	for _, n := range names {
		if g.views[n].Entity == entity {
			return g.views[n], true
		}
	}
	return nil, false
}

// Names returns all view names sorted
func (g *Graph) Names() []string {
	names := make([]string, 0, len(g.views))
	for n := range g.views {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Dependents returns the views one hop away that embed the given view
func (g *Graph) Dependents(name string) []string {
	return g.dependents[name]
}

// RefreshOrder sorts the affected views so that every view appears after
// the views it embeds (its dependencies). Ordering is deterministic:
// ties break on name.
func (g *Graph) RefreshOrder(affected []string) ([]string, error) {
	in := make(map[string]bool, len(affected))
	for _, n := range affected {
		if _, ok := g.views[n]; !ok {
			return nil, fmt.Errorf("unknown view '%s' in refresh set", n)
		}
		in[n] = true
	}

	// indegree within the affected subgraph: edges run embedded -> embedder
	indegree := make(map[string]int, len(in))
	for n := range in {
		indegree[n] = 0
	}
	for n := range in {
		for _, e := range g.views[n].Embeds {
			if in[e] {
				indegree[n]++
			}
		}
	}

	var ready []string
	for n, d := range indegree {
		if d == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)

	ordered := make([]string, 0, len(in))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		ordered = append(ordered, n)
		released := false
		for _, dep := range g.dependents[n] {
			if !in[dep] {
				continue
			}
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}
	if len(ordered) != len(in) {
		// unreachable when the full graph validated acyclic
		return nil, fmt.Errorf("refresh set is not acyclic")
	}
	return ordered, nil
}

// findCycle returns one cycle path if the graph has any, nil otherwise
func (g *Graph) findCycle() []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(g.views))
	var stack []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = grey
		stack = append(stack, n)
		embeds := append([]string(nil), g.views[n].Embeds...)
		sort.Strings(embeds)
		for _, e := range embeds {
			switch color[e] {
			case grey:
				// slice the stack from the first occurrence of e
				for i, s := range stack {
					if s == e {
						cycle = append(append([]string(nil), stack[i:]...), e)
						return true
					}
				}
			case white:
				if visit(e) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for _, n := range g.Names() {
		if color[n] == white && visit(n) {
			return cycle
		}
	}
	return nil
}

// LoadGraph reads a view graph from a YAML file of the form {views: [...]}
func LoadGraph(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read view graph: %w", err)
	}
	var doc struct {
		Views []*View `yaml:"views"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode view graph: %w", err)
	}
	return NewGraph(doc.Views)
}
