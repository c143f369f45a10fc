package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/specforge/specforge/internal/ast"
	"github.com/specforge/specforge/internal/compiler"
	"github.com/specforge/specforge/internal/schema"
	"github.com/specforge/specforge/internal/views"
)

// loadContext reads the entity metadata and view graph named by the
// global flags and builds a fresh compilation context.
func loadContext(opts *RootOptions) (*compiler.Context, error) {
	catalog, err := schema.LoadCatalog(opts.Schema)
	if err != nil {
		return nil, err
	}
	graph, err := views.LoadGraph(opts.Views)
	if err != nil {
		return nil, err
	}
	return compiler.NewContext(catalog, graph), nil
}

// compileDir compiles every action spec in dir, in filename order, and
// finalizes the registry so call closures and impact checks run.
func compileDir(ctx *compiler.Context, dir string) ([]*compiler.Procedure, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read actions dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no action specs found in %s", dir)
	}
	sort.Strings(files)

	comp := compiler.New(ctx)
	procs := make([]*compiler.Procedure, 0, len(files))
	for _, f := range files {
		spec, err := ast.LoadActionSpec(filepath.Join(dir, f))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		p, err := comp.Compile(spec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		procs = append(procs, p)
	}
	if err := comp.Finalize(); err != nil {
		return nil, err
	}
	return procs, nil
}
