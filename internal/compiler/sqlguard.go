package compiler

import (
	"fmt"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	tidbast "github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/format"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver" // value expression driver
)

// blockedFunctions are SQL functions never allowed inside a write predicate
var blockedFunctions = map[string]bool{
	"sleep":        true,
	"benchmark":    true,
	"load_file":    true,
	"updatexml":    true,
	"extractvalue": true,
	"sys_eval":     true,
}

// PredicateGuard parses and validates the raw SQL predicates that write
// steps may attach. A predicate must be a single boolean expression over
// the target entity's columns: no subqueries, no statement injection, no
// blocked functions. The guard also re-renders the predicate through the
// parser so the emitted text is normalized.
type PredicateGuard struct {
	parser *parser.Parser
}

// NewPredicateGuard creates a guard with a fresh parser instance
func NewPredicateGuard() *PredicateGuard {
	return &PredicateGuard{parser: parser.New()}
}

// Validate checks a predicate against the allowed column set and returns
// the normalized form. allowed maps every referencable column name.
func (g *PredicateGuard) Validate(predicate string, allowed map[string]bool) (string, error) {
	if strings.TrimSpace(predicate) == "" {
		return "", fmt.Errorf("empty predicate")
	}
	if strings.Contains(predicate, ";") {
		return "", fmt.Errorf("predicate must be a single expression")
	}

	stmtNodes, _, err := g.parser.Parse("SELECT 1 FROM t WHERE "+predicate, "", "")
	if err != nil {
		return "", fmt.Errorf("predicate parse error: %v", err)
	}
	if len(stmtNodes) != 1 {
		return "", fmt.Errorf("predicate must be a single expression")
	}
	selectStmt, ok := stmtNodes[0].(*tidbast.SelectStmt)
	if !ok || selectStmt.Where == nil {
		return "", fmt.Errorf("predicate is not a boolean expression")
	}

	visitor := &predicateVisitor{allowed: allowed}
	selectStmt.Where.Accept(visitor)
	if visitor.err != nil {
		return "", visitor.err
	}

	var sb strings.Builder
	restoreCtx := format.NewRestoreCtx(format.DefaultRestoreFlags, &sb)
	if err := selectStmt.Where.Restore(restoreCtx); err != nil {
		return "", fmt.Errorf("predicate restore error: %v", err)
	}
	return sb.String(), nil
}

type predicateVisitor struct {
	allowed map[string]bool
	err     error
}

func (v *predicateVisitor) Enter(in tidbast.Node) (tidbast.Node, bool) {
	if v.err != nil {
		return in, true
	}

	switch n := in.(type) {
	case *tidbast.SubqueryExpr, *tidbast.ExistsSubqueryExpr:
		v.err = fmt.Errorf("subqueries are not allowed in write predicates")
		return in, true
	case *tidbast.FuncCallExpr:
		if blockedFunctions[strings.ToLower(n.FnName.O)] {
			v.err = fmt.Errorf("function '%s' is not allowed in write predicates", n.FnName.O)
			return in, true
		}
	case *tidbast.ColumnName:
		if n.Table.O != "" {
			v.err = fmt.Errorf("qualified column '%s.%s' is not allowed", n.Table.O, n.Name.O)
			return in, true
		}
		if v.allowed != nil && !v.allowed[n.Name.O] {
			v.err = fmt.Errorf("predicate references unknown column '%s'", n.Name.O)
			return in, true
		}
	case *tidbast.VariableExpr:
		v.err = fmt.Errorf("variables are not allowed in write predicates")
		return in, true
	}
	return in, false
}

func (v *predicateVisitor) Leave(in tidbast.Node) (tidbast.Node, bool) {
	return in, true
}
