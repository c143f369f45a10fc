package expression

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// SQLOptions customizes how identifiers render in translated SQL.
// The zero value maps every identifier to a v_<name> local.
type SQLOptions struct {
	// Ident maps a bare identifier to its SQL form
	Ident func(name string) string
	// Member maps a base.field access to its SQL form
	Member func(base, field string) string
}

// sqlWalker converts an expr AST into a SQL condition for the emitted
// procedure text. Literals are inlined with quoting, so the output is
// deterministic and self-contained.
type sqlWalker struct {
	builder strings.Builder
	opts    SQLOptions
	err     error
}

// ToSQL translates a predicate expression into the SQL condition used in
// emitted procedure bodies, with default v_<name> identifier mapping.
func ToSQL(expression string) (string, error) {
	return ToSQLWith(expression, SQLOptions{})
}

// ToSQLWith translates a predicate with caller-controlled identifier
// rendering.
func ToSQLWith(expression string, opts SQLOptions) (string, error) {
	tree, err := parser.Parse(expression)
	if err != nil {
		return "", fmt.Errorf("parse predicate: %w", err)
	}
	if opts.Ident == nil {
		opts.Ident = func(name string) string { return "v_" + name }
	}
	if opts.Member == nil {
		opts.Member = func(base, field string) string { return "v_" + base + "_" + field }
	}
	w := &sqlWalker{opts: opts}
	w.walk(&tree.Node)
	if w.err != nil {
		return "", w.err
	}
	return w.builder.String(), nil
}

// Idents returns the sorted set of identifiers an expression references:
// bare names plus the base of member accesses.
func Idents(expression string) ([]string, error) {
	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse predicate: %w", err)
	}
	seen := map[string]bool{}
	collectIdents(tree.Node, seen)
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func collectIdents(node ast.Node, seen map[string]bool) {
	switch v := node.(type) {
	case *ast.IdentifierNode:
		if val := strings.ToLower(v.Value); val != "null" && val != "nil" {
			seen[v.Value] = true
		}
	case *ast.MemberNode:
		if base, ok := v.Node.(*ast.IdentifierNode); ok {
			seen[base.Value] = true
			return
		}
		collectIdents(v.Node, seen)
	case *ast.BinaryNode:
		collectIdents(v.Left, seen)
		collectIdents(v.Right, seen)
	case *ast.UnaryNode:
		collectIdents(v.Node, seen)
	case *ast.CallNode:
		// the callee is a function name, not a data reference
		for _, a := range v.Arguments {
			collectIdents(a, seen)
		}
	case *ast.ConditionalNode:
		collectIdents(v.Cond, seen)
		collectIdents(v.Exp1, seen)
		collectIdents(v.Exp2, seen)
	}
}

// isNilNode reports whether a node stands for SQL NULL. In expr-lang,
// null can be either a NilNode or an identifier named null/nil.
func isNilNode(node ast.Node) bool {
	if _, ok := node.(*ast.NilNode); ok {
		return true
	}
	if id, ok := node.(*ast.IdentifierNode); ok {
		val := strings.ToLower(id.Value)
		return val == "null" || val == "nil"
	}
	return false
}

func (w *sqlWalker) walk(node *ast.Node) {
	if w.err != nil || node == nil || *node == nil {
		return
	}

	switch v := (*node).(type) {
	case *ast.BinaryNode:
		w.visitBinary(v)
	case *ast.UnaryNode:
		w.visitUnary(v)
	case *ast.IdentifierNode:
		w.builder.WriteString(w.opts.Ident(v.Value))
	case *ast.MemberNode:
		w.visitMember(v)
	case *ast.IntegerNode:
		w.builder.WriteString(strconv.Itoa(v.Value))
	case *ast.FloatNode:
		w.builder.WriteString(strconv.FormatFloat(v.Value, 'g', -1, 64))
	case *ast.StringNode:
		w.builder.WriteString("'" + strings.ReplaceAll(v.Value, "'", "''") + "'")
	case *ast.BoolNode:
		if v.Value {
			w.builder.WriteString("TRUE")
		} else {
			w.builder.WriteString("FALSE")
		}
	case *ast.NilNode:
		w.builder.WriteString("NULL")
	case *ast.CallNode:
		w.visitCall(v)
	default:
		w.err = fmt.Errorf("predicate node %T has no SQL translation", *node)
	}
}

func (w *sqlWalker) visitMember(node *ast.MemberNode) {
	base, ok := node.Node.(*ast.IdentifierNode)
	if !ok {
		w.err = fmt.Errorf("unsupported member base %T", node.Node)
		return
	}
	prop, ok := node.Property.(*ast.StringNode)
	if !ok {
		w.err = fmt.Errorf("unsupported member property %T", node.Property)
		return
	}
	w.builder.WriteString(w.opts.Member(base.Value, prop.Value))
}

func (w *sqlWalker) visitUnary(node *ast.UnaryNode) {
	switch node.Operator {
	case "!", "not":
		w.builder.WriteString("NOT (")
		w.walk(&node.Node)
		w.builder.WriteString(")")
	case "-":
		w.builder.WriteString("-")
		w.walk(&node.Node)
	default:
		w.err = fmt.Errorf("unsupported unary operator %q", node.Operator)
	}
}

func (w *sqlWalker) visitBinary(node *ast.BinaryNode) {
	rightIsNil := isNilNode(node.Right)
	leftIsNil := isNilNode(node.Left)

	if rightIsNil || leftIsNil {
		fieldNode := node.Left
		if leftIsNil {
			fieldNode = node.Right
		}
		w.builder.WriteString("(")
		w.walk(&fieldNode)
		switch node.Operator {
		case "==":
			w.builder.WriteString(" IS NULL")
		case "!=":
			w.builder.WriteString(" IS NOT NULL")
		default:
			w.err = fmt.Errorf("unsupported operator %q for null comparison", node.Operator)
		}
		w.builder.WriteString(")")
		return
	}

	w.builder.WriteString("(")
	w.walk(&node.Left)
	w.builder.WriteString(" ")

	switch node.Operator {
	case "==":
		w.builder.WriteString("=")
	case "&&", "and":
		w.builder.WriteString("AND")
	case "||", "or":
		w.builder.WriteString("OR")
	case "!=", "<", "<=", ">", ">=", "+", "-", "*", "/":
		w.builder.WriteString(node.Operator)
	default:
		w.err = fmt.Errorf("unsupported binary operator %q", node.Operator)
	}

	w.builder.WriteString(" ")
	w.walk(&node.Right)
	w.builder.WriteString(")")
}

func (w *sqlWalker) visitCall(node *ast.CallNode) {
	callee, ok := node.Callee.(*ast.IdentifierNode)
	if !ok {
		w.err = fmt.Errorf("unsupported callee type: %T", node.Callee)
		return
	}

	switch strings.ToUpper(callee.Value) {
	case "UPPER":
		w.builder.WriteString("UPPER(")
		w.walkArgs(node.Arguments)
		w.builder.WriteString(")")
	case "LOWER":
		w.builder.WriteString("LOWER(")
		w.walkArgs(node.Arguments)
		w.builder.WriteString(")")
	case "LEN":
		w.builder.WriteString("CHAR_LENGTH(")
		w.walkArgs(node.Arguments)
		w.builder.WriteString(")")
	case "COALESCE":
		w.builder.WriteString("COALESCE(")
		w.walkArgs(node.Arguments)
		w.builder.WriteString(")")
	case "TODAY":
		w.builder.WriteString("CURDATE()")
	case "NOW":
		w.builder.WriteString("NOW()")
	default:
		w.err = fmt.Errorf("function %q has no SQL translation", callee.Value)
	}
}

func (w *sqlWalker) walkArgs(args []ast.Node) {
	for i := range args {
		if i > 0 {
			w.builder.WriteString(", ")
		}
		w.walk(&args[i])
	}
}
