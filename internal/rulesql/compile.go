// Package rulesql compiles the indexable subset of the rule expression
// grammar to parameterized SQL over SQLite's json_extract.
//
// Only non-side-effecting, indexable operators compile: comparisons between a
// record field reference and a literal, containment in a literal list, and
// and/or connectives. Identity and query references must be bound to literals
// first (rules.Bind); anything else is rejected, never interpolated.
//
// All values are parameterized. Field paths are validated against a strict
// identifier pattern before being placed into the json_extract path, so no
// request-supplied text ever reaches the SQL string.
package rulesql

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tinybase/tinybase/internal/rules"
)

var segmentPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Compiler compiles bound rule expressions into SQL fragments.
type Compiler struct {
	// Column is the SQL expression naming the JSON document column,
	// e.g. "r.data".
	Column string
}

// New creates a Compiler reading fields from the given column expression.
func New(column string) *Compiler {
	return &Compiler{Column: column}
}

// Compile converts a bound expression to a SQL condition plus parameters.
// Returns an error if the expression falls outside the indexable subset.
func (c *Compiler) Compile(e rules.Expr) (string, []any, error) {
	if e == nil {
		return "", nil, fmt.Errorf("cannot compile nil expression")
	}
	var sb strings.Builder
	var params []any
	if err := c.compile(e, &sb, &params); err != nil {
		return "", nil, err
	}
	return sb.String(), params, nil
}

func (c *Compiler) compile(e rules.Expr, sb *strings.Builder, params *[]any) error {
	switch node := e.(type) {
	case rules.Logic:
		op := "AND"
		if node.Op == rules.OpOr {
			op = "OR"
		}
		sb.WriteString("(")
		if err := c.compile(node.Left, sb, params); err != nil {
			return err
		}
		sb.WriteString(" " + op + " ")
		if err := c.compile(node.Right, sb, params); err != nil {
			return err
		}
		sb.WriteString(")")
		return nil

	case rules.Compare:
		return c.compileCompare(node, sb, params)

	default:
		return fmt.Errorf("expression is not an indexable filter: %T", e)
	}
}

func (c *Compiler) compileCompare(cmp rules.Compare, sb *strings.Builder, params *[]any) error {
	col, err := c.fieldExpr(cmp.Left)
	if err != nil {
		return err
	}

	switch cmp.Op {
	case rules.OpEq, rules.OpNeq, rules.OpLt, rules.OpLte, rules.OpGt, rules.OpGte:
		lit, ok := literalValue(cmp.Right)
		if !ok {
			return fmt.Errorf("right side of %s must be a literal", cmp.Op)
		}
		if lit == nil {
			switch cmp.Op {
			case rules.OpEq:
				sb.WriteString(col + " IS NULL")
			case rules.OpNeq:
				sb.WriteString(col + " IS NOT NULL")
			default:
				return fmt.Errorf("cannot order against null")
			}
			return nil
		}
		fmt.Fprintf(sb, "%s %s ?", col, sqlOp(cmp.Op))
		*params = append(*params, sqlParam(lit))
		return nil

	case rules.OpLike, rules.OpNlike:
		lit, ok := literalValue(cmp.Right)
		if !ok {
			return fmt.Errorf("right side of %s must be a literal", cmp.Op)
		}
		s, ok := lit.(string)
		if !ok {
			return fmt.Errorf("%s requires a string literal", cmp.Op)
		}
		if cmp.Op == rules.OpLike {
			fmt.Fprintf(sb, "instr(lower(coalesce(%s, '')), lower(?)) > 0", col)
		} else {
			// Missing fields stay false under !~, matching the evaluator.
			fmt.Fprintf(sb, "(%s IS NOT NULL AND instr(lower(%s), lower(?)) = 0)", col, col)
		}
		*params = append(*params, s)
		return nil

	case rules.OpIn:
		list, ok := cmp.Right.(rules.List)
		if !ok {
			return fmt.Errorf("in requires a literal list in filters")
		}
		if len(list.Items) == 0 {
			sb.WriteString("0 = 1")
			return nil
		}
		placeholders := make([]string, 0, len(list.Items))
		for _, item := range list.Items {
			lit, ok := literalValue(item)
			if !ok || lit == nil {
				return fmt.Errorf("in list must contain non-null literals")
			}
			placeholders = append(placeholders, "?")
			*params = append(*params, sqlParam(lit))
		}
		fmt.Fprintf(sb, "%s IN (%s)", col, strings.Join(placeholders, ", "))
		return nil

	default:
		return fmt.Errorf("operator %s is not indexable", cmp.Op)
	}
}

// fieldExpr renders a record field reference as a json_extract expression.
func (c *Compiler) fieldExpr(e rules.Expr) (string, error) {
	ref, ok := e.(rules.Ref)
	if !ok {
		return "", fmt.Errorf("left side must be a record field reference, got %T", e)
	}
	if ref.Root != rules.RootRecord {
		return "", fmt.Errorf("reference %s must be bound before compilation", ref.String())
	}
	if len(ref.Path) == 0 {
		return "", fmt.Errorf("empty field reference")
	}
	for _, seg := range ref.Path {
		if !segmentPattern.MatchString(seg) {
			return "", fmt.Errorf("invalid field path segment %q", seg)
		}
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", c.Column, strings.Join(ref.Path, ".")), nil
}

func literalValue(e rules.Expr) (any, bool) {
	lit, ok := e.(rules.Literal)
	if !ok {
		return nil, false
	}
	return lit.Value, true
}

func sqlOp(op rules.Op) string {
	if op == rules.OpNeq {
		return "<>"
	}
	return string(op)
}

// sqlParam converts a literal to a driver-friendly parameter.
// JSON booleans extract as 0/1 in SQLite, so bools bind as integers.
func sqlParam(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}
