package rules

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Context is the data a rule evaluates against.
//
// All values are JSON-shaped (nil, bool, float64, string, []any,
// map[string]any). Raw JSON documents may appear as json.RawMessage and are
// decoded lazily when a reference walks into them.
type Context struct {
	// Auth is the requesting identity, nil when unauthenticated.
	Auth map[string]any
	// Record is the candidate record, nil for create/list prechecks.
	Record map[string]any
	// Query holds request query parameters.
	Query map[string]string
}

// Evaluate runs the rule against the context.
//
// Evaluation is total: it never errors and never panics on well-formed rules.
// Any reference that does not resolve, and any comparison between
// incompatible types, makes the enclosing comparison false. Unauthenticated
// requests are therefore rejected by the rule itself, not by an exception.
func Evaluate(r *Rule, ctx Context) bool {
	if r == nil {
		return false
	}
	return evalBool(r.expr, ctx)
}

// evalBool evaluates an expression in boolean position.
func evalBool(e Expr, ctx Context) bool {
	switch node := e.(type) {
	case Logic:
		if node.Op == OpAnd {
			return evalBool(node.Left, ctx) && evalBool(node.Right, ctx)
		}
		return evalBool(node.Left, ctx) || evalBool(node.Right, ctx)

	case Not:
		return !evalBool(node.Expr, ctx)

	case Compare:
		return evalCompare(node, ctx)

	case Literal:
		b, ok := node.Value.(bool)
		return ok && b

	case Ref:
		v, found := resolveRef(node, ctx)
		if !found {
			return false
		}
		b, ok := v.(bool)
		return ok && b

	default:
		// A bare list in boolean position has no meaning.
		return false
	}
}

func evalCompare(c Compare, ctx Context) bool {
	left, leftOK := evalOperand(c.Left, ctx)
	right, rightOK := evalOperand(c.Right, ctx)
	if !leftOK || !rightOK {
		return false
	}

	switch c.Op {
	case OpEq:
		return valuesEqual(left, right)
	case OpNeq:
		return !valuesEqual(left, right)
	case OpLt, OpLte, OpGt, OpGte:
		return ordered(c.Op, left, right)
	case OpLike:
		return like(left, right)
	case OpNlike:
		l, lok := left.(string)
		r, rok := right.(string)
		if !lok || !rok {
			return false
		}
		return !strings.Contains(strings.ToLower(l), strings.ToLower(r))
	case OpIn:
		return contains(right, left)
	default:
		return false
	}
}

// evalOperand evaluates an expression in value position.
// The second return is false when a reference did not resolve.
func evalOperand(e Expr, ctx Context) (any, bool) {
	switch node := e.(type) {
	case Literal:
		return node.Value, true
	case Ref:
		return resolveRef(node, ctx)
	case List:
		items := make([]any, 0, len(node.Items))
		for _, item := range node.Items {
			v, ok := evalOperand(item, ctx)
			if !ok {
				return nil, false
			}
			items = append(items, v)
		}
		return items, true
	case Compare, Logic, Not:
		return evalBool(e, ctx), true
	default:
		return nil, false
	}
}

// resolveRef walks a reference against the context.
func resolveRef(r Ref, ctx Context) (any, bool) {
	switch r.Root {
	case RootRecord:
		if ctx.Record == nil {
			return nil, false
		}
		return walkPath(ctx.Record, r.Path)

	case RootAuth:
		if ctx.Auth == nil {
			return nil, false
		}
		if len(r.Path) == 0 {
			return ctx.Auth, true
		}
		return walkPath(ctx.Auth, r.Path)

	case RootQuery:
		if len(r.Path) != 1 {
			return nil, false
		}
		v, ok := ctx.Query[r.Path[0]]
		if !ok {
			return nil, false
		}
		return v, true
	}
	return nil, false
}

// walkPath descends a dotted path through nested JSON objects.
func walkPath(root map[string]any, path []string) (any, bool) {
	var cur any = root
	for _, seg := range path {
		// Decode raw JSON documents on demand.
		if raw, ok := cur.(json.RawMessage); ok {
			var decoded any
			if err := json.Unmarshal(raw, &decoded); err != nil {
				return nil, false
			}
			cur = decoded
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	if raw, ok := cur.(json.RawMessage); ok {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, false
		}
		cur = decoded
	}
	return cur, true
}

// valuesEqual compares two JSON-shaped values.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return reflect.DeepEqual(a, b)
	}
}

// ordered applies <, <=, >, >= over numbers or strings.
// Mixed types are false, keeping evaluation total.
func ordered(op Op, a, b any) bool {
	if an, ok := a.(float64); ok {
		bn, ok := b.(float64)
		if !ok {
			return false
		}
		switch op {
		case OpLt:
			return an < bn
		case OpLte:
			return an <= bn
		case OpGt:
			return an > bn
		case OpGte:
			return an >= bn
		}
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return false
		}
		switch op {
		case OpLt:
			return as < bs
		case OpLte:
			return as <= bs
		case OpGt:
			return as > bs
		case OpGte:
			return as >= bs
		}
	}
	return false
}

// like is a case-insensitive substring match over strings.
func like(a, b any) bool {
	l, lok := a.(string)
	r, rok := b.(string)
	if !lok || !rok {
		return false
	}
	return strings.Contains(strings.ToLower(l), strings.ToLower(r))
}

// contains reports whether needle is an element of haystack, where haystack
// is a list operand or an array-valued field.
func contains(haystack, needle any) bool {
	items, ok := haystack.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if valuesEqual(item, needle) {
			return true
		}
	}
	return false
}

// Bind returns a copy of the expression with every @request reference
// replaced by its resolved literal value. Unresolvable references become a
// null literal, which no indexable comparison matches - the bound expression
// stays fail-closed when compiled to SQL.
func Bind(e Expr, ctx Context) Expr {
	switch node := e.(type) {
	case Ref:
		if node.Root == RootRecord {
			return node
		}
		v, found := resolveRef(node, ctx)
		if !found {
			return Literal{Value: nil}
		}
		return Literal{Value: v}
	case Compare:
		return Compare{Op: node.Op, Left: Bind(node.Left, ctx), Right: Bind(node.Right, ctx)}
	case Logic:
		return Logic{Op: node.Op, Left: Bind(node.Left, ctx), Right: Bind(node.Right, ctx)}
	case Not:
		return Not{Expr: Bind(node.Expr, ctx)}
	case List:
		items := make([]Expr, len(node.Items))
		for i, item := range node.Items {
			items[i] = Bind(item, ctx)
		}
		return List{Items: items}
	default:
		return e
	}
}
