package rules

import "strings"

// Expr is a sealed interface over the expression node types.
// Only types in this package implement it; the marker method enables
// exhaustive type switches in the evaluator and the SQL compiler.
type Expr interface {
	exprNode() // Marker method - seals interface to this package
}

// Op is a comparison or logical operator token.
type Op string

const (
	OpEq    Op = "="
	OpNeq   Op = "!="
	OpLt    Op = "<"
	OpLte   Op = "<="
	OpGt    Op = ">"
	OpGte   Op = ">="
	OpLike  Op = "~"
	OpNlike Op = "!~"
	OpIn    Op = "in"

	OpAnd Op = "&&"
	OpOr  Op = "||"
)

// RefRoot identifies what a reference resolves against.
type RefRoot string

const (
	// RootRecord resolves against the candidate record's fields.
	RootRecord RefRoot = "record"
	// RootAuth resolves against the requesting identity (@request.auth).
	RootAuth RefRoot = "auth"
	// RootQuery resolves against request query parameters (@request.query).
	RootQuery RefRoot = "query"
)

// Literal is a constant value: string, float64, bool, or nil (null).
type Literal struct {
	Value any
}

func (Literal) exprNode() {}

// Ref is a dotted reference such as record.author or @request.auth.id.
// Path holds the segments after the root.
type Ref struct {
	Root RefRoot
	Path []string
}

func (Ref) exprNode() {}

// String renders the reference in source form.
func (r Ref) String() string {
	switch r.Root {
	case RootAuth:
		return "@request.auth." + strings.Join(r.Path, ".")
	case RootQuery:
		return "@request.query." + strings.Join(r.Path, ".")
	default:
		return "record." + strings.Join(r.Path, ".")
	}
}

// List is a bracketed list of operands, used with the in operator.
type List struct {
	Items []Expr
}

func (List) exprNode() {}

// Compare applies a comparison operator to two operands.
type Compare struct {
	Op    Op
	Left  Expr
	Right Expr
}

func (Compare) exprNode() {}

// Logic joins two boolean subexpressions with && or ||.
type Logic struct {
	Op    Op
	Left  Expr
	Right Expr
}

func (Logic) exprNode() {}

// Not negates a boolean subexpression.
type Not struct {
	Expr Expr
}

func (Not) exprNode() {}

// Rule is a parsed rule expression, ready for evaluation.
// Parse once, evaluate many times; Rule is immutable after Parse.
type Rule struct {
	src  string
	expr Expr
}

// Source returns the original rule text.
func (r *Rule) Source() string { return r.src }

// Expr returns the root AST node.
func (r *Rule) Expr() Expr { return r.expr }
