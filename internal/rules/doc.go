// Package rules implements the access-rule expression language: a
// boolean-valued, side-effect-free grammar over literals, record field
// references, request identity references, comparisons, logical connectives,
// and containment tests.
//
// Expressions are parsed once into a sealed AST and evaluated against a
// Context per request. Evaluation is total: every node has a defined result
// for every input, and type mismatches or unresolvable references make the
// enclosing comparison false instead of failing the request. There is no
// scripting runtime and no I/O anywhere in evaluation.
package rules
