package rules

import (
	"fmt"
	"strings"
)

// Parse compiles rule source into a Rule.
//
// Grammar:
//
//	expr       := or
//	or         := and ("||" and)*
//	and        := unary ("&&" unary)*
//	unary      := ["!"] primary
//	primary    := "(" expr ")" | comparison
//	comparison := operand (op operand)?
//	op         := "=" | "!=" | "<" | "<=" | ">" | ">=" | "~" | "!~" | "in"
//	operand    := literal | ref | list
//
// Parse returns an error only for malformed source; a well-formed rule never
// errors at evaluation time.
func Parse(src string) (*Rule, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.peek().text, p.peek().pos)
	}
	return &Rule{src: src, expr: expr}, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "||" {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Logic{Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "&&" {
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = Logic{Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.peek().kind == tokOp && p.peek().text == "!" {
		p.advance()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not{Expr: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	if p.peek().kind == tokLParen {
		p.advance()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("expected ) at offset %d", p.peek().pos)
		}
		p.advance()
		return expr, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	var op Op
	switch {
	case t.kind == tokOp:
		switch t.text {
		case "=", "!=", "<", "<=", ">", ">=", "~", "!~":
			op = Op(t.text)
		default:
			return left, nil
		}
	case t.kind == tokIdent && t.text == "in":
		op = OpIn
	default:
		return left, nil
	}
	p.advance()

	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return Compare{Op: op, Left: left, Right: right}, nil
}

func (p *parser) parseOperand() (Expr, error) {
	t := p.peek()
	switch t.kind {
	case tokString:
		p.advance()
		return Literal{Value: t.text}, nil

	case tokNumber:
		p.advance()
		return Literal{Value: t.num}, nil

	case tokLBracket:
		return p.parseList()

	case tokAtIdent:
		p.advance()
		return parseAtRef(t)

	case tokIdent:
		switch t.text {
		case "true":
			p.advance()
			return Literal{Value: true}, nil
		case "false":
			p.advance()
			return Literal{Value: false}, nil
		case "null":
			p.advance()
			return Literal{Value: nil}, nil
		}
		p.advance()
		return parseRecordRef(t)

	default:
		return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
	}
}

func (p *parser) parseList() (Expr, error) {
	p.advance() // '['
	var items []Expr
	if p.peek().kind == tokRBracket {
		p.advance()
		return List{}, nil
	}
	for {
		item, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		switch p.peek().kind {
		case tokComma:
			p.advance()
		case tokRBracket:
			p.advance()
			return List{Items: items}, nil
		default:
			return nil, fmt.Errorf("expected , or ] at offset %d", p.peek().pos)
		}
	}
}

// parseAtRef interprets an @-prefixed token: @request.auth.* or
// @request.query.*.
func parseAtRef(t token) (Expr, error) {
	parts := strings.Split(strings.TrimPrefix(t.text, "@"), ".")
	if len(parts) < 2 || parts[0] != "request" {
		return nil, fmt.Errorf("unknown reference %q at offset %d", t.text, t.pos)
	}
	switch parts[1] {
	case "auth":
		return Ref{Root: RootAuth, Path: parts[2:]}, nil
	case "query":
		if len(parts) < 3 {
			return nil, fmt.Errorf("missing query parameter name in %q at offset %d", t.text, t.pos)
		}
		return Ref{Root: RootQuery, Path: parts[2:]}, nil
	default:
		return nil, fmt.Errorf("unknown reference %q at offset %d", t.text, t.pos)
	}
}

// parseRecordRef interprets a dotted identifier. The record. prefix is
// explicit in rule source; a bare field name is accepted in client filters
// and treated as a record field.
func parseRecordRef(t token) (Expr, error) {
	parts := strings.Split(t.text, ".")
	if parts[0] == "record" {
		parts = parts[1:]
	}
	if len(parts) == 0 || parts[0] == "" {
		return nil, fmt.Errorf("empty field reference at offset %d", t.pos)
	}
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("malformed reference %q at offset %d", t.text, t.pos)
		}
	}
	return Ref{Root: RootRecord, Path: parts}, nil
}
