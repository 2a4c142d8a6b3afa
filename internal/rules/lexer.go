package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent          // record, bare identifiers, in/true/false/null keywords
	tokAtIdent        // @request.auth.id style reference, lexed whole
	tokString         // 'x' or "x"
	tokNumber         // 42, -1.5
	tokOp             // = != < <= > >= ~ !~ && || !
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// lexer tokenizes rule source. It is a plain hand-rolled scanner; the
// grammar is small enough that no generator is warranted.
type lexer struct {
	src  string
	pos  int
	toks []token
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		l.toks = append(l.toks, tok)
		if tok.kind == tokEOF {
			return l.toks, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	start := l.pos
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: start}, nil
	}

	c := l.src[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == '[':
		l.pos++
		return token{kind: tokLBracket, text: "[", pos: start}, nil
	case c == ']':
		l.pos++
		return token{kind: tokRBracket, text: "]", pos: start}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma, text: ",", pos: start}, nil

	case c == '\'' || c == '"':
		return l.lexString(c)

	case c == '@':
		return l.lexAtIdent()

	case isIdentStart(c):
		return l.lexIdent()

	case c >= '0' && c <= '9':
		return l.lexNumber(false)
	case c == '-' && l.pos+1 < len(l.src) && l.src[l.pos+1] >= '0' && l.src[l.pos+1] <= '9':
		l.pos++
		return l.lexNumber(true)

	default:
		return l.lexOperator()
	}
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' && l.pos+1 < len(l.src) {
			next := l.src[l.pos+1]
			if next == quote || next == '\\' {
				sb.WriteByte(next)
				l.pos += 2
				continue
			}
		}
		if c == quote {
			l.pos++
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, fmt.Errorf("unterminated string at offset %d", start)
}

func (l *lexer) lexAtIdent() (token, error) {
	start := l.pos
	l.pos++ // '@'
	for l.pos < len(l.src) && (isIdentChar(l.src[l.pos]) || l.src[l.pos] == '.') {
		l.pos++
	}
	text := l.src[start:l.pos]
	if text == "@" {
		return token{}, fmt.Errorf("dangling @ at offset %d", start)
	}
	return token{kind: tokAtIdent, text: text, pos: start}, nil
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.src) && (isIdentChar(l.src[l.pos]) || l.src[l.pos] == '.') {
		l.pos++
	}
	return token{kind: tokIdent, text: l.src[start:l.pos], pos: start}, nil
}

func (l *lexer) lexNumber(neg bool) (token, error) {
	start := l.pos
	for l.pos < len(l.src) && (l.src[l.pos] >= '0' && l.src[l.pos] <= '9' || l.src[l.pos] == '.') {
		l.pos++
	}
	text := l.src[start:l.pos]
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, fmt.Errorf("invalid number %q at offset %d", text, start)
	}
	if neg {
		n = -n
		text = "-" + text
	}
	return token{kind: tokNumber, text: text, num: n, pos: start}, nil
}

func (l *lexer) lexOperator() (token, error) {
	start := l.pos
	two := ""
	if l.pos+2 <= len(l.src) {
		two = l.src[l.pos : l.pos+2]
	}
	switch two {
	case "!=", "<=", ">=", "&&", "||", "!~":
		l.pos += 2
		return token{kind: tokOp, text: two, pos: start}, nil
	}
	one := string(l.src[l.pos])
	switch one {
	case "=", "<", ">", "~", "!":
		l.pos++
		return token{kind: tokOp, text: one, pos: start}, nil
	}
	return token{}, fmt.Errorf("unexpected character %q at offset %d", one, start)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
