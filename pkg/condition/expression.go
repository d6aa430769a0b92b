package condition

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/dukex/callflow/pkg/models"
)

// Expression is a compiled edge condition.
//
// Grammar:
//
//	expr       = and { "||" and }
//	and        = unary { "&&" unary }
//	unary      = "!" unary | primary
//	primary    = "(" expr ")" | "true" | "false" | path [ op literal ]
//	op         = "==" | "equals" | "!=" | "contains" | ">" | "greater_than" | "<" | "less_than"
//	literal    = quoted string | number | true | false | bare word
//
// A bare path evaluates to the truthiness of its value.
type Expression struct {
	source string
	root   node
}

func (e *Expression) String() string {
	return e.source
}

// Eval evaluates the expression. Missing fields and mismatched types make the
// comparison they appear in false.
func (e *Expression) Eval(fields Fields) bool {
	return e.root.eval(fields)
}

type SyntaxError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("condition %q: %s at offset %d", e.Expr, e.Msg, e.Pos)
}

// Parse compiles an edge condition.
func Parse(expr string) (*Expression, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}

	p := &parser{expr: expr, toks: toks}

	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if !p.done() {
		return nil, p.errorf("unexpected %q", p.peek().text)
	}

	return &Expression{source: expr, root: root}, nil
}

// Eval parses and evaluates in one go.
func Eval(expr string, fields Fields) (bool, error) {
	e, err := Parse(expr)
	if err != nil {
		return false, err
	}

	return e.Eval(fields), nil
}

type node interface {
	eval(fields Fields) bool
}

type orNode struct{ left, right node }

func (n orNode) eval(f Fields) bool { return n.left.eval(f) || n.right.eval(f) }

type andNode struct{ left, right node }

func (n andNode) eval(f Fields) bool { return n.left.eval(f) && n.right.eval(f) }

type notNode struct{ inner node }

func (n notNode) eval(f Fields) bool { return !n.inner.eval(f) }

type literalNode bool

func (n literalNode) eval(Fields) bool { return bool(n) }

type pathNode string

func (n pathNode) eval(f Fields) bool {
	v, ok := f.Lookup(string(n))

	return ok && truthy(v)
}

type compareNode struct {
	path   string
	op     models.Operator
	value  string
	negate bool
}

func (n compareNode) eval(f Fields) bool {
	actual, ok := f.Lookup(n.path)
	if !ok {
		return false
	}

	matched := compare(actual, n.op, n.value)
	if n.negate {
		return !matched
	}

	return matched
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(expr string) ([]token, error) {
	var toks []token

	runes := []rune(expr)
	i := 0

	for i < len(runes) {
		r := runes[i]

		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == '"' || r == '\'':
			start := i
			i++

			var b strings.Builder

			for i < len(runes) && runes[i] != r {
				if runes[i] == '\\' && i+1 < len(runes) {
					i++
				}

				b.WriteRune(runes[i])
				i++
			}

			if i >= len(runes) {
				return nil, &SyntaxError{Expr: expr, Pos: start, Msg: "unterminated string"}
			}

			i++

			toks = append(toks, token{tokString, b.String(), start})
		case strings.ContainsRune("=!<>&|", r):
			start := i
			two := ""

			if i+1 < len(runes) {
				two = string(runes[i : i+2])
			}

			switch two {
			case "==", "!=", "&&", "||":
				toks = append(toks, token{tokOp, two, start})
				i += 2
			default:
				switch r {
				case '!', '<', '>':
					toks = append(toks, token{tokOp, string(r), start})
					i++
				default:
					return nil, &SyntaxError{Expr: expr, Pos: start, Msg: fmt.Sprintf("unexpected %q", string(r))}
				}
			}
		case isWordRune(r):
			start := i
			for i < len(runes) && isWordRune(runes[i]) {
				i++
			}

			toks = append(toks, token{tokWord, string(runes[start:i]), start})
		default:
			return nil, &SyntaxError{Expr: expr, Pos: i, Msg: fmt.Sprintf("unexpected %q", string(r))}
		}
	}

	return toks, nil
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' || r == '-' || r == '+' || r == '/' || r == ':'
}

var comparisonOps = map[string]struct {
	op     models.Operator
	negate bool
}{
	"==":           {models.OperatorEquals, false},
	"equals":       {models.OperatorEquals, false},
	"!=":           {models.OperatorEquals, true},
	"contains":     {models.OperatorContains, false},
	">":            {models.OperatorGreaterThan, false},
	"greater_than": {models.OperatorGreaterThan, false},
	"<":            {models.OperatorLessThan, false},
	"less_than":    {models.OperatorLessThan, false},
}

type parser struct {
	expr string
	toks []token
	pos  int
}

func (p *parser) done() bool {
	return p.pos >= len(p.toks)
}

func (p *parser) peek() token {
	if p.done() {
		return token{pos: len(p.expr)}
	}

	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++

	return t
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Expr: p.expr, Pos: p.peek().pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for !p.done() && p.peek().kind == tokOp && p.peek().text == "||" {
		p.next()

		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}

		left = orNode{left, right}
	}

	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for !p.done() && p.peek().kind == tokOp && p.peek().text == "&&" {
		p.next()

		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		left = andNode{left, right}
	}

	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if !p.done() && p.peek().kind == tokOp && p.peek().text == "!" {
		p.next()

		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		return notNode{inner}, nil
	}

	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	if p.done() {
		return nil, p.errorf("unexpected end of expression")
	}

	t := p.next()

	switch t.kind {
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}

		if p.done() || p.peek().kind != tokRParen {
			return nil, p.errorf("expected )")
		}

		p.next()

		return inner, nil
	case tokWord:
		switch t.text {
		case "true":
			return literalNode(true), nil
		case "false":
			return literalNode(false), nil
		}

		if p.done() {
			return pathNode(t.text), nil
		}

		op, ok := comparisonOps[p.peek().text]
		if !ok || (p.peek().kind != tokOp && p.peek().kind != tokWord) {
			return pathNode(t.text), nil
		}

		p.next()

		if p.done() {
			return nil, p.errorf("missing value after %s", string(op.op))
		}

		value := p.next()
		if value.kind != tokWord && value.kind != tokString {
			return nil, &SyntaxError{Expr: p.expr, Pos: value.pos, Msg: fmt.Sprintf("expected value, got %q", value.text)}
		}

		return compareNode{path: t.text, op: op.op, value: value.text, negate: op.negate}, nil
	default:
		return nil, &SyntaxError{Expr: p.expr, Pos: t.pos, Msg: fmt.Sprintf("unexpected %q", t.text)}
	}
}
