// Package expr implements the small pure predicate language used by Step
// runIf/skipIf guards: equality/inequality comparisons, logical
// and/or/not, and dotted path access into the plan context. It deliberately
// has no eval, no reflection beyond JSON-shaped maps, and no user-code
// execution.
package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/scarmonit/a2a-exec/internal/errs"
)

// Expr is a parsed, immutable guard predicate.
type Expr struct {
	root node
	src string
}

// Parse compiles src into an Expr. A parse error is always errs.Invalid,
// matching "reject anything else at plan-construction time".
func Parse(src string) (*Expr, error) {
	p := &parser{toks: tokenize(src)}
	n, err := p.parseOr()
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, "expr.Parse", fmt.Errorf("%s: %w", src, err))
	}
	if p.pos != len(p.toks) {
		return nil, errs.New(errs.Invalid, "expr.Parse", fmt.Sprintf("unexpected trailing input in %q", src))
	}
	return &Expr{root: n, src: src}, nil
}

// String returns the original source text.
func (e *Expr) String() string { return e.src }

// Eval evaluates the expression against a context map. Missing dotted
// paths evaluate to nil rather than an error; an ordering comparison
// (<, <=, >, >=) whose operands are not both numeric returns an error.
func (e *Expr) Eval(ctx map[string]interface{}) (bool, error) {
	v, err := e.root.eval(ctx)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// --- AST ---

type node interface {
	eval(ctx map[string]interface{}) (interface{}, error)
}

type literal struct{ v interface{} }

func (l literal) eval(map[string]interface{}) (interface{}, error) { return l.v, nil }

type pathRef struct{ path []string }

func (p pathRef) eval(ctx map[string]interface{}) (interface{}, error) {
	var cur interface{} = ctx
	for _, seg := range p.path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil, nil
		}
	}
	return cur, nil
}

type unary struct {
	op string
	expr node
}

func (u unary) eval(ctx map[string]interface{}) (interface{}, error) {
	v, err := u.expr.eval(ctx)
	if err != nil {
		return nil, err
	}
	switch u.op {
	case "!":
		return !truthy(v), nil
	default:
		return nil, fmt.Errorf("unknown unary operator %q", u.op)
	}
}

type binary struct {
	op string
	left, right node
}

func (b binary) eval(ctx map[string]interface{}) (interface{}, error) {
	l, err := b.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	switch b.op {
	case "&&":
		if !truthy(l) {
			return false, nil
		}
		r, err := b.right.eval(ctx)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	case "||":
		if truthy(l) {
			return true, nil
		}
		r, err := b.right.eval(ctx)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}

	r, err := b.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	switch b.op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	case "<", "<=", ">", ">=":
		return compare(b.op, l, r)
	default:
		return nil, fmt.Errorf("unknown binary operator %q", b.op)
	}
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}

func equal(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compare(op string, a, b interface{}) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false, fmt.Errorf("operator %s requires numeric operands", op)
	}
	switch op {
	case "<":
		return af < bf, nil
	case "<=":
		return af <= bf, nil
	case ">":
		return af > bf, nil
	case ">=":
		return af >= bf, nil
	}
	return false, fmt.Errorf("unknown comparator %q", op)
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// --- tokenizer ---

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(src string) []token {
	var toks []token
	i := 0
	n := len(src)
	for i < n {
		c := src[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case strings.HasPrefix(src[i:], "&&"):
			toks = append(toks, token{tokOp, "&&"})
			i += 2
		case strings.HasPrefix(src[i:], "||"):
			toks = append(toks, token{tokOp, "||"})
			i += 2
		case strings.HasPrefix(src[i:], "=="):
			toks = append(toks, token{tokOp, "=="})
			i += 2
		case strings.HasPrefix(src[i:], "!="):
			toks = append(toks, token{tokOp, "!="})
			i += 2
		case strings.HasPrefix(src[i:], "<="):
			toks = append(toks, token{tokOp, "<="})
			i += 2
		case strings.HasPrefix(src[i:], ">="):
			toks = append(toks, token{tokOp, ">="})
			i += 2
		case c == '<' || c == '>':
			toks = append(toks, token{tokOp, string(c)})
			i++
		case c == '!':
			toks = append(toks, token{tokOp, "!"})
			i++
		case c == '\'' || c == '"':
			j := i + 1
			for j < n && src[j] != c {
				j++
			}
			toks = append(toks, token{tokString, src[i+1: j]})
			i = j + 1
		case isDigit(c):
			j := i
			for j < n && (isDigit(src[j]) || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j
		case isIdentStart(c):
			j := i
			for j < n && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j]})
			i = j
		default:
			i++ // drop unrecognized character; input is rejected only if the remaining tokens do not parse
		}
	}
	return toks
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) || c == '.' }

// --- recursive-descent parser: or > and > not > comparison > atom ---

type parser struct {
	toks []token
	pos int
}

func (p *parser) peek() token {
	if p.pos >= len(p.toks) {
		return token{kind: tokEOF}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binary{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "&&" {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = binary{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.peek().kind == tokOp && p.peek().text == "!" {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return unary{op: "!", expr: inner}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tokOp {
		switch p.peek().text {
		case "==", "!=", "<", "<=", ">", ">=":
			op := p.next().text
			right, err := p.parseAtom()
			if err != nil {
				return nil, err
			}
			return binary{op: op, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseAtom() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokLParen:
		p.next()
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("expected ')'")
		}
		p.next()
		return n, nil
	case tokString:
		p.next()
		return literal{v: t.text}, nil
	case tokNumber:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, err
		}
		return literal{v: f}, nil
	case tokIdent:
		p.next()
		switch t.text {
		case "true":
			return literal{v: true}, nil
		case "false":
			return literal{v: false}, nil
		case "null":
			return literal{v: nil}, nil
		default:
			return pathRef{path: strings.Split(t.text, ".")}, nil
		}
	default:
		return nil, fmt.Errorf("unexpected token at position %d", p.pos)
	}
}
