// Package template renders declarative transform trees into tenant-shaped
// payloads. String leaves may contain {{ expression }} output markers and
// {% if %} blocks; expressions support dotted/bracketed variable paths, a
// fixed helper set, and a fixed filter set. There is no arbitrary code
// execution: the grammar below is the whole language.
package template

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// token kinds
type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokOp     // == != >= <= > <
	tokPipe   // |
	tokDot    // .
	tokLBrack // [
	tokRBrack // ]
	tokLParen // (
	tokRParen // )
	tokComma  // ,
	tokEOF
)

type token struct {
	kind tokenKind
	text string
}

func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(input) && input[j] != quote {
				j++
			}
			if j >= len(input) {
				return nil, fmt.Errorf("template.lex: unterminated string")
			}
			toks = append(toks, token{tokString, input[i+1 : j]})
			i = j + 1
		case c >= '0' && c <= '9' || (c == '-' && i+1 < len(input) && input[i+1] >= '0' && input[i+1] <= '9'):
			j := i + 1
			for j < len(input) && (input[j] >= '0' && input[j] <= '9' || input[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, input[i:j]})
			i = j
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i + 1
			for j < len(input) && (unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j])) || input[j] == '_') {
				j++
			}
			toks = append(toks, token{tokIdent, input[i:j]})
			i = j
		case c == '=' && i+1 < len(input) && input[i+1] == '=':
			toks = append(toks, token{tokOp, "=="})
			i += 2
		case c == '!' && i+1 < len(input) && input[i+1] == '=':
			toks = append(toks, token{tokOp, "!="})
			i += 2
		case c == '>' || c == '<':
			if i+1 < len(input) && input[i+1] == '=' {
				toks = append(toks, token{tokOp, string(c) + "="})
				i += 2
			} else {
				toks = append(toks, token{tokOp, string(c)})
				i++
			}
		case c == '|':
			toks = append(toks, token{tokPipe, "|"})
			i++
		case c == '.':
			toks = append(toks, token{tokDot, "."})
			i++
		case c == '[':
			toks = append(toks, token{tokLBrack, "["})
			i++
		case c == ']':
			toks = append(toks, token{tokRBrack, "]"})
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		default:
			return nil, fmt.Errorf("template.lex: unexpected character %q", string(c))
		}
	}
	toks = append(toks, token{tokEOF, ""})
	return toks, nil
}

// expression AST
type exprNode interface{ eval(ctx *Context) (any, error) }

type literalNode struct{ value any }

func (n *literalNode) eval(*Context) (any, error) { return n.value, nil }

type pathStep struct {
	key   string
	index int
	isIdx bool
	isKey bool // bracket with string key
}

type varNode struct {
	name  string
	steps []pathStep
}

func (n *varNode) eval(ctx *Context) (any, error) {
	current, ok := ctx.vars[n.name]
	if !ok {
		return nil, nil
	}
	for _, step := range n.steps {
		switch {
		case step.isIdx:
			list, ok := current.([]any)
			if !ok || step.index < 0 || step.index >= len(list) {
				return nil, nil
			}
			current = list[step.index]
		default:
			m, ok := current.(map[string]any)
			if !ok {
				return nil, nil
			}
			current = m[step.key]
		}
	}
	return current, nil
}

type callNode struct {
	name string
	args []exprNode
}

func (n *callNode) eval(ctx *Context) (any, error) {
	fn, ok := ctx.helpers[n.name]
	if !ok {
		return nil, fmt.Errorf("template: unknown helper %q", n.name)
	}
	args := make([]any, len(n.args))
	for i, arg := range n.args {
		v, err := arg.eval(ctx)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return fn(args...)
}

type filterNode struct {
	input exprNode
	name  string
	args  []exprNode
}

func (n *filterNode) eval(ctx *Context) (any, error) {
	in, err := n.input.eval(ctx)
	if err != nil {
		return nil, err
	}
	fn, ok := filters[n.name]
	if !ok {
		return nil, fmt.Errorf("template: unknown filter %q", n.name)
	}
	args := make([]any, len(n.args))
	for i, arg := range n.args {
		v, err := arg.eval(ctx)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return fn(in, args)
}

type binaryNode struct {
	op   string
	l, r exprNode
}

func (n *binaryNode) eval(ctx *Context) (any, error) {
	switch n.op {
	case "and":
		lv, err := n.l.eval(ctx)
		if err != nil {
			return nil, err
		}
		if !truthy(lv) {
			return false, nil
		}
		rv, err := n.r.eval(ctx)
		if err != nil {
			return nil, err
		}
		return truthy(rv), nil
	case "or":
		lv, err := n.l.eval(ctx)
		if err != nil {
			return nil, err
		}
		if truthy(lv) {
			return true, nil
		}
		rv, err := n.r.eval(ctx)
		if err != nil {
			return nil, err
		}
		return truthy(rv), nil
	}

	lv, err := n.l.eval(ctx)
	if err != nil {
		return nil, err
	}
	rv, err := n.r.eval(ctx)
	if err != nil {
		return nil, err
	}
	return compare(n.op, lv, rv)
}

type notNode struct{ inner exprNode }

func (n *notNode) eval(ctx *Context) (any, error) {
	v, err := n.inner.eval(ctx)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

// parser

type parser struct {
	toks []token
	pos  int
}

func parseExpression(input string) (exprNode, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("template: trailing tokens in expression %q", input)
	}
	return node, nil
}

func (p *parser) peek() token  { return p.toks[p.pos] }
func (p *parser) next() token  { t := p.toks[p.pos]; p.pos++; return t }
func (p *parser) accept(kind tokenKind, text string) bool {
	t := p.peek()
	if t.kind == kind && (text == "" || t.text == text) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept(tokIdent, "or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "or", l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (exprNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.accept(tokIdent, "and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "and", l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseNot() (exprNode, error) {
	if p.accept(tokIdent, "not") {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (exprNode, error) {
	left, err := p.parsePipe()
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tokOp {
		op := p.next().text
		right, err := p.parsePipe()
		if err != nil {
			return nil, err
		}
		return &binaryNode{op: op, l: left, r: right}, nil
	}
	return left, nil
}

func (p *parser) parsePipe() (exprNode, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.accept(tokPipe, "") {
		name := p.next()
		if name.kind != tokIdent {
			return nil, fmt.Errorf("template: expected filter name after |")
		}
		var args []exprNode
		if p.accept(tokLParen, "") {
			for p.peek().kind != tokRParen {
				arg, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if !p.accept(tokComma, "") {
					break
				}
			}
			if !p.accept(tokRParen, "") {
				return nil, fmt.Errorf("template: expected ) after filter args")
			}
		}
		left = &filterNode{input: left, name: name.text, args: args}
	}
	return left, nil
}

func (p *parser) parsePrimary() (exprNode, error) {
	t := p.peek()
	switch t.kind {
	case tokString:
		p.next()
		return &literalNode{value: t.text}, nil
	case tokNumber:
		p.next()
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, fmt.Errorf("template: bad number %q", t.text)
			}
			return &literalNode{value: f}, nil
		}
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("template: bad number %q", t.text)
		}
		return &literalNode{value: n}, nil
	case tokIdent:
		switch t.text {
		case "true":
			p.next()
			return &literalNode{value: true}, nil
		case "false":
			p.next()
			return &literalNode{value: false}, nil
		case "null", "none", "None":
			p.next()
			return &literalNode{value: nil}, nil
		}
		p.next()
		if p.accept(tokLParen, "") {
			var args []exprNode
			for p.peek().kind != tokRParen {
				arg, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if !p.accept(tokComma, "") {
					break
				}
			}
			if !p.accept(tokRParen, "") {
				return nil, fmt.Errorf("template: expected ) after call args")
			}
			return p.parseSteps(&callNode{name: t.text, args: args})
		}
		node := &varNode{name: t.text}
		steps, err := p.parsePathSteps()
		if err != nil {
			return nil, err
		}
		node.steps = steps
		return node, nil
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.accept(tokRParen, "") {
			return nil, fmt.Errorf("template: expected closing )")
		}
		return inner, nil
	default:
		return nil, fmt.Errorf("template: unexpected token %q", t.text)
	}
}

// parseSteps wraps a call result with trailing path access, e.g.
// get_device_by_type(devices, 'panic_button').values
func (p *parser) parseSteps(inner exprNode) (exprNode, error) {
	steps, err := p.parsePathSteps()
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return inner, nil
	}
	return &stepNode{inner: inner, steps: steps}, nil
}

func (p *parser) parsePathSteps() ([]pathStep, error) {
	var steps []pathStep
	for {
		if p.accept(tokDot, "") {
			t := p.next()
			if t.kind != tokIdent {
				return nil, fmt.Errorf("template: expected identifier after .")
			}
			steps = append(steps, pathStep{key: t.text})
			continue
		}
		if p.accept(tokLBrack, "") {
			t := p.next()
			switch t.kind {
			case tokNumber:
				idx, err := strconv.Atoi(t.text)
				if err != nil {
					return nil, fmt.Errorf("template: bad index %q", t.text)
				}
				steps = append(steps, pathStep{index: idx, isIdx: true})
			case tokString:
				steps = append(steps, pathStep{key: t.text, isKey: true})
			default:
				return nil, fmt.Errorf("template: bad subscript %q", t.text)
			}
			if !p.accept(tokRBrack, "") {
				return nil, fmt.Errorf("template: expected closing ]")
			}
			continue
		}
		return steps, nil
	}
}

type stepNode struct {
	inner exprNode
	steps []pathStep
}

func (n *stepNode) eval(ctx *Context) (any, error) {
	current, err := n.inner.eval(ctx)
	if err != nil {
		return nil, err
	}
	for _, step := range n.steps {
		switch {
		case step.isIdx:
			list, ok := current.([]any)
			if !ok || step.index < 0 || step.index >= len(list) {
				return nil, nil
			}
			current = list[step.index]
		default:
			m, ok := current.(map[string]any)
			if !ok {
				return nil, nil
			}
			current = m[step.key]
		}
	}
	return current, nil
}

// truthy follows JSON semantics: nil, false, 0, "" and empty containers are
// false, everything else true.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func compare(op string, l, r any) (any, error) {
	lf, lok := numberOf(l)
	rf, rok := numberOf(r)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case "<":
			return lf < rf, nil
		case ">=":
			return lf >= rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}
	ls, rs := stringOf(l), stringOf(r)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case ">":
		return ls > rs, nil
	case "<":
		return ls < rs, nil
	case ">=":
		return ls >= rs, nil
	case "<=":
		return ls <= rs, nil
	}
	return nil, fmt.Errorf("template: unknown operator %q", op)
}

func numberOf(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func stringOf(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprintf("%v", s)
	}
}
