package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// A compiled string template is a sequence of program nodes: literal text,
// {{ expression }} output, and {% if %} blocks.
type progNode interface {
	render(ctx *Context, out *strings.Builder) error
}

type textNode struct{ text string }

func (n *textNode) render(_ *Context, out *strings.Builder) error {
	out.WriteString(n.text)
	return nil
}

type outputNode struct {
	expr exprNode
	// raw is kept so a whole-string expression can return the native value
	raw string
}

func (n *outputNode) render(ctx *Context, out *strings.Builder) error {
	v, err := n.expr.eval(ctx)
	if err != nil {
		return err
	}
	out.WriteString(renderValue(v))
	return nil
}

type ifNode struct {
	cond        exprNode
	then, other []progNode
}

func (n *ifNode) render(ctx *Context, out *strings.Builder) error {
	v, err := n.cond.eval(ctx)
	if err != nil {
		return err
	}
	branch := n.other
	if truthy(v) {
		branch = n.then
	}
	for _, node := range branch {
		if err := node.render(ctx, out); err != nil {
			return err
		}
	}
	return nil
}

// program is a compiled string template
type program struct {
	nodes []progNode
	// single non-nil when the whole string is exactly one {{ expr }}, which
	// returns the expression's native value instead of a string.
	single exprNode
}

// HasMarkers reports whether a string leaf contains template syntax
func HasMarkers(s string) bool {
	return strings.Contains(s, "{{") || strings.Contains(s, "{%")
}

// compileString parses a string leaf into a program
func compileString(s string) (*program, error) {
	nodes, rest, err := compileNodes(s, false)
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, fmt.Errorf("template: unexpected %q", rest)
	}

	p := &program{nodes: nodes}
	if len(nodes) == 1 {
		if out, ok := nodes[0].(*outputNode); ok && strings.TrimSpace(s) == "{{"+out.raw+"}}" {
			p.single = out.expr
		}
	}
	return p, nil
}

// compileNodes parses until end of input or, inside an if block, until an
// {% else %} / {% elif %} / {% endif %} tag. It returns the remaining input
// starting at that tag.
func compileNodes(s string, inBlock bool) ([]progNode, string, error) {
	var nodes []progNode
	for s != "" {
		open := strings.Index(s, "{{")
		tag := strings.Index(s, "{%")
		if open < 0 && tag < 0 {
			nodes = append(nodes, &textNode{text: s})
			return nodes, "", nil
		}
		if tag >= 0 && (open < 0 || tag < open) {
			if tag > 0 {
				nodes = append(nodes, &textNode{text: s[:tag]})
				s = s[tag:]
			}
			end := strings.Index(s, "%}")
			if end < 0 {
				return nil, "", fmt.Errorf("template: unterminated {%% tag")
			}
			body := strings.TrimSpace(s[2:end])
			switch {
			case strings.HasPrefix(body, "if "):
				node, rest, err := compileIf(body[3:], s[end+2:])
				if err != nil {
					return nil, "", err
				}
				nodes = append(nodes, node)
				s = rest
			case body == "else", body == "endif", strings.HasPrefix(body, "elif "):
				if !inBlock {
					return nil, "", fmt.Errorf("template: %q outside of if block", body)
				}
				return nodes, s, nil
			default:
				return nil, "", fmt.Errorf("template: unknown tag %q", body)
			}
			continue
		}

		if open > 0 {
			nodes = append(nodes, &textNode{text: s[:open]})
			s = s[open:]
		}
		end := strings.Index(s, "}}")
		if end < 0 {
			return nil, "", fmt.Errorf("template: unterminated {{ expression")
		}
		raw := s[2:end]
		expr, err := parseExpression(raw)
		if err != nil {
			return nil, "", err
		}
		nodes = append(nodes, &outputNode{expr: expr, raw: raw})
		s = s[end+2:]
	}
	return nodes, "", nil
}

func compileIf(condSrc, rest string) (progNode, string, error) {
	cond, err := parseExpression(condSrc)
	if err != nil {
		return nil, "", err
	}

	then, rest, err := compileNodes(rest, true)
	if err != nil {
		return nil, "", err
	}
	if rest == "" {
		return nil, "", fmt.Errorf("template: missing {%% endif %%}")
	}

	end := strings.Index(rest, "%}")
	body := strings.TrimSpace(rest[2:end])
	rest = rest[end+2:]

	node := &ifNode{cond: cond, then: then}
	switch {
	case body == "endif":
		return node, rest, nil
	case body == "else":
		other, rest, err := compileNodes(rest, true)
		if err != nil {
			return nil, "", err
		}
		if rest == "" {
			return nil, "", fmt.Errorf("template: missing {%% endif %%}")
		}
		end := strings.Index(rest, "%}")
		closing := strings.TrimSpace(rest[2:end])
		if closing != "endif" {
			return nil, "", fmt.Errorf("template: expected endif, got %q", closing)
		}
		node.other = other
		return node, rest[end+2:], nil
	case strings.HasPrefix(body, "elif "):
		chained, rest, err := compileIf(body[5:], rest)
		if err != nil {
			return nil, "", err
		}
		node.other = []progNode{chained}
		return node, rest, nil
	default:
		return nil, "", fmt.Errorf("template: unexpected tag %q in if block", body)
	}
}

// run evaluates the program. A whole-string expression returns its native
// value; anything else renders to a string and is then coerced.
func (p *program) run(ctx *Context) (any, error) {
	if p.single != nil {
		v, err := p.single.eval(ctx)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	var out strings.Builder
	for _, node := range p.nodes {
		if err := node.render(ctx, &out); err != nil {
			return nil, err
		}
	}
	return coerceScalar(out.String()), nil
}

// renderValue turns an expression result into output text
func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// coerceScalar converts a rendered string to a native JSON type when it
// parses as one: object, array, boolean, integer or float.
func coerceScalar(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return s
	}
	switch trimmed[0] {
	case '{', '[':
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	switch trimmed {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return s
}
