package template

import "time"

// EvalCondition evaluates a bounded boolean expression against a variable
// tree. Parse or evaluation failures, including unknown operators, yield
// false rather than an error: a broken condition must never open a gate.
func EvalCondition(expr string, vars map[string]any) bool {
	node, err := parseExpression(expr)
	if err != nil {
		return false
	}
	ctx := NewContext(vars,
		func() string { return "" },
		time.Now)
	v, err := node.eval(ctx)
	if err != nil {
		return false
	}
	return truthy(v)
}
