package rule

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/telemetrygate/telemetrygate/normalize"
)

// Rule type discriminators
const (
	TypeValueEq = "value_eq"
	TypeRange   = "range"
	TypeRegex   = "regex"
	TypeInSet   = "in_set"
	TypeAnd     = "and"
	TypeOr      = "or"
)

// Rule is one filter predicate. Type selects the variant; the other fields
// are populated per variant.
type Rule struct {
	Name      string   `json:"name,omitempty" yaml:"name,omitempty"`
	Type      string   `json:"type" yaml:"type"`
	FieldPath string   `json:"field_path,omitempty" yaml:"field_path,omitempty"`
	Expected  any      `json:"expected,omitempty" yaml:"expected,omitempty"`
	Min       *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Inclusive bool     `json:"inclusive,omitempty" yaml:"inclusive,omitempty"`
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Allowed   []any    `json:"allowed,omitempty" yaml:"allowed,omitempty"`
	Rules     []Rule   `json:"rules,omitempty" yaml:"rules,omitempty"`
	Negate    bool     `json:"negate,omitempty" yaml:"negate,omitempty"`

	// compiled by Validate so evaluation never re-parses the pattern
	re *regexp.Regexp
}

// Validate checks the rule structure without evaluating it
func (r *Rule) Validate() error {
	switch r.Type {
	case TypeValueEq:
		if r.FieldPath == "" {
			return fmt.Errorf("rule.Validate: value_eq requires field_path")
		}
	case TypeRange:
		if r.FieldPath == "" {
			return fmt.Errorf("rule.Validate: range requires field_path")
		}
		if r.Min == nil && r.Max == nil {
			return fmt.Errorf("rule.Validate: range requires min or max")
		}
	case TypeRegex:
		if r.FieldPath == "" || r.Pattern == "" {
			return fmt.Errorf("rule.Validate: regex requires field_path and pattern")
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("rule.Validate: bad pattern %q: %w", r.Pattern, err)
		}
		r.re = re
	case TypeInSet:
		if r.FieldPath == "" {
			return fmt.Errorf("rule.Validate: in_set requires field_path")
		}
		if len(r.Allowed) == 0 {
			return fmt.Errorf("rule.Validate: in_set requires a non-empty allowed set")
		}
	case TypeAnd, TypeOr:
		if len(r.Rules) == 0 {
			return fmt.Errorf("rule.Validate: %s requires nested rules", r.Type)
		}
		for i := range r.Rules {
			if err := r.Rules[i].Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("rule.Validate: unknown rule type %q", r.Type)
	}
	return nil
}

// Evaluate applies the rule to a canonical message
func (r *Rule) Evaluate(msg *normalize.CanonicalMessage) bool {
	return r.EvaluateMap(msg.AsMap())
}

// EvaluateMap applies the rule to an already-flattened message tree
func (r *Rule) EvaluateMap(tree map[string]any) bool {
	result := r.evaluate(tree)
	if r.Negate {
		return !result
	}
	return result
}

func (r *Rule) evaluate(tree map[string]any) bool {
	switch r.Type {
	case TypeValueEq:
		value, ok := Lookup(tree, r.FieldPath)
		if !ok {
			return false
		}
		return scalarEqual(value, r.Expected)

	case TypeRange:
		value, ok := Lookup(tree, r.FieldPath)
		if !ok {
			return false
		}
		f, ok := asNumber(value)
		if !ok {
			return false
		}
		if r.Min != nil {
			if r.Inclusive && f < *r.Min {
				return false
			}
			if !r.Inclusive && f <= *r.Min {
				return false
			}
		}
		if r.Max != nil {
			if r.Inclusive && f > *r.Max {
				return false
			}
			if !r.Inclusive && f >= *r.Max {
				return false
			}
		}
		return true

	case TypeRegex:
		value, ok := Lookup(tree, r.FieldPath)
		if !ok {
			return false
		}
		re := r.re
		if re == nil {
			var err error
			re, err = regexp.Compile(r.Pattern)
			if err != nil {
				return false
			}
		}
		return re.MatchString(asString(value))

	case TypeInSet:
		value, ok := Lookup(tree, r.FieldPath)
		if !ok {
			return false
		}
		for _, allowed := range r.Allowed {
			if scalarEqual(value, allowed) {
				return true
			}
		}
		return false

	case TypeAnd:
		for i := range r.Rules {
			if !r.Rules[i].EvaluateMap(tree) {
				return false
			}
		}
		return true

	case TypeOr:
		for i := range r.Rules {
			if r.Rules[i].EvaluateMap(tree) {
				return true
			}
		}
		return false

	default:
		return false
	}
}

// scalarEqual compares two values under JSON scalar equality: numbers compare
// numerically regardless of Go type, everything else by exact value.
func scalarEqual(a, b any) bool {
	fa, okA := asNumber(a)
	fb, okB := asNumber(b)
	if okA && okB {
		return fa == fb
	}
	return a == b
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}
