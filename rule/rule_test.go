package rule

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetrygate/telemetrygate/normalize"
)

func floatPtr(f float64) *float64 { return &f }

func panicMessage(t *testing.T) *normalize.CanonicalMessage {
	t.Helper()
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(
		`{"gateway_id":"gw-A","message":{"code":2030,"subdeviceid":123,"alarmstatus":"alarm","alarmtype":"panic"}}`), &raw))
	n := normalize.New(slog.Default(), normalize.WithClock(func() time.Time {
		return time.Date(2025, 5, 15, 12, 0, 0, 0, time.UTC)
	}))
	msg, err := n.Normalize(raw, "")
	require.NoError(t, err)
	return msg
}

func TestLookup(t *testing.T) {
	tree := map[string]any{
		"gateway": map[string]any{"id": "gw-1"},
		"devices": []any{
			map[string]any{"values": map[string]any{"temperature": 21.5}},
		},
	}

	v, ok := Lookup(tree, "gateway.id")
	require.True(t, ok)
	assert.Equal(t, "gw-1", v)

	v, ok = Lookup(tree, "devices[0].values.temperature")
	require.True(t, ok)
	assert.Equal(t, 21.5, v)

	_, ok = Lookup(tree, "devices[1].values")
	assert.False(t, ok)

	_, ok = Lookup(tree, "gateway.missing")
	assert.False(t, ok)

	_, ok = Lookup(tree, "gateway.id.deeper")
	assert.False(t, ok)

	_, ok = Lookup(tree, "")
	assert.False(t, ok)

	_, ok = Lookup(tree, "devices[x]")
	assert.False(t, ok)
}

func TestRuleEvaluate(t *testing.T) {
	msg := panicMessage(t)

	tests := []struct {
		name string
		rule Rule
		want bool
	}{
		{
			name: "value_eq match",
			rule: Rule{Type: TypeValueEq, FieldPath: "devices[0].values.alarmstatus", Expected: "alarm"},
			want: true,
		},
		{
			name: "value_eq mismatch",
			rule: Rule{Type: TypeValueEq, FieldPath: "devices[0].values.alarmstatus", Expected: "normal"},
			want: false,
		},
		{
			name: "value_eq numeric cross-type",
			rule: Rule{Type: TypeValueEq, FieldPath: "raw_message.message.code", Expected: 2030},
			want: true,
		},
		{
			name: "missing path is false",
			rule: Rule{Type: TypeValueEq, FieldPath: "devices[0].values.nope", Expected: "x"},
			want: false,
		},
		{
			name: "missing path negated is true",
			rule: Rule{Type: TypeValueEq, FieldPath: "devices[0].values.nope", Expected: "x", Negate: true},
			want: true,
		},
		{
			name: "range inclusive",
			rule: Rule{Type: TypeRange, FieldPath: "raw_message.message.code", Min: floatPtr(2030), Max: floatPtr(2030), Inclusive: true},
			want: true,
		},
		{
			name: "range exclusive boundary",
			rule: Rule{Type: TypeRange, FieldPath: "raw_message.message.code", Min: floatPtr(2030), Inclusive: false},
			want: false,
		},
		{
			name: "range non-numeric is absent",
			rule: Rule{Type: TypeRange, FieldPath: "devices[0].values.alarmstatus", Min: floatPtr(0), Inclusive: true},
			want: false,
		},
		{
			name: "regex search",
			rule: Rule{Type: TypeRegex, FieldPath: "gateway.id", Pattern: "^gw-"},
			want: true,
		},
		{
			name: "in_set",
			rule: Rule{Type: TypeInSet, FieldPath: "devices[0].values.alarmtype", Allowed: []any{"panic", "fire"}},
			want: true,
		},
		{
			name: "in_set negated",
			rule: Rule{Type: TypeInSet, FieldPath: "devices[0].values.alarmtype", Allowed: []any{"panic"}, Negate: true},
			want: false,
		},
		{
			name: "and short circuit",
			rule: Rule{Type: TypeAnd, Rules: []Rule{
				{Type: TypeValueEq, FieldPath: "devices[0].values.alarmtype", Expected: "panic"},
				{Type: TypeValueEq, FieldPath: "devices[0].values.alarmstatus", Expected: "alarm"},
			}},
			want: true,
		},
		{
			name: "or with one match",
			rule: Rule{Type: TypeOr, Rules: []Rule{
				{Type: TypeValueEq, FieldPath: "gateway.id", Expected: "other"},
				{Type: TypeValueEq, FieldPath: "gateway.id", Expected: "gw-A"},
			}},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.Evaluate(msg))
		})
	}
}

func TestRuleValidate(t *testing.T) {
	assert.NoError(t, (&Rule{Type: TypeValueEq, FieldPath: "a.b", Expected: 1}).Validate())
	assert.Error(t, (&Rule{Type: TypeValueEq}).Validate())
	assert.Error(t, (&Rule{Type: TypeRange, FieldPath: "a"}).Validate())
	assert.Error(t, (&Rule{Type: TypeRegex, FieldPath: "a", Pattern: "("}).Validate())
	assert.Error(t, (&Rule{Type: TypeInSet, FieldPath: "a"}).Validate())
	assert.Error(t, (&Rule{Type: TypeAnd}).Validate())
	assert.Error(t, (&Rule{Type: "bogus"}).Validate())
}

func TestRegexCompiledAtValidate(t *testing.T) {
	r := Rule{Type: TypeRegex, FieldPath: "gateway.id", Pattern: "^gw-"}
	require.NoError(t, r.Validate())
	require.NotNil(t, r.re)

	// swap the pattern without revalidating: the compiled form still drives
	// evaluation
	r.Pattern = "("
	assert.True(t, r.EvaluateMap(map[string]any{"gateway": map[string]any{"id": "gw-1"}}))
}

func TestEngineShouldForward(t *testing.T) {
	msg := panicMessage(t)
	e := NewEngine(slog.Default())
	require.NoError(t, e.Load(map[string]Rule{
		"is_panic":  {Type: TypeValueEq, FieldPath: "devices[0].values.alarmtype", Expected: "panic"},
		"is_normal": {Type: TypeValueEq, FieldPath: "devices[0].values.alarmstatus", Expected: "normal"},
	}))

	t.Run("empty rule list always forwards", func(t *testing.T) {
		assert.True(t, e.ShouldForward(msg, nil))
	})

	t.Run("or of rules", func(t *testing.T) {
		assert.True(t, e.ShouldForward(msg, []string{"is_normal", "is_panic"}))
		assert.False(t, e.ShouldForward(msg, []string{"is_normal"}))
	})

	t.Run("unknown names skipped", func(t *testing.T) {
		assert.False(t, e.ShouldForward(msg, []string{"does_not_exist"}))
	})
}

func TestEngineAllPass(t *testing.T) {
	msg := panicMessage(t)
	e := NewEngine(slog.Default())
	require.NoError(t, e.Load(map[string]Rule{
		"is_panic":  {Type: TypeValueEq, FieldPath: "devices[0].values.alarmtype", Expected: "panic"},
		"is_normal": {Type: TypeValueEq, FieldPath: "devices[0].values.alarmstatus", Expected: "normal"},
	}))

	assert.True(t, e.AllPass(msg, nil, []string{"is_panic"}))
	assert.False(t, e.AllPass(msg, nil, []string{"is_panic", "is_normal"}))
	assert.False(t, e.AllPass(msg, nil, []string{"unknown"}))

	inline := []Rule{{Type: TypeValueEq, FieldPath: "gateway.id", Expected: "gw-A"}}
	assert.True(t, e.AllPass(msg, inline, nil))
}

func TestEngineMatchingRules(t *testing.T) {
	msg := panicMessage(t)
	e := NewEngine(slog.Default())
	require.NoError(t, e.Load(map[string]Rule{
		"is_panic":  {Type: TypeValueEq, FieldPath: "devices[0].values.alarmtype", Expected: "panic"},
		"is_normal": {Type: TypeValueEq, FieldPath: "devices[0].values.alarmstatus", Expected: "normal"},
		"gw_match":  {Type: TypeRegex, FieldPath: "gateway.id", Pattern: "gw-"},
	}))

	assert.Equal(t, []string{"gw_match", "is_panic"}, e.MatchingRules(msg))
}

func TestEngineLoadRejectsInvalid(t *testing.T) {
	e := NewEngine(slog.Default())
	err := e.Load(map[string]Rule{"bad": {Type: "nope"}})
	assert.Error(t, err)
}
