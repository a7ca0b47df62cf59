package flow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetrygate/telemetrygate/normalize"
	"github.com/telemetrygate/telemetrygate/rule"
	"github.com/telemetrygate/telemetrygate/template"
)

func testEngines(t *testing.T, forward ForwardFunc) (*Engine, *rule.Engine, *template.Engine) {
	t.Helper()
	rules := rule.NewEngine(slog.Default())
	templates := template.NewEngine(slog.Default(), rules,
		template.WithUUIDSource(func() string { return "fixed-uuid" }),
		template.WithClock(func() time.Time { return time.Date(2025, 5, 15, 12, 0, 0, 0, time.UTC) }))
	require.NoError(t, templates.Load(map[string]template.Template{
		"panic_alarm": {Transform: map[string]any{
			"events": []any{map[string]any{
				"message":   "Panic from {{ gateway_id }}",
				"device_id": "{{ devices[0].id }}",
				"namespace": "",
			}},
		}},
		"broken": {Transform: map[string]any{"x": "{{ unknown_helper() }}"}},
	}))
	require.NoError(t, rules.Load(map[string]rule.Rule{
		"is_panic": {Type: rule.TypeValueEq, FieldPath: "devices[0].values.alarmtype", Expected: "panic"},
		"never":    {Type: rule.TypeValueEq, FieldPath: "gateway.id", Expected: "other"},
	}))
	return NewEngine(slog.Default(), rules, templates, forward), rules, templates
}

func panicMessage(t *testing.T) *normalize.CanonicalMessage {
	t.Helper()
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(
		`{"gateway_id":"gw-A","message":{"code":2030,"subdeviceid":123,"alarmstatus":"alarm","alarmtype":"panic"}}`), &raw))
	n := normalize.New(slog.Default())
	msg, err := n.Normalize(raw, "")
	require.NoError(t, err)
	return msg
}

func TestValidate(t *testing.T) {
	valid := &Flow{
		Name:     "f",
		FlowType: TypeGatewayFlow,
		Steps:    []Step{{Type: StepTransform, Template: "panic_alarm"}},
	}
	assert.NoError(t, Validate(valid))

	assert.Error(t, Validate(&Flow{FlowType: TypeGatewayFlow, Steps: valid.Steps}))
	assert.Error(t, Validate(&Flow{Name: "f", FlowType: "bogus", Steps: valid.Steps}))
	assert.Error(t, Validate(&Flow{Name: "f", FlowType: TypeDeviceFlow}))
	assert.Error(t, Validate(&Flow{Name: "f", FlowType: TypeDeviceFlow, Steps: []Step{{Type: "nope"}}}))
	assert.Error(t, Validate(&Flow{Name: "f", FlowType: TypeDeviceFlow, Steps: []Step{{Type: StepConditional}}}))
}

func TestExecuteFullPipeline(t *testing.T) {
	var delivered map[string]any
	e, _, _ := testEngines(t, func(_ context.Context, payload map[string]any, target Target, gatewayID string) error {
		delivered = payload
		assert.Equal(t, TargetEvalarm, target.Type)
		assert.Equal(t, "gw-A", gatewayID)
		return nil
	})

	f := &Flow{
		ID:       "flow-1",
		Name:     "panic pipeline",
		FlowType: TypeGatewayFlow,
		Steps: []Step{
			{Type: StepFilter, RuleNames: []string{"is_panic"}},
			{Type: StepTransform, Template: "panic_alarm"},
			{Type: StepForward, Targets: []Target{{Type: TargetEvalarm}}},
		},
	}

	result, err := e.Execute(context.Background(), f, panicMessage(t), nil)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.False(t, result.Skipped)
	require.Len(t, result.StepsExecuted, 3)
	assert.Equal(t, "passed", result.StepsExecuted[0].Result)
	assert.Equal(t, "success", result.StepsExecuted[1].Result)
	assert.Equal(t, "success", result.StepsExecuted[2].Result)
	require.NotNil(t, delivered)
	events := delivered["events"].([]any)
	assert.Equal(t, "123", events[0].(map[string]any)["device_id"])
	assert.Equal(t, result.Output, delivered)
}

func TestExecuteFilterMissShortCircuits(t *testing.T) {
	called := false
	e, _, _ := testEngines(t, func(context.Context, map[string]any, Target, string) error {
		called = true
		return nil
	})

	f := &Flow{
		ID: "flow-2", Name: "gated", FlowType: TypeGatewayFlow,
		Steps: []Step{
			{Type: StepFilter, RuleNames: []string{"is_panic", "never"}},
			{Type: StepForward, Targets: []Target{{Type: TargetEvalarm}}},
		},
	}

	result, err := e.Execute(context.Background(), f, panicMessage(t), nil)
	require.NoError(t, err)

	assert.True(t, result.Skipped)
	assert.Equal(t, SkipReasonFilter, result.SkipReason)
	assert.False(t, result.Success)
	assert.Len(t, result.StepsExecuted, 1)
	assert.False(t, called)
}

func TestExecuteTransformError(t *testing.T) {
	e, _, _ := testEngines(t, nil)
	f := &Flow{
		ID: "flow-3", Name: "broken", FlowType: TypeGatewayFlow,
		Steps: []Step{{Type: StepTransform, Template: "broken"}},
	}

	result, err := e.Execute(context.Background(), f, panicMessage(t), nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestExecuteForwardErrorBubbles(t *testing.T) {
	wantErr := errors.New("downstream unavailable")
	e, _, _ := testEngines(t, func(context.Context, map[string]any, Target, string) error {
		return wantErr
	})

	f := &Flow{
		ID: "flow-4", Name: "fails", FlowType: TypeGatewayFlow,
		Steps: []Step{
			{Type: StepTransform, Template: "panic_alarm"},
			{Type: StepForward, Targets: []Target{{Type: TargetEvalarm}}},
		},
	}

	_, err := e.Execute(context.Background(), f, panicMessage(t), nil)
	assert.ErrorIs(t, err, wantErr)
}

func TestExecuteForwardWithoutTransformSendsCanonical(t *testing.T) {
	var payload map[string]any
	e, _, _ := testEngines(t, func(_ context.Context, p map[string]any, _ Target, _ string) error {
		payload = p
		return nil
	})

	f := &Flow{
		ID: "flow-raw", Name: "raw forward", FlowType: TypeGatewayFlow,
		Steps: []Step{
			{Type: StepForward, Targets: []Target{{Type: TargetEvalarm}}},
		},
	}

	res, err := e.Execute(context.Background(), f, panicMessage(t), nil)
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.NotNil(t, payload)
	gw, ok := payload["gateway"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "gw-A", gw["id"])
}

func TestExecuteConditional(t *testing.T) {
	var delivered bool
	e, _, _ := testEngines(t, func(context.Context, map[string]any, Target, string) error {
		delivered = true
		return nil
	})

	f := &Flow{
		ID: "flow-5", Name: "branching", FlowType: TypeGatewayFlow,
		Steps: []Step{
			{Type: StepTransform, Template: "panic_alarm"},
			{
				Type:      StepConditional,
				Condition: "devices[0].values.alarmtype == 'panic'",
				TrueStep:  &Step{Type: StepForward, Targets: []Target{{Type: TargetEvalarm}}},
				FalseStep: &Step{Type: StepForward, Targets: []Target{{Type: TargetLog, Level: "info"}}},
			},
		},
	}

	result, err := e.Execute(context.Background(), f, panicMessage(t), nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, delivered)

	// unknown operator in the condition falls to the false branch
	delivered = false
	f.Steps[1].Condition = "devices[0].values.alarmtype ~= 'panic'"
	result, err = e.Execute(context.Background(), f, panicMessage(t), nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, delivered)
}

func TestAccepts(t *testing.T) {
	e, _, _ := testEngines(t, nil)
	msg := panicMessage(t)

	gated := &Flow{Name: "g", FlowType: TypeGatewayFlow, Steps: []Step{{Type: StepFilter, RuleNames: []string{"is_panic"}}}}
	blocked := &Flow{Name: "b", FlowType: TypeGatewayFlow, Steps: []Step{{Type: StepFilter, RuleNames: []string{"never"}}}}
	open := &Flow{Name: "o", FlowType: TypeGatewayFlow, Steps: []Step{{Type: StepTransform, Template: "panic_alarm"}}}

	assert.True(t, e.Accepts(gated, msg))
	assert.False(t, e.Accepts(blocked, msg))
	assert.True(t, e.Accepts(open, msg))
}
