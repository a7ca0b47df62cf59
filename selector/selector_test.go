package selector

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetrygate/telemetrygate/flow"
	"github.com/telemetrygate/telemetrygate/inventory"
	"github.com/telemetrygate/telemetrygate/normalize"
	"github.com/telemetrygate/telemetrygate/rule"
	"github.com/telemetrygate/telemetrygate/template"
)

type fixture struct {
	selector *Selector
	store    *inventory.Store
}

func setup(t *testing.T) *fixture {
	t.Helper()
	logger := slog.Default()
	rules := rule.NewEngine(logger)
	require.NoError(t, rules.Load(map[string]rule.Rule{
		"is_panic": {Type: rule.TypeValueEq, FieldPath: "devices[0].values.alarmtype", Expected: "panic"},
	}))
	templates := template.NewEngine(logger, rules)
	require.NoError(t, templates.Load(map[string]template.Template{
		"panic_alarm":   {Transform: map[string]any{"kind": "panic"}},
		"status_update": {Transform: map[string]any{"kind": "status"}},
	}))
	store := inventory.NewMemoryStore(logger)
	flows := flow.NewEngine(logger, rules, templates, nil)
	return &fixture{
		selector: New(logger, store, flows, templates),
		store:    store,
	}
}

func message(t *testing.T, raw string) *normalize.CanonicalMessage {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	msg, err := normalize.New(slog.Default()).Normalize(m, "")
	require.NoError(t, err)
	return msg
}

func TestIsGatewayMessage(t *testing.T) {
	assert.True(t, IsGatewayMessage(message(t, `{"gateway_id":"gw-1","code":1000}`)))
	assert.True(t, IsGatewayMessage(message(t, `{"gateway_id":"gw-1","subdevicelist":[]}`)))
	assert.True(t, IsGatewayMessage(message(t, `{"gateway_id":"gw-1","type":"heartbeat","subdevicelist":[{"id":1,"value":{"temperature":20}}]}`)))
	assert.False(t, IsGatewayMessage(message(t, `{"gateway_id":"gw-1","subdevicelist":[{"id":1,"value":{"temperature":20}}]}`)))
}

func TestSelectFlowGroupPriority(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	gated := &flow.Flow{Name: "panic only", FlowType: flow.TypeDeviceFlow, Steps: []flow.Step{
		{Type: flow.StepFilter, RuleNames: []string{"is_panic"}},
		{Type: flow.StepTransform, Template: "panic_alarm"},
	}}
	open := &flow.Flow{Name: "catch all", FlowType: flow.TypeDeviceFlow, Steps: []flow.Step{
		{Type: flow.StepTransform, Template: "status_update"},
	}}
	require.NoError(t, fx.store.SaveFlow(ctx, gated))
	require.NoError(t, fx.store.SaveFlow(ctx, open))

	group := &flow.Group{Name: "g", Type: "device_flows", Flows: []flow.GroupEntry{
		{FlowID: open.ID, Priority: 1},
		{FlowID: gated.ID, Priority: 10},
	}}
	require.NoError(t, fx.store.SaveFlowGroup(ctx, group))
	require.NoError(t, fx.store.SaveGateway(ctx, &inventory.Gateway{UUID: "gw-1", FlowGroupID: group.ID}))

	// panic message: high-priority gated flow accepts
	route, err := fx.selector.Select(ctx, message(t,
		`{"gateway_id":"gw-1","message":{"code":2030,"subdeviceid":7}}`))
	require.NoError(t, err)
	require.NotNil(t, route)
	require.NotNil(t, route.Flow)
	assert.Equal(t, gated.ID, route.Flow.ID)

	// status message: gate misses, fall through to the open flow
	route, err = fx.selector.Select(ctx, message(t,
		`{"gateway_id":"gw-1","subdevicelist":[{"id":1,"value":{"temperature":20,"humidity":50}}]}`))
	require.NoError(t, err)
	require.NotNil(t, route)
	require.NotNil(t, route.Flow)
	assert.Equal(t, open.ID, route.Flow.ID)
}

func TestSelectDirectFlowBinding(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	f := &flow.Flow{Name: "direct", FlowType: flow.TypeGatewayFlow, Steps: []flow.Step{
		{Type: flow.StepTransform, Template: "status_update"},
	}}
	require.NoError(t, fx.store.SaveFlow(ctx, f))
	require.NoError(t, fx.store.SaveGateway(ctx, &inventory.Gateway{UUID: "gw-1", FlowID: f.ID}))

	route, err := fx.selector.Select(ctx, message(t, `{"gateway_id":"gw-1","code":1000}`))
	require.NoError(t, err)
	require.NotNil(t, route)
	require.NotNil(t, route.Flow)
	assert.Equal(t, f.ID, route.Flow.ID)
}

func TestSelectDeviceOwnBinding(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	deviceFlow := &flow.Flow{Name: "per device", FlowType: flow.TypeDeviceFlow, Steps: []flow.Step{
		{Type: flow.StepTransform, Template: "status_update"},
	}}
	require.NoError(t, fx.store.SaveFlow(ctx, deviceFlow))
	require.NoError(t, fx.store.SaveGateway(ctx, &inventory.Gateway{UUID: "gw-1"}))
	require.NoError(t, fx.store.SaveDevice(ctx, &inventory.Device{GatewayUUID: "gw-1", DeviceID: "42", FlowID: deviceFlow.ID}))

	route, err := fx.selector.Select(ctx, message(t,
		`{"gateway_id":"gw-1","subdevicelist":[{"id":42,"value":{"temperature":20}}]}`))
	require.NoError(t, err)
	require.NotNil(t, route)
	require.NotNil(t, route.Flow)
	assert.Equal(t, deviceFlow.ID, route.Flow.ID)
}

func TestSelectLegacyPanicPrecedence(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	require.NoError(t, fx.store.SaveGateway(ctx, &inventory.Gateway{UUID: "gw-1", TemplateID: "status_update"}))

	// message code wins even over the bound template
	route, err := fx.selector.Select(ctx, message(t,
		`{"gateway_id":"gw-1","message":{"code":2030,"subdeviceid":7}}`))
	require.NoError(t, err)
	require.NotNil(t, route)
	assert.Equal(t, PanicTemplate, route.TemplateName)

	// alarmtype on a device also short-circuits
	route, err = fx.selector.Select(ctx, message(t,
		`{"gateway_id":"gw-1","subdevicelist":[{"id":7,"value":{"alarmstatus":"alarm","alarmtype":"panic"}}]}`))
	require.NoError(t, err)
	require.NotNil(t, route)
	assert.Equal(t, PanicTemplate, route.TemplateName)
}

func TestSelectLegacyTemplateGroup(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	group := &inventory.TemplateGroup{Name: "legacy", Templates: []inventory.TemplateGroupEntry{
		{TemplateName: "status_update", Priority: 1},
		{TemplateName: "not_loaded", Priority: 10},
		{TemplateName: "panic_alarm", Priority: 5},
	}}
	require.NoError(t, fx.store.SaveTemplateGroup(ctx, group))
	require.NoError(t, fx.store.SaveGateway(ctx, &inventory.Gateway{UUID: "gw-1", TemplateGroupID: group.ID}))

	// highest-priority loaded member wins; unloadable members are skipped
	route, err := fx.selector.Select(ctx, message(t,
		`{"gateway_id":"gw-1","subdevicelist":[{"id":42,"value":{"motionstatus":"motion"}}]}`))
	require.NoError(t, err)
	require.NotNil(t, route)
	assert.Equal(t, "panic_alarm", route.TemplateName)

	// a direct template binding outranks the group
	require.NoError(t, fx.store.SaveGateway(ctx, &inventory.Gateway{
		UUID: "gw-1", TemplateID: "status_update", TemplateGroupID: group.ID,
	}))
	route, err = fx.selector.Select(ctx, message(t,
		`{"gateway_id":"gw-1","subdevicelist":[{"id":42,"value":{"motionstatus":"motion"}}]}`))
	require.NoError(t, err)
	require.NotNil(t, route)
	assert.Equal(t, "status_update", route.TemplateName)

	// a dangling group binding falls through to the type default
	require.NoError(t, fx.store.SaveGateway(ctx, &inventory.Gateway{UUID: "gw-2", TemplateGroupID: "gone"}))
	route, err = fx.selector.Select(ctx, message(t,
		`{"gateway_id":"gw-2","subdevicelist":[{"id":42,"value":{"motionstatus":"motion"}}]}`))
	require.NoError(t, err)
	require.NotNil(t, route)
	assert.Equal(t, "status_update", route.TemplateName)
}

func TestSelectLegacyDefaults(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	require.NoError(t, fx.store.SaveGateway(ctx, &inventory.Gateway{UUID: "gw-1"}))

	// temperature sensor maps to the status template
	route, err := fx.selector.Select(ctx, message(t,
		`{"gateway_id":"gw-1","subdevicelist":[{"id":42,"value":{"temperature":25,"humidity":63}}]}`))
	require.NoError(t, err)
	require.NotNil(t, route)
	assert.Equal(t, "status_update", route.TemplateName)

	// gateway heartbeat maps to the unknown-type default
	route, err = fx.selector.Select(ctx, message(t, `{"gateway_id":"gw-1","code":1000}`))
	require.NoError(t, err)
	require.NotNil(t, route)
	assert.Equal(t, "status_update", route.TemplateName)
}

func TestSelectNoRoute(t *testing.T) {
	logger := slog.Default()
	rules := rule.NewEngine(logger)
	templates := template.NewEngine(logger, rules) // empty catalog
	store := inventory.NewMemoryStore(logger)
	flows := flow.NewEngine(logger, rules, templates, nil)
	sel := New(logger, store, flows, templates)

	ctx := context.Background()
	require.NoError(t, store.SaveGateway(ctx, &inventory.Gateway{UUID: "gw-1"}))

	route, err := sel.Select(ctx, message(t, `{"gateway_id":"gw-1","code":1000}`))
	require.NoError(t, err)
	assert.Nil(t, route)
}
