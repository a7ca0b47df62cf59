// Package selector picks the flow or legacy template that handles a
// canonical message, based on the gateway's and device's inventory bindings.
package selector

import (
	"context"
	"log/slog"
	"sort"

	"github.com/telemetrygate/telemetrygate/deviceregistry"
	"github.com/telemetrygate/telemetrygate/errors"
	"github.com/telemetrygate/telemetrygate/flow"
	"github.com/telemetrygate/telemetrygate/inventory"
	"github.com/telemetrygate/telemetrygate/normalize"
	"github.com/telemetrygate/telemetrygate/template"
)

// PanicTemplate is the template name alarm traffic short-circuits to
const PanicTemplate = "panic_alarm"

// Route is the selection outcome: exactly one of Flow or TemplateName is set
type Route struct {
	Flow         *flow.Flow
	TemplateName string
}

// Selector resolves routes using inventory bindings, probing flow groups in
// priority order and falling back to the legacy template path.
type Selector struct {
	logger    *slog.Logger
	store     *inventory.Store
	flows     *flow.Engine
	templates *template.Engine
}

// New creates a Selector
func New(logger *slog.Logger, store *inventory.Store, flows *flow.Engine, templates *template.Engine) *Selector {
	return &Selector{
		logger:    logger.With("component", "selector"),
		store:     store,
		flows:     flows,
		templates: templates,
	}
}

// IsGatewayMessage classifies a canonical message. Gateway messages carry no
// devices, or heartbeat/connection metadata, or an explicit gateway-level
// type in the raw payload.
func IsGatewayMessage(msg *normalize.CanonicalMessage) bool {
	if len(msg.Devices) == 0 {
		return true
	}
	if _, ok := msg.Gateway.Metadata["heartbeat"]; ok {
		return true
	}
	if _, ok := msg.Gateway.Metadata["connection_status"]; ok {
		return true
	}
	switch msg.RawMessage["type"] {
	case "gateway_status", "heartbeat", "error_report":
		return true
	}
	return false
}

// Select resolves the route for a message. A nil route with a nil error
// means nothing is bound: the caller treats the job as unroutable.
func (s *Selector) Select(ctx context.Context, msg *normalize.CanonicalMessage) (*Route, error) {
	var binding inventory.Binding
	var err error

	if IsGatewayMessage(msg) {
		binding, err = s.store.FindFlowForGateway(ctx, msg.Gateway.ID)
	} else {
		binding, err = s.store.FindFlowForDevice(ctx, msg.Gateway.ID, msg.Devices[0].ID)
	}
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	if route, err := s.resolveFlow(ctx, msg, binding); err != nil || route != nil {
		return route, err
	}
	return s.resolveLegacy(ctx, msg, binding)
}

// resolveFlow tries the flow-group then direct-flow bindings
func (s *Selector) resolveFlow(ctx context.Context, msg *normalize.CanonicalMessage, binding inventory.Binding) (*Route, error) {
	if binding.FlowGroupID != "" {
		group, err := s.store.GetFlowGroup(ctx, binding.FlowGroupID)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		if group != nil {
			if f, err := s.probeGroup(ctx, msg, group); err != nil {
				return nil, err
			} else if f != nil {
				return &Route{Flow: f}, nil
			}
		}
	}

	if binding.FlowID != "" {
		f, err := s.store.GetFlow(ctx, binding.FlowID)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				s.logger.Warn("bound flow missing", "flow_id", binding.FlowID, "gateway_id", msg.Gateway.ID)
				return nil, nil
			}
			return nil, err
		}
		return &Route{Flow: f}, nil
	}
	return nil, nil
}

// probeGroup walks the group's members highest priority first and returns
// the first flow whose leading filter accepts the message.
func (s *Selector) probeGroup(ctx context.Context, msg *normalize.CanonicalMessage, group *flow.Group) (*flow.Flow, error) {
	entries := make([]flow.GroupEntry, len(group.Flows))
	copy(entries, group.Flows)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Priority > entries[j].Priority })

	for _, entry := range entries {
		f, err := s.store.GetFlow(ctx, entry.FlowID)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if s.flows.Accepts(f, msg) {
			return f, nil
		}
	}
	return nil, nil
}

// resolveLegacy picks a template name. Alarm traffic short-circuits to the
// panic template: an alarm message code wins, then an explicit panic alarm
// type on any device. Otherwise the direct template binding, then the bound
// template group by priority, then device-type detection.
func (s *Selector) resolveLegacy(ctx context.Context, msg *normalize.CanonicalMessage, binding inventory.Binding) (*Route, error) {
	if name := s.panicTemplate(msg); name != "" {
		return s.templateRoute(name), nil
	}

	if binding.TemplateID != "" {
		if route := s.templateRoute(binding.TemplateID); route != nil {
			return route, nil
		}
	}

	if binding.TemplateGroupID != "" {
		route, err := s.probeTemplateGroup(ctx, binding.TemplateGroupID)
		if err != nil || route != nil {
			return route, err
		}
	}

	deviceType := deviceregistry.TypeUnknown
	if !IsGatewayMessage(msg) {
		deviceType = msg.Devices[0].Type
	}
	return s.templateRoute(deviceregistry.DefaultTemplate(deviceType)), nil
}

// probeTemplateGroup walks the group's members highest priority first and
// returns the first template actually loaded in the catalog.
func (s *Selector) probeTemplateGroup(ctx context.Context, groupID string) (*Route, error) {
	group, err := s.store.GetTemplateGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			s.logger.Warn("bound template group missing", "template_group_id", groupID)
			return nil, nil
		}
		return nil, err
	}

	members := make([]inventory.TemplateGroupEntry, len(group.Templates))
	copy(members, group.Templates)
	sort.SliceStable(members, func(i, j int) bool { return members[i].Priority > members[j].Priority })

	for _, member := range members {
		if route := s.templateRoute(member.TemplateName); route != nil {
			return route, nil
		}
	}
	return nil, nil
}

func (s *Selector) panicTemplate(msg *normalize.CanonicalMessage) string {
	if code, ok := messageCode(msg.RawMessage); ok && code == 2030 {
		return PanicTemplate
	}
	for i := range msg.Devices {
		if msg.Devices[i].Values["alarmtype"] == "panic" {
			return PanicTemplate
		}
	}
	return ""
}

func (s *Selector) templateRoute(name string) *Route {
	if _, ok := s.templates.Get(name); !ok {
		s.logger.Warn("template not loaded", "template", name)
		return nil
	}
	return &Route{TemplateName: name}
}

func messageCode(raw map[string]any) (int64, bool) {
	body := raw
	if inner, ok := raw["message"].(map[string]any); ok {
		body = inner
	}
	switch c := body["code"].(type) {
	case float64:
		return int64(c), true
	case int:
		return int64(c), true
	case int64:
		return c, true
	default:
		return 0, false
	}
}
