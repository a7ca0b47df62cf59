package template

import (
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	tgerrors "github.com/telemetrygate/telemetrygate/errors"
	"github.com/telemetrygate/telemetrygate/normalize"
	"github.com/telemetrygate/telemetrygate/rule"
)

// Engine renders canonical messages through named templates. Templates are
// compiled at load and published as an immutable snapshot, so reloads never
// tear a concurrent render.
type Engine struct {
	logger  *slog.Logger
	rules   *rule.Engine
	catalog atomic.Pointer[map[string]*compiledTemplate]
	uuidFn  func() string
	nowFn   func() time.Time
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithUUIDSource overrides uuid generation, for deterministic rendering
func WithUUIDSource(fn func() string) EngineOption {
	return func(e *Engine) { e.uuidFn = fn }
}

// WithClock overrides the time source
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) { e.nowFn = fn }
}

// NewEngine creates a template engine bound to a rule engine
func NewEngine(logger *slog.Logger, rules *rule.Engine, opts ...EngineOption) *Engine {
	e := &Engine{
		logger: logger.With("component", "template_engine"),
		rules:  rules,
		uuidFn: func() string { return uuid.New().String() },
		nowFn:  time.Now,
	}
	empty := map[string]*compiledTemplate{}
	e.catalog.Store(&empty)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load compiles and publishes a template set, replacing the prior snapshot
func (e *Engine) Load(templates map[string]Template) error {
	snapshot := make(map[string]*compiledTemplate, len(templates))
	for name, t := range templates {
		t.Name = name
		compiled, err := compileTemplate(t)
		if err != nil {
			return tgerrors.WrapInvalid(err, "template", "Load", "compile "+name)
		}
		snapshot[name] = compiled
	}
	e.catalog.Store(&snapshot)
	e.logger.Info("template catalog loaded", "templates", len(snapshot))
	return nil
}

// LoadFromDir loads and publishes every template file in dir
func (e *Engine) LoadFromDir(dir string) error {
	templates, err := LoadDir(dir)
	if err != nil {
		return err
	}
	return e.Load(templates)
}

// Get returns the named template definition
func (e *Engine) Get(name string) (Template, bool) {
	ct, ok := (*e.catalog.Load())[name]
	if !ok {
		return Template{}, false
	}
	return ct.Template, true
}

// Names returns the sorted names of loaded templates
func (e *Engine) Names() []string {
	catalog := *e.catalog.Load()
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ShouldForward evaluates the template's filter rules against the message.
// At least one rule must match; no rules means always forward. The matched
// rule names are returned for diagnostics.
func (e *Engine) ShouldForward(msg *normalize.CanonicalMessage, templateName string) (bool, []string, error) {
	ct, ok := (*e.catalog.Load())[templateName]
	if !ok {
		return false, nil, tgerrors.WrapInvalid(tgerrors.ErrNotFound, "template", "ShouldForward",
			fmt.Sprintf("lookup of template %q", templateName))
	}
	if len(ct.FilterRules) == 0 {
		return true, nil, nil
	}
	if !e.rules.ShouldForward(msg, ct.FilterRules) {
		return false, nil, nil
	}
	matched := make([]string, 0, len(ct.FilterRules))
	tree := msg.AsMap()
	for _, name := range ct.FilterRules {
		if r, ok := e.rules.Get(name); ok && r.EvaluateMap(tree) {
			matched = append(matched, name)
		}
	}
	return true, matched, nil
}

// Transform renders the message through the named template and attaches the
// delivery envelope fields.
func (e *Engine) Transform(msg *normalize.CanonicalMessage, templateName string, customerConfig map[string]any) (map[string]any, error) {
	ct, ok := (*e.catalog.Load())[templateName]
	if !ok {
		return nil, tgerrors.WrapInvalid(tgerrors.ErrNotFound, "template", "Transform",
			fmt.Sprintf("lookup of template %q", templateName))
	}

	id := e.uuidFn()
	now := e.nowFn().UTC()
	tree := msg.AsMap()

	ctx := NewContext(map[string]any{
		"message":         tree,
		"gateway":         tree["gateway"],
		"devices":         tree["devices"],
		"metadata":        tree["metadata"],
		"raw_message":     tree["raw_message"],
		"uuid":            id,
		"timestamp":       now.Unix(),
		"gateway_id":      msg.Gateway.ID,
		"customer_config": customerConfig,
	}, func() string { return id }, func() time.Time { return now })

	rendered, err := renderTree(ct.tree, ctx)
	if err != nil {
		return nil, tgerrors.WrapInvalid(tgerrors.ErrRenderFailed, "template", "Transform",
			fmt.Sprintf("rendering %q: %v", templateName, err))
	}

	result, ok := rendered.(map[string]any)
	if !ok {
		return nil, tgerrors.WrapInvalid(tgerrors.ErrRenderFailed, "template", "Transform",
			fmt.Sprintf("object check on template %q", templateName))
	}

	result["_uuid"] = id
	result["_timestamp"] = now.Unix()
	result["_template"] = templateName
	result["_gateway_id"] = msg.Gateway.ID
	return result, nil
}

// GenerateTemplate emits a seed template derived from a live message, meant
// as an editing starting point for operators.
func (e *Engine) GenerateTemplate(msg *normalize.CanonicalMessage, name, description string) Template {
	transform := map[string]any{
		"gateway_id": "{{ gateway_id }}",
		"timestamp":  "{{ timestamp }}",
		"source":     "{{ metadata.format_type }}",
	}

	if len(msg.Devices) > 0 {
		device := msg.Devices[0]
		values := map[string]any{}
		for key := range device.Values {
			values[key] = fmt.Sprintf("{{ devices[0].values.%s }}", key)
		}
		transform["device"] = map[string]any{
			"id":     "{{ devices[0].id }}",
			"type":   "{{ devices[0].type }}",
			"values": values,
		}
	}

	return Template{
		Name:        name,
		Description: description,
		Transform:   transform,
	}
}
