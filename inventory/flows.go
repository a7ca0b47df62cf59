package inventory

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/telemetrygate/telemetrygate/errors"
	"github.com/telemetrygate/telemetrygate/flow"
	"github.com/telemetrygate/telemetrygate/template"
)

// TemplateGroup is a priority-ordered template bundle, the legacy analogue
// of a flow group.
type TemplateGroup struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Templates []TemplateGroupEntry `json:"templates"`
}

// TemplateGroupEntry binds a named template to a priority within a group
type TemplateGroupEntry struct {
	TemplateName string `json:"template_name"`
	Priority     int    `json:"priority"`
}

// SaveFlow validates and stores a flow, assigning an id when absent
func (s *Store) SaveFlow(ctx context.Context, f *flow.Flow) error {
	if err := flow.Validate(f); err != nil {
		return errors.WrapInvalid(err, "inventory", "SaveFlow", "validation")
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	f.Version++
	return putJSON(ctx, s.collections.Flows, f.ID, f)
}

// GetFlow returns a flow by id
func (s *Store) GetFlow(ctx context.Context, id string) (*flow.Flow, error) {
	return getJSON[flow.Flow](ctx, s.collections.Flows, id)
}

// ListFlows returns all stored flows
func (s *Store) ListFlows(ctx context.Context) ([]flow.Flow, error) {
	return listJSON[flow.Flow](ctx, s.collections.Flows)
}

// DeleteFlow removes a flow
func (s *Store) DeleteFlow(ctx context.Context, id string) error {
	if err := s.collections.Flows.Delete(ctx, id); err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return errors.ErrNotFound
		}
		return err
	}
	return nil
}

// SaveFlowGroup stores a flow group, assigning an id when absent
func (s *Store) SaveFlowGroup(ctx context.Context, g *flow.Group) error {
	if strings.TrimSpace(g.Name) == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "inventory", "SaveFlowGroup", "name check")
	}
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	return putJSON(ctx, s.collections.FlowGroups, g.ID, g)
}

// GetFlowGroup returns a flow group by id
func (s *Store) GetFlowGroup(ctx context.Context, id string) (*flow.Group, error) {
	return getJSON[flow.Group](ctx, s.collections.FlowGroups, id)
}

// ListFlowGroups returns all flow groups
func (s *Store) ListFlowGroups(ctx context.Context) ([]flow.Group, error) {
	return listJSON[flow.Group](ctx, s.collections.FlowGroups)
}

// DeleteFlowGroup removes a flow group
func (s *Store) DeleteFlowGroup(ctx context.Context, id string) error {
	if err := s.collections.FlowGroups.Delete(ctx, id); err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return errors.ErrNotFound
		}
		return err
	}
	return nil
}

// SaveTemplateGroup stores a template group, assigning an id when absent
func (s *Store) SaveTemplateGroup(ctx context.Context, g *TemplateGroup) error {
	if strings.TrimSpace(g.Name) == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "inventory", "SaveTemplateGroup", "name check")
	}
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	return putJSON(ctx, s.collections.TemplateGroups, g.ID, g)
}

// GetTemplateGroup returns a template group by id
func (s *Store) GetTemplateGroup(ctx context.Context, id string) (*TemplateGroup, error) {
	return getJSON[TemplateGroup](ctx, s.collections.TemplateGroups, id)
}

// ListTemplateGroups returns all template groups
func (s *Store) ListTemplateGroups(ctx context.Context) ([]TemplateGroup, error) {
	return listJSON[TemplateGroup](ctx, s.collections.TemplateGroups)
}

// SaveTemplate validates and stores a template keyed by name. Stored
// templates overlay the file catalog on the next engine reload.
func (s *Store) SaveTemplate(ctx context.Context, t *template.Template) error {
	if err := t.Validate(); err != nil {
		return errors.WrapInvalid(err, "inventory", "SaveTemplate", "validation")
	}
	return putJSON(ctx, s.collections.Templates, t.Name, t)
}

// GetTemplate returns a stored template by name
func (s *Store) GetTemplate(ctx context.Context, name string) (*template.Template, error) {
	return getJSON[template.Template](ctx, s.collections.Templates, name)
}

// ListTemplates returns all stored templates
func (s *Store) ListTemplates(ctx context.Context) ([]template.Template, error) {
	return listJSON[template.Template](ctx, s.collections.Templates)
}

// DeleteTemplate removes a stored template
func (s *Store) DeleteTemplate(ctx context.Context, name string) error {
	if err := s.collections.Templates.Delete(ctx, name); err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return errors.ErrNotFound
		}
		return err
	}
	return nil
}
