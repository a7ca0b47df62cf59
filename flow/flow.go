// Package flow defines routing programs over canonical messages and the
// engine that executes them. A flow is an ordered list of steps; filter steps
// gate, transform steps render, forward steps deliver, conditional steps
// branch.
package flow

import (
	"fmt"
	"strings"

	"github.com/telemetrygate/telemetrygate/rule"
)

// Flow types
const (
	TypeGatewayFlow = "gateway_flow"
	TypeDeviceFlow  = "device_flow"
)

// Step types
const (
	StepFilter      = "filter"
	StepTransform   = "transform"
	StepForward     = "forward"
	StepConditional = "conditional"
)

// Forward target types
const (
	TargetEvalarm = "evalarm"
	TargetLog     = "log"
)

// Target is one destination of a forward step
type Target struct {
	Type  string `json:"type" yaml:"type"`
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
}

// Step is one tagged instruction of a flow
type Step struct {
	Type      string      `json:"type" yaml:"type"`
	Rules     []rule.Rule `json:"rules,omitempty" yaml:"rules,omitempty"`
	RuleNames []string    `json:"rule_names,omitempty" yaml:"rule_names,omitempty"`
	Template  string      `json:"template,omitempty" yaml:"template,omitempty"`
	Targets   []Target    `json:"targets,omitempty" yaml:"targets,omitempty"`
	Condition string      `json:"condition,omitempty" yaml:"condition,omitempty"`
	TrueStep  *Step       `json:"true_step,omitempty" yaml:"true_step,omitempty"`
	FalseStep *Step       `json:"false_step,omitempty" yaml:"false_step,omitempty"`
}

// Flow is a named, versioned routing program
type Flow struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	FlowType    string `json:"flow_type" yaml:"flow_type"`
	Version     int    `json:"version" yaml:"version"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

// GroupEntry binds a flow into a group at a priority; higher priority first
type GroupEntry struct {
	FlowID   string `json:"flow_id" yaml:"flow_id"`
	Priority int    `json:"priority" yaml:"priority"`
}

// Group is a priority-ordered bundle of flows bound to a gateway or device
type Group struct {
	ID    string       `json:"id" yaml:"id"`
	Name  string       `json:"name" yaml:"name"`
	Type  string       `json:"type" yaml:"type"` // gateway_flows or device_flows
	Flows []GroupEntry `json:"flows" yaml:"flows"`
}

// Validate checks the structural requirements of a flow
func Validate(f *Flow) error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("flow.Validate: name required")
	}
	if f.FlowType != TypeGatewayFlow && f.FlowType != TypeDeviceFlow {
		return fmt.Errorf("flow.Validate: flow %q has unknown flow_type %q", f.Name, f.FlowType)
	}
	if len(f.Steps) == 0 {
		return fmt.Errorf("flow.Validate: flow %q has no steps", f.Name)
	}
	for i := range f.Steps {
		if err := validateStep(&f.Steps[i], f.Name); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s *Step, flowName string) error {
	switch s.Type {
	case StepFilter, StepTransform, StepForward:
		return nil
	case StepConditional:
		if s.Condition == "" {
			return fmt.Errorf("flow.Validate: conditional step in %q has no condition", flowName)
		}
		if s.TrueStep != nil {
			if err := validateStep(s.TrueStep, flowName); err != nil {
				return err
			}
		}
		if s.FalseStep != nil {
			if err := validateStep(s.FalseStep, flowName); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("flow.Validate: flow %q has unknown step type %q", flowName, s.Type)
	}
}
