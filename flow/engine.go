package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/telemetrygate/telemetrygate/normalize"
	"github.com/telemetrygate/telemetrygate/rule"
	"github.com/telemetrygate/telemetrygate/template"
)

// SkipReasonFilter is the recorded reason when a filter step short-circuits
const SkipReasonFilter = "Filter conditions not met"

// ForwardFunc delivers a rendered payload to one forward target. Errors
// bubble up to the caller's retry handling.
type ForwardFunc func(ctx context.Context, payload map[string]any, target Target, gatewayID string) error

// StepResult records the outcome of one executed step
type StepResult struct {
	Step    int            `json:"step"`
	Type    string         `json:"type"`
	Result  string         `json:"result"`
	Details map[string]any `json:"details,omitempty"`
}

// Result aggregates a flow execution
type Result struct {
	FlowID          string         `json:"flow_id"`
	Success         bool           `json:"success"`
	Skipped         bool           `json:"skipped"`
	SkipReason      string         `json:"skip_reason,omitempty"`
	Error           string         `json:"error,omitempty"`
	StepsExecuted   []StepResult   `json:"steps_executed"`
	Output          map[string]any `json:"output,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
}

// Engine executes flows against canonical messages
type Engine struct {
	logger    *slog.Logger
	rules     *rule.Engine
	templates *template.Engine
	forward   ForwardFunc
	now       func() time.Time
}

// NewEngine creates a flow engine. forward may be nil when the caller only
// needs filter/transform semantics, e.g. in selection probes.
func NewEngine(logger *slog.Logger, rules *rule.Engine, templates *template.Engine, forward ForwardFunc) *Engine {
	return &Engine{
		logger:    logger.With("component", "flow_engine"),
		rules:     rules,
		templates: templates,
		forward:   forward,
		now:       time.Now,
	}
}

// Accepts reports whether the flow's first filter step passes for the
// message. Flows without a leading filter step accept everything. The
// selector uses this to probe group members without executing them.
func (e *Engine) Accepts(f *Flow, msg *normalize.CanonicalMessage) bool {
	for i := range f.Steps {
		if f.Steps[i].Type != StepFilter {
			continue
		}
		return e.rules.AllPass(msg, f.Steps[i].Rules, f.Steps[i].RuleNames)
	}
	return true
}

// Execute runs the flow's steps in order over the message. Filter misses
// short-circuit with Skipped=true; render errors mark the result as an
// error; forward errors are returned so the worker can retry.
func (e *Engine) Execute(ctx context.Context, f *Flow, msg *normalize.CanonicalMessage, customerConfig map[string]any) (*Result, error) {
	start := e.now()
	result := &Result{
		FlowID:        f.ID,
		StepsExecuted: make([]StepResult, 0, len(f.Steps)),
	}

	// current is the payload handed to forward steps; a transform step
	// replaces it with the rendered message.
	var current map[string]any

	for i := range f.Steps {
		stepErr := e.executeStep(ctx, i, &f.Steps[i], msg, customerConfig, &current, result)
		if result.Skipped || result.Error != "" {
			break
		}
		if stepErr != nil {
			result.ExecutionTimeMS = e.sinceMS(start)
			return result, stepErr
		}
	}

	result.Success = !result.Skipped && result.Error == ""
	result.Output = current
	result.ExecutionTimeMS = e.sinceMS(start)
	return result, nil
}

func (e *Engine) executeStep(ctx context.Context, index int, s *Step, msg *normalize.CanonicalMessage,
	customerConfig map[string]any, current *map[string]any, result *Result) error {

	record := StepResult{Step: index, Type: s.Type, Details: map[string]any{}}

	switch s.Type {
	case StepFilter:
		if e.rules.AllPass(msg, s.Rules, s.RuleNames) {
			record.Result = "passed"
			result.StepsExecuted = append(result.StepsExecuted, record)
			return nil
		}
		record.Result = "failed"
		result.StepsExecuted = append(result.StepsExecuted, record)
		result.Skipped = true
		result.SkipReason = SkipReasonFilter
		return nil

	case StepTransform:
		rendered, err := e.templates.Transform(msg, s.Template, customerConfig)
		if err != nil {
			record.Result = "error"
			record.Details["error"] = err.Error()
			result.StepsExecuted = append(result.StepsExecuted, record)
			result.Error = fmt.Sprintf("transform step %d: %v", index, err)
			return nil
		}
		record.Result = "success"
		record.Details["template"] = s.Template
		result.StepsExecuted = append(result.StepsExecuted, record)
		*current = rendered
		return nil

	case StepForward:
		// no transform ran yet: forward the canonical message itself
		payload := *current
		if payload == nil {
			payload = msg.AsMap()
		}
		forwarded := make([]string, 0, len(s.Targets))
		for _, target := range s.Targets {
			switch target.Type {
			case TargetLog:
				e.logPayload(target.Level, payload, msg.Gateway.ID)
				forwarded = append(forwarded, TargetLog)
			default:
				if e.forward == nil {
					return fmt.Errorf("flow.Execute: no forwarder wired for target %q", target.Type)
				}
				if err := e.forward(ctx, payload, target, msg.Gateway.ID); err != nil {
					record.Result = "error"
					record.Details["error"] = err.Error()
					result.StepsExecuted = append(result.StepsExecuted, record)
					return err
				}
				forwarded = append(forwarded, target.Type)
			}
		}
		record.Result = "success"
		record.Details["forwarded_to"] = forwarded
		result.StepsExecuted = append(result.StepsExecuted, record)
		return nil

	case StepConditional:
		vars := msg.AsMap()
		vars["output"] = *current
		chosen := s.FalseStep
		taken := "false"
		if template.EvalCondition(s.Condition, vars) {
			chosen = s.TrueStep
			taken = "true"
		}
		record.Result = "evaluated"
		record.Details["branch"] = taken
		result.StepsExecuted = append(result.StepsExecuted, record)
		if chosen == nil {
			return nil
		}
		return e.executeStep(ctx, index, chosen, msg, customerConfig, current, result)

	default:
		record.Result = "error"
		record.Details["error"] = "unknown step type"
		result.StepsExecuted = append(result.StepsExecuted, record)
		result.Error = fmt.Sprintf("unknown step type %q at %d", s.Type, index)
		return nil
	}
}

func (e *Engine) logPayload(level string, payload map[string]any, gatewayID string) {
	switch level {
	case "debug":
		e.logger.Debug("flow log target", "gateway_id", gatewayID, "payload", payload)
	case "warn":
		e.logger.Warn("flow log target", "gateway_id", gatewayID, "payload", payload)
	case "error":
		e.logger.Error("flow log target", "gateway_id", gatewayID, "payload", payload)
	default:
		e.logger.Info("flow log target", "gateway_id", gatewayID, "payload", payload)
	}
}

func (e *Engine) sinceMS(start time.Time) int64 {
	return e.now().Sub(start).Milliseconds()
}
