package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/meridianfin/meridian/internal/step"
	"github.com/meridianfin/meridian/internal/value"
	"github.com/meridianfin/meridian/internal/workflow"
	"github.com/meridianfin/meridian/pkg/api"
)

// DecisionExecutor records a caller's choice among fixed options. The
// choice is committed under decision_{step_id}.
type DecisionExecutor struct{}

func (e *DecisionExecutor) Kind() workflow.StepKind { return workflow.KindDecision }

func (e *DecisionExecutor) Execute(_ context.Context, req *Request) (*Result, error) {
	var cfg step.DecisionConfig
	if err := step.DecodeConfig(req.Step.Config, &cfg); err != nil {
		return nil, api.E(api.CodeIncompatibleStepConfig, "step %s: %v", req.Step.ID, err)
	}

	options := make([]value.Value, len(cfg.Options))
	labels := make([]string, len(cfg.Options))
	for i, raw := range cfg.Options {
		v, err := value.FromInterface(raw)
		if err != nil {
			return nil, api.E(api.CodeIncompatibleStepConfig, "step %s option %d: %v", req.Step.ID, i, err)
		}
		options[i] = v
		labels[i] = v.Render()
	}

	if req.Input == nil {
		prompt := fmt.Sprintf("Choose (%s): %s", cfg.InputType, strings.Join(labels, ", "))
		return AwaitInput(prompt, "chosen"), nil
	}

	raw, ok := req.Input["chosen"]
	if !ok {
		return Failed(api.E(api.CodeValidationFailed, "input must carry a %q key", "chosen")), nil
	}

	var chosen value.Value
	switch cfg.InputType {
	case "single", "dropdown":
		v, err := value.FromInterface(raw)
		if err != nil {
			return Failed(api.E(api.CodeValidationFailed, "selection: %v", err)), nil
		}
		if !containsValue(options, v) {
			return Failed(api.E(api.CodeValidationFailed, "selection %s is not an option", v.Render())), nil
		}
		chosen = v

	case "multi":
		list, ok := raw.([]interface{})
		if !ok {
			return Failed(api.E(api.CodeValidationFailed, "multi selection must be a list")), nil
		}
		picked := make([]value.Value, 0, len(list))
		for _, item := range list {
			v, err := value.FromInterface(item)
			if err != nil {
				return Failed(api.E(api.CodeValidationFailed, "selection: %v", err)), nil
			}
			if !containsValue(options, v) {
				return Failed(api.E(api.CodeValidationFailed, "selection %s is not an option", v.Render())), nil
			}
			if containsValue(picked, v) {
				return Failed(api.E(api.CodeValidationFailed, "duplicate selection %s", v.Render())), nil
			}
			picked = append(picked, v)
		}
		if cfg.MinSelections != nil && len(picked) < *cfg.MinSelections {
			return Failed(api.E(api.CodeValidationFailed,
				"at least %d selections required, got %d", *cfg.MinSelections, len(picked))), nil
		}
		if cfg.MaxSelections != nil && len(picked) > *cfg.MaxSelections {
			return Failed(api.E(api.CodeValidationFailed,
				"at most %d selections allowed, got %d", *cfg.MaxSelections, len(picked))), nil
		}
		chosen = value.List(picked...)

	default:
		return nil, api.E(api.CodeIncompatibleStepConfig,
			"step %s has unknown inputType %q", req.Step.ID, cfg.InputType)
	}

	delta := value.Map{step.DecisionKey(req.Step.ID): chosen}
	return Done(delta, map[string]interface{}{"selection": chosen.ToInterface()}), nil
}

func containsValue(haystack []value.Value, needle value.Value) bool {
	for _, v := range haystack {
		if v.Equal(needle) {
			return true
		}
	}
	return false
}
