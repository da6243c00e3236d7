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

// InteractionExecutor presents a list of items and records the caller's
// selection under selection_{step_id}. Items come from the step config or
// from a prior step's output named in items_from.
type InteractionExecutor struct{}

func (e *InteractionExecutor) Kind() workflow.StepKind { return workflow.KindUserInteraction }

func (e *InteractionExecutor) Execute(_ context.Context, req *Request) (*Result, error) {
	var cfg step.InteractionConfig
	if err := step.DecodeConfig(req.Step.Config, &cfg); err != nil {
		return nil, api.E(api.CodeIncompatibleStepConfig, "step %s: %v", req.Step.ID, err)
	}

	items, err := e.resolveItems(req, &cfg)
	if err != nil {
		return Failed(err), nil
	}

	if req.Input == nil {
		labels := make([]string, len(items))
		for i, item := range items {
			labels[i] = item.Render()
		}
		prompt := fmt.Sprintf("Select from: %s", strings.Join(labels, ", "))
		return AwaitInput(prompt, "selection"), nil
	}

	raw, ok := req.Input["selection"]
	if !ok {
		return Failed(api.E(api.CodeValidationFailed, "input must carry a %q key", "selection")), nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		// A bare scalar is accepted as a one-item selection.
		list = []interface{}{raw}
	}

	picked := make([]value.Value, 0, len(list))
	for _, item := range list {
		v, convErr := value.FromInterface(item)
		if convErr != nil {
			return Failed(api.E(api.CodeValidationFailed, "selection: %v", convErr)), nil
		}
		if !containsValue(items, v) {
			return Failed(api.E(api.CodeValidationFailed, "selection %s is not an offered item", v.Render())), nil
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

	delta := value.Map{step.SelectionKey(req.Step.ID): value.List(picked...)}
	return Done(delta, map[string]interface{}{"selected": len(picked)}), nil
}

func (e *InteractionExecutor) resolveItems(req *Request, cfg *step.InteractionConfig) ([]value.Value, error) {
	if cfg.ItemsFrom != "" {
		v, ok := req.Snapshot.Get(cfg.ItemsFrom)
		if !ok {
			return nil, api.E(api.CodeValidationFailed,
				"step %s: context key %q not present", req.Step.ID, cfg.ItemsFrom)
		}
		items, ok := v.List()
		if !ok {
			return nil, api.E(api.CodeValidationFailed,
				"step %s: context key %q is not a list", req.Step.ID, cfg.ItemsFrom)
		}
		return items, nil
	}

	items := make([]value.Value, len(cfg.Items))
	for i, raw := range cfg.Items {
		v, err := value.FromInterface(raw)
		if err != nil {
			return nil, api.E(api.CodeIncompatibleStepConfig, "step %s item %d: %v", req.Step.ID, i, err)
		}
		items[i] = v
	}
	return items, nil
}
