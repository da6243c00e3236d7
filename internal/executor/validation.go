package executor

import (
	"context"
	"strings"

	"github.com/meridianfin/meridian/internal/step"
	"github.com/meridianfin/meridian/internal/value"
	"github.com/meridianfin/meridian/internal/workflow"
	"github.com/meridianfin/meridian/pkg/api"
)

// ValidationExecutor evaluates configured checks against the current
// context. It is deterministic: the same snapshot always yields the same
// result. Check results are committed under validation_{step_id}; with
// halt_on_fail set, any failing check fails the step instead.
type ValidationExecutor struct{}

func (e *ValidationExecutor) Kind() workflow.StepKind { return workflow.KindValidation }

func (e *ValidationExecutor) Execute(_ context.Context, req *Request) (*Result, error) {
	var cfg step.ValidationConfig
	if err := step.DecodeConfig(req.Step.Config, &cfg); err != nil {
		return nil, api.E(api.CodeIncompatibleStepConfig, "step %s: %v", req.Step.ID, err)
	}

	results := value.Map{}
	var failures []string
	for _, check := range cfg.Checks {
		passed, detail := EvaluatePredicate(check.Predicate, check.Params, req.Snapshot.Data)
		entry := value.Map{"passed": value.Bool(passed)}
		if !passed {
			entry["detail"] = value.String(detail)
			failures = append(failures, check.Name+": "+detail)
		}
		results[check.Name] = value.MapOf(entry)
	}

	if len(failures) > 0 && cfg.HaltOnFail {
		// Retryable: a later snapshot may satisfy the checks.
		failErr := api.Transient(api.CodeValidationFailed,
			"validation failed: %s", strings.Join(failures, "; "))
		failErr.Details = map[string]interface{}{
			"checks":  len(cfg.Checks),
			"failed":  len(failures),
			"results": results.ToInterface(),
		}
		return Failed(failErr), nil
	}

	delta := value.Map{
		step.ValidationKey(req.Step.ID): value.MapOf(value.Map{
			"passed":  value.Bool(len(failures) == 0),
			"results": value.MapOf(results),
		}),
	}
	outputs := map[string]interface{}{
		"checks": len(cfg.Checks),
		"failed": len(failures),
	}
	return Done(delta, outputs), nil
}
