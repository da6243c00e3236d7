package executor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianfin/meridian/internal/step"
	"github.com/meridianfin/meridian/internal/value"
	"github.com/meridianfin/meridian/internal/workflow"
	"github.com/meridianfin/meridian/pkg/api"
)

// DataCollectionExecutor gathers typed fields from the caller. Without
// input it parks the step; with input it validates every field against
// its spec and commits the collected values.
type DataCollectionExecutor struct{}

func (e *DataCollectionExecutor) Kind() workflow.StepKind { return workflow.KindDataCollection }

func (e *DataCollectionExecutor) Execute(_ context.Context, req *Request) (*Result, error) {
	var cfg step.DataCollectionConfig
	if err := step.DecodeConfig(req.Step.Config, &cfg); err != nil {
		return nil, api.E(api.CodeIncompatibleStepConfig, "step %s: %v", req.Step.ID, err)
	}

	if req.Input == nil {
		names := make([]string, len(cfg.Fields))
		for i, field := range cfg.Fields {
			names[i] = field.Name
		}
		prompt := fmt.Sprintf("Provide values for: %s", strings.Join(names, ", "))
		return AwaitInput(prompt, names...), nil
	}

	known := make(map[string]step.FieldSpec, len(cfg.Fields))
	for _, field := range cfg.Fields {
		known[field.Name] = field
	}
	for name := range req.Input {
		if _, ok := known[name]; !ok {
			return Failed(api.E(api.CodeValidationFailed, "unexpected field %q", name)), nil
		}
	}

	delta := value.Map{}
	for _, field := range cfg.Fields {
		raw, present := req.Input[field.Name]
		if !present || raw == nil {
			if field.Required {
				return Failed(api.E(api.CodeValidationFailed, "field %q is required", field.Name)), nil
			}
			continue
		}
		v, err := coerceField(field, raw)
		if err != nil {
			return Failed(api.AsError(err)), nil
		}
		delta[field.Name] = v
	}

	return Done(delta, map[string]interface{}{"fields": len(delta)}), nil
}

// coerceField converts caller input into the field's declared kind and
// enforces its constraints.
func coerceField(field step.FieldSpec, raw interface{}) (value.Value, error) {
	v, err := value.FromInterface(raw)
	if err != nil {
		return value.Value{}, api.E(api.CodeValidationFailed, "field %q: %v", field.Name, err)
	}

	switch field.Type {
	case "string":
		s, ok := v.String()
		if !ok {
			return value.Value{}, api.E(api.CodeValidationFailed,
				"field %q expects a string, got %s", field.Name, v.Kind())
		}
		if field.Pattern != "" {
			re, err := regexp.Compile(field.Pattern)
			if err != nil {
				return value.Value{}, api.E(api.CodeIncompatibleStepConfig,
					"field %q has invalid pattern: %v", field.Name, err)
			}
			if !re.MatchString(s) {
				return value.Value{}, api.E(api.CodeValidationFailed,
					"field %q does not match pattern %s", field.Name, field.Pattern)
			}
		}
	case "int":
		if _, ok := v.Int(); !ok {
			return value.Value{}, api.E(api.CodeValidationFailed,
				"field %q expects an integer, got %s", field.Name, v.Kind())
		}
	case "decimal":
		if _, ok := v.Number(); !ok {
			return value.Value{}, api.E(api.CodeValidationFailed,
				"field %q expects a number, got %s", field.Name, v.Kind())
		}
	case "bool":
		if _, ok := v.Bool(); !ok {
			return value.Value{}, api.E(api.CodeValidationFailed,
				"field %q expects a boolean, got %s", field.Name, v.Kind())
		}
	case "timestamp":
		// The declared field type is what licenses parsing a string here.
		if s, ok := v.String(); ok {
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return value.Value{}, api.E(api.CodeValidationFailed,
					"field %q expects an RFC 3339 timestamp: %v", field.Name, err)
			}
			v = value.Time(ts)
		} else if _, ok := v.Time(); !ok {
			return value.Value{}, api.E(api.CodeValidationFailed,
				"field %q expects an RFC 3339 timestamp, got %s", field.Name, v.Kind())
		}
	default:
		return value.Value{}, api.E(api.CodeIncompatibleStepConfig,
			"field %q has unknown type %q", field.Name, field.Type)
	}

	if field.Min != nil || field.Max != nil {
		n, ok := v.Number()
		if !ok {
			return value.Value{}, api.E(api.CodeValidationFailed,
				"field %q has numeric bounds but is not numeric", field.Name)
		}
		if field.Min != nil && n.LessThan(decimal.NewFromFloat(*field.Min)) {
			return value.Value{}, api.E(api.CodeValidationFailed,
				"field %q below minimum %v", field.Name, *field.Min)
		}
		if field.Max != nil && n.GreaterThan(decimal.NewFromFloat(*field.Max)) {
			return value.Value{}, api.E(api.CodeValidationFailed,
				"field %q above maximum %v", field.Name, *field.Max)
		}
	}

	return v, nil
}
