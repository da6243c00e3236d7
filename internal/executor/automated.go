package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianfin/meridian/internal/marketdata"
	"github.com/meridianfin/meridian/internal/step"
	"github.com/meridianfin/meridian/internal/value"
	"github.com/meridianfin/meridian/internal/workflow"
	"github.com/meridianfin/meridian/pkg/api"
)

// AutomatedExecutor runs system operations with no caller involvement.
// All arithmetic uses fixed-precision decimals; only fetch_series leaves
// the process.
type AutomatedExecutor struct {
	source marketdata.Source
}

// NewAutomatedExecutor creates the AUTOMATED executor over a market data
// source.
func NewAutomatedExecutor(source marketdata.Source) *AutomatedExecutor {
	return &AutomatedExecutor{source: source}
}

func (e *AutomatedExecutor) Kind() workflow.StepKind { return workflow.KindAutomated }

func (e *AutomatedExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	var cfg step.AutomatedConfig
	if err := step.DecodeConfig(req.Step.Config, &cfg); err != nil {
		return nil, api.E(api.CodeIncompatibleStepConfig, "step %s: %v", req.Step.ID, err)
	}

	switch cfg.Operation {
	case "normalize_weights":
		return e.normalizeWeights(req, cfg.Params)
	case "sum":
		return e.sum(req, cfg.Params)
	case "set_values":
		return e.setValues(req, cfg.Params)
	case "fetch_series":
		return e.fetchSeries(ctx, req, cfg.Params)
	case "sleep":
		return e.sleep(ctx, req, cfg.Params)
	default:
		return nil, api.E(api.CodeIncompatibleStepConfig,
			"step %s has unknown operation %q", req.Step.ID, cfg.Operation)
	}
}

// normalizeWeights rescales a weight map so its values sum to exactly 1.
func (e *AutomatedExecutor) normalizeWeights(req *Request, params map[string]interface{}) (*Result, error) {
	sourceKey, err := opParamString(req.Step.ID, params, "source_key")
	if err != nil {
		return nil, err
	}
	targetKey := opParamStringOr(params, "target_key", sourceKey)

	v, ok := req.Snapshot.Get(sourceKey)
	if !ok {
		return Failed(api.E(api.CodeValidationFailed, "context key %q not present", sourceKey)), nil
	}
	weights, ok := v.Map()
	if !ok {
		return Failed(api.E(api.CodeValidationFailed, "context key %q is not a map", sourceKey)), nil
	}

	total := decimal.Zero
	for key, w := range weights {
		n, ok := w.Number()
		if !ok {
			return Failed(api.E(api.CodeValidationFailed, "weight %q is not numeric", key)), nil
		}
		if n.IsNegative() {
			return Failed(api.E(api.CodeValidationFailed, "weight %q is negative", key)), nil
		}
		total = total.Add(n)
	}
	if total.IsZero() {
		return Failed(api.E(api.CodeValidationFailed, "weights under %q sum to zero", sourceKey)), nil
	}

	normalized := value.Map{}
	keys := weights.Keys()
	residual := decimal.NewFromInt(1)
	for i, key := range keys {
		n, _ := weights[key].Number()
		if i == len(keys)-1 {
			// Last weight absorbs rounding so the total is exactly 1.
			normalized[key] = value.Decimal(residual)
			break
		}
		scaled := n.DivRound(total, value.WeightPrecision)
		normalized[key] = value.Decimal(scaled)
		residual = residual.Sub(scaled)
	}

	delta := value.Map{targetKey: value.MapOf(normalized)}
	return Done(delta, map[string]interface{}{"weights": len(normalized)}), nil
}

// sum adds the numeric values under the named keys.
func (e *AutomatedExecutor) sum(req *Request, params map[string]interface{}) (*Result, error) {
	keysRaw, err := paramStrings(params, "keys")
	if err != nil {
		return nil, api.E(api.CodeIncompatibleStepConfig, "step %s: %v", req.Step.ID, err)
	}
	targetKey, err := opParamString(req.Step.ID, params, "target_key")
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, key := range keysRaw {
		v, ok := req.Snapshot.Get(key)
		if !ok {
			return Failed(api.E(api.CodeValidationFailed, "context key %q not present", key)), nil
		}
		n, ok := v.Number()
		if !ok {
			return Failed(api.E(api.CodeValidationFailed, "context key %q is not numeric", key)), nil
		}
		total = total.Add(n)
	}

	delta := value.Map{targetKey: value.Decimal(total)}
	return Done(delta, map[string]interface{}{"sum": total.String()}), nil
}

// setValues commits the literal values from the step config.
func (e *AutomatedExecutor) setValues(req *Request, params map[string]interface{}) (*Result, error) {
	raw, ok := params["values"].(map[string]interface{})
	if !ok || len(raw) == 0 {
		return nil, api.E(api.CodeIncompatibleStepConfig,
			"step %s: set_values requires a non-empty %q param", req.Step.ID, "values")
	}
	delta, err := value.MapFromInterface(raw)
	if err != nil {
		return nil, api.E(api.CodeIncompatibleStepConfig, "step %s: %v", req.Step.ID, err)
	}
	return Done(delta, map[string]interface{}{"keys": len(delta)}), nil
}

// fetchSeries pulls a price series and commits it as a list of
// {date, close} maps.
func (e *AutomatedExecutor) fetchSeries(ctx context.Context, req *Request, params map[string]interface{}) (*Result, error) {
	if e.source == nil {
		return nil, api.E(api.CodeInternal, "no market data source configured")
	}

	symbol := opParamStringOr(params, "symbol", "")
	if symbol == "" {
		symbolKey, err := opParamString(req.Step.ID, params, "symbol_key")
		if err != nil {
			return nil, err
		}
		v, ok := req.Snapshot.Get(symbolKey)
		if !ok {
			return Failed(api.E(api.CodeValidationFailed, "context key %q not present", symbolKey)), nil
		}
		symbol, ok = v.String()
		if !ok {
			return Failed(api.E(api.CodeValidationFailed, "context key %q is not a string", symbolKey)), nil
		}
	}

	days := 30
	if raw, ok := params["days"]; ok {
		v, err := value.FromInterface(raw)
		if err != nil {
			return nil, api.E(api.CodeIncompatibleStepConfig, "step %s days: %v", req.Step.ID, err)
		}
		if n, ok := v.Int(); ok && n > 0 {
			days = int(n)
		}
	}
	targetKey := opParamStringOr(params, "target_key", fmt.Sprintf("series_%s", symbol))

	series, err := e.source.FetchSeries(ctx, symbol, days)
	if err != nil {
		return Failed(err), nil
	}

	points := make([]value.Value, len(series.Points))
	for i, p := range series.Points {
		points[i] = value.MapOf(value.Map{
			"date":  value.String(p.Date),
			"close": value.Decimal(p.Close),
		})
	}
	delta := value.Map{targetKey: value.List(points...)}
	outputs := map[string]interface{}{"symbol": series.Symbol, "points": len(points)}
	return Done(delta, outputs), nil
}

// sleep waits for the configured duration or until the step is
// cancelled. Used to exercise deadlines and cancellation in workflows.
func (e *AutomatedExecutor) sleep(ctx context.Context, req *Request, params map[string]interface{}) (*Result, error) {
	durationMS := int64(0)
	if raw, ok := params["duration_ms"]; ok {
		v, err := value.FromInterface(raw)
		if err != nil {
			return nil, api.E(api.CodeIncompatibleStepConfig, "step %s duration_ms: %v", req.Step.ID, err)
		}
		if n, ok := v.Int(); ok {
			durationMS = n
		}
	}

	select {
	case <-time.After(time.Duration(durationMS) * time.Millisecond):
		return Done(value.Map{}, map[string]interface{}{"slept_ms": durationMS}), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func opParamString(stepID string, params map[string]interface{}, name string) (string, error) {
	s, ok := params[name].(string)
	if !ok || s == "" {
		return "", api.E(api.CodeIncompatibleStepConfig,
			"step %s: param %q must be a non-empty string", stepID, name)
	}
	return s, nil
}

func opParamStringOr(params map[string]interface{}, name, fallback string) string {
	if s, ok := params[name].(string); ok && s != "" {
		return s
	}
	return fallback
}
