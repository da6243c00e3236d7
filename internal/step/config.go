package step

import (
	"encoding/json"
	"fmt"
)

// FieldSpec declares one field a DATA_COLLECTION step gathers.
type FieldSpec struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Required  bool     `json:"required"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
	Sensitive bool     `json:"sensitive,omitempty"`
}

// DataCollectionConfig is the config schema owned by the DATA_COLLECTION
// executor.
type DataCollectionConfig struct {
	Fields []FieldSpec `json:"fields"`
	Retry  *RetryConfig `json:"retry,omitempty"`
}

// DecisionConfig is the config schema owned by the DECISION executor.
type DecisionConfig struct {
	InputType     string        `json:"inputType"`
	Options       []interface{} `json:"options"`
	MinSelections *int          `json:"minSelections,omitempty"`
	MaxSelections *int          `json:"maxSelections,omitempty"`
	Retry         *RetryConfig  `json:"retry,omitempty"`
}

// CheckSpec is one check descriptor evaluated by a VALIDATION step.
type CheckSpec struct {
	Name      string                 `json:"name"`
	Predicate string                 `json:"predicate"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// ValidationConfig is the config schema owned by the VALIDATION executor.
type ValidationConfig struct {
	Checks     []CheckSpec  `json:"checks"`
	HaltOnFail bool         `json:"halt_on_fail,omitempty"`
	Retry      *RetryConfig `json:"retry,omitempty"`
}

// InteractionConfig is the config schema owned by the USER_INTERACTION
// executor. Items may be supplied inline or produced by a prior step whose
// output key is named in ItemsFrom.
type InteractionConfig struct {
	Items         []interface{} `json:"items,omitempty"`
	ItemsFrom     string        `json:"items_from,omitempty"`
	MinSelections *int          `json:"minSelections,omitempty"`
	MaxSelections *int          `json:"maxSelections,omitempty"`
	Retry         *RetryConfig  `json:"retry,omitempty"`
}

// AIConfig is the config schema owned by the AI_GENERATED executor.
// ContextKeys is the caller allowlist of context keys included in the
// prompt; sensitive keys are stripped regardless.
type AIConfig struct {
	Provider       string                 `json:"provider,omitempty"`
	Model          string                 `json:"model,omitempty"`
	ResponseSchema map[string]interface{} `json:"response_schema"`
	ContextKeys    []string               `json:"context_keys,omitempty"`
	Retry          *RetryConfig           `json:"retry,omitempty"`
}

// AutomatedConfig is the config schema owned by the AUTOMATED executor.
type AutomatedConfig struct {
	Operation string                 `json:"operation"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Outputs   []string               `json:"outputs,omitempty"`
	Retry     *RetryConfig           `json:"retry,omitempty"`
}

// RetryConfig overrides the engine's default retry policy for one step.
type RetryConfig struct {
	MaxAttempts   int     `json:"max_attempts,omitempty"`
	BackoffBaseMS int     `json:"backoff_base_ms,omitempty"`
	BackoffCapMS  int     `json:"backoff_cap_ms,omitempty"`
	JitterPct     float64 `json:"jitter_pct,omitempty"`
	DeadlineMS    int     `json:"deadline_ms,omitempty"`
}

// DecodeConfig unmarshals an opaque step config into a typed config
// struct via a JSON round trip.
func DecodeConfig(config map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal step config: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode step config: %w", err)
	}
	return nil
}
