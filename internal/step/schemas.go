package step

import (
	"fmt"

	"github.com/meridianfin/meridian/internal/workflow"
)

// retrySchema is shared by every kind's config schema.
var retrySchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"max_attempts":    map[string]interface{}{"type": "integer", "minimum": 1},
		"backoff_base_ms": map[string]interface{}{"type": "integer", "minimum": 0},
		"backoff_cap_ms":  map[string]interface{}{"type": "integer", "minimum": 0},
		"jitter_pct":      map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
		"deadline_ms":     map[string]interface{}{"type": "integer", "minimum": 0},
	},
	"additionalProperties": false,
}

func builtinDescriptors() []*Descriptor {
	return []*Descriptor{
		{
			Kind:         workflow.KindDataCollection,
			ConfigSchema: dataCollectionSchema(),
			OutputKeys: func(spec *workflow.StepSpec) []string {
				fields := fieldSpecs(spec)
				keys := make([]string, 0, len(fields))
				for _, field := range fields {
					keys = append(keys, field.Name)
				}
				return keys
			},
		},
		{
			Kind:         workflow.KindDecision,
			ConfigSchema: decisionSchema(),
			OutputKeys: func(spec *workflow.StepSpec) []string {
				return []string{DecisionKey(spec.ID)}
			},
		},
		{
			Kind:         workflow.KindValidation,
			ConfigSchema: validationSchema(),
			OutputKeys: func(spec *workflow.StepSpec) []string {
				return []string{ValidationKey(spec.ID)}
			},
		},
		{
			Kind:         workflow.KindUserInteraction,
			ConfigSchema: interactionSchema(),
			OutputKeys: func(spec *workflow.StepSpec) []string {
				return []string{SelectionKey(spec.ID)}
			},
		},
		{
			Kind:         workflow.KindAIGenerated,
			ConfigSchema: aiSchema(),
			OutputKeys: func(spec *workflow.StepSpec) []string {
				var cfg AIConfig
				if err := DecodeConfig(spec.Config, &cfg); err != nil {
					return nil
				}
				props, _ := cfg.ResponseSchema["properties"].(map[string]interface{})
				keys := make([]string, 0, len(props))
				for key := range props {
					keys = append(keys, key)
				}
				return keys
			},
		},
		{
			Kind:         workflow.KindAutomated,
			ConfigSchema: automatedSchema(),
			OutputKeys: func(spec *workflow.StepSpec) []string {
				var cfg AutomatedConfig
				if err := DecodeConfig(spec.Config, &cfg); err != nil {
					return nil
				}
				return cfg.Outputs
			},
		},
	}
}

// DecisionKey is the context key a DECISION step writes its choice under.
func DecisionKey(stepID string) string { return fmt.Sprintf("decision_%s", stepID) }

// SelectionKey is the context key a USER_INTERACTION step writes under.
func SelectionKey(stepID string) string { return fmt.Sprintf("selection_%s", stepID) }

// ValidationKey is the context key a VALIDATION step writes its results
// under.
func ValidationKey(stepID string) string { return fmt.Sprintf("validation_%s", stepID) }

func fieldSpecs(spec *workflow.StepSpec) []FieldSpec {
	var cfg DataCollectionConfig
	if err := DecodeConfig(spec.Config, &cfg); err != nil {
		return nil
	}
	return cfg.Fields
}

func dataCollectionSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"fields"},
		"properties": map[string]interface{}{
			"fields": map[string]interface{}{
				"type":     "array",
				"minItems": 1,
				"items": map[string]interface{}{
					"type":     "object",
					"required": []interface{}{"name", "type"},
					"properties": map[string]interface{}{
						"name":      map[string]interface{}{"type": "string", "minLength": 1},
						"type":      map[string]interface{}{"enum": []interface{}{"string", "int", "decimal", "bool", "timestamp"}},
						"required":  map[string]interface{}{"type": "boolean"},
						"min":       map[string]interface{}{"type": "number"},
						"max":       map[string]interface{}{"type": "number"},
						"pattern":   map[string]interface{}{"type": "string"},
						"sensitive": map[string]interface{}{"type": "boolean"},
					},
					"additionalProperties": false,
				},
			},
			"retry": retrySchema,
		},
		"additionalProperties": false,
	}
}

func decisionSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"inputType", "options"},
		"properties": map[string]interface{}{
			"inputType": map[string]interface{}{"enum": []interface{}{"single", "multi", "dropdown"}},
			"options": map[string]interface{}{
				"type":     "array",
				"minItems": 1,
			},
			"minSelections": map[string]interface{}{"type": "integer", "minimum": 0},
			"maxSelections": map[string]interface{}{"type": "integer", "minimum": 1},
			"retry":         retrySchema,
		},
		"additionalProperties": false,
	}
}

func validationSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"checks"},
		"properties": map[string]interface{}{
			"checks": map[string]interface{}{
				"type":     "array",
				"minItems": 1,
				"items": map[string]interface{}{
					"type":     "object",
					"required": []interface{}{"name", "predicate"},
					"properties": map[string]interface{}{
						"name":      map[string]interface{}{"type": "string", "minLength": 1},
						"predicate": map[string]interface{}{"type": "string", "minLength": 1},
						"params":    map[string]interface{}{"type": "object"},
					},
					"additionalProperties": false,
				},
			},
			"halt_on_fail": map[string]interface{}{"type": "boolean"},
			"retry":        retrySchema,
		},
		"additionalProperties": false,
	}
}

func interactionSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"items":         map[string]interface{}{"type": "array"},
			"items_from":    map[string]interface{}{"type": "string", "minLength": 1},
			"minSelections": map[string]interface{}{"type": "integer", "minimum": 0},
			"maxSelections": map[string]interface{}{"type": "integer", "minimum": 1},
			"retry":         retrySchema,
		},
		"anyOf": []interface{}{
			map[string]interface{}{"required": []interface{}{"items"}},
			map[string]interface{}{"required": []interface{}{"items_from"}},
		},
		"additionalProperties": false,
	}
}

func aiSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"response_schema"},
		"properties": map[string]interface{}{
			"provider":        map[string]interface{}{"type": "string"},
			"model":           map[string]interface{}{"type": "string"},
			"response_schema": map[string]interface{}{"type": "object"},
			"context_keys": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
			"retry": retrySchema,
		},
		"additionalProperties": false,
	}
}

func automatedSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"operation"},
		"properties": map[string]interface{}{
			"operation": map[string]interface{}{
				"enum": []interface{}{
					"normalize_weights",
					"sum",
					"set_values",
					"fetch_series",
					"sleep",
				},
			},
			"params": map[string]interface{}{"type": "object"},
			"outputs": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
			"retry": retrySchema,
		},
		"additionalProperties": false,
	}
}
