package step

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfin/meridian/internal/workflow"
	"github.com/meridianfin/meridian/pkg/api"
)

func spec(kind workflow.StepKind, config map[string]interface{}) *workflow.StepSpec {
	return &workflow.StepSpec{ID: "s1", Name: "s1", Kind: kind, Config: config}
}

func TestLibraryHasBuiltinKinds(t *testing.T) {
	library := NewLibrary()
	for _, kind := range workflow.Kinds() {
		_, err := library.Lookup(kind)
		assert.NoError(t, err, "kind %s", kind)
	}
}

func TestLookupUnknownKind(t *testing.T) {
	_, err := NewLibrary().Lookup("TELEPORT")
	assert.True(t, api.IsCode(err, api.CodeUnknownStepKind))
}

func TestRegisterDuplicateKind(t *testing.T) {
	library := NewLibrary()
	err := library.Register(&Descriptor{Kind: workflow.KindDecision})
	assert.Error(t, err)
}

func TestValidateDataCollectionConfig(t *testing.T) {
	library := NewLibrary()

	valid := spec(workflow.KindDataCollection, map[string]interface{}{
		"fields": []interface{}{
			map[string]interface{}{"name": "ssn", "type": "string", "required": true, "sensitive": true},
			map[string]interface{}{"name": "income", "type": "decimal", "min": float64(0)},
		},
	})
	assert.NoError(t, library.ValidateConfig(valid))

	missing := spec(workflow.KindDataCollection, map[string]interface{}{})
	assert.True(t, api.IsCode(library.ValidateConfig(missing), api.CodeIncompatibleStepConfig))

	badType := spec(workflow.KindDataCollection, map[string]interface{}{
		"fields": []interface{}{
			map[string]interface{}{"name": "x", "type": "complex"},
		},
	})
	assert.True(t, api.IsCode(library.ValidateConfig(badType), api.CodeIncompatibleStepConfig))
}

func TestValidateDecisionConfig(t *testing.T) {
	library := NewLibrary()

	valid := spec(workflow.KindDecision, map[string]interface{}{
		"inputType": "single",
		"options":   []interface{}{"conservative", "balanced", "aggressive"},
	})
	assert.NoError(t, library.ValidateConfig(valid))

	badInputType := spec(workflow.KindDecision, map[string]interface{}{
		"inputType": "wheel",
		"options":   []interface{}{"a"},
	})
	assert.True(t, api.IsCode(library.ValidateConfig(badInputType), api.CodeIncompatibleStepConfig))

	emptyOptions := spec(workflow.KindDecision, map[string]interface{}{
		"inputType": "single",
		"options":   []interface{}{},
	})
	assert.True(t, api.IsCode(library.ValidateConfig(emptyOptions), api.CodeIncompatibleStepConfig))
}

func TestValidateInteractionConfigNeedsItems(t *testing.T) {
	library := NewLibrary()

	inline := spec(workflow.KindUserInteraction, map[string]interface{}{
		"items": []interface{}{"fund-a", "fund-b"},
	})
	assert.NoError(t, library.ValidateConfig(inline))

	fromContext := spec(workflow.KindUserInteraction, map[string]interface{}{
		"items_from": "candidate_funds",
	})
	assert.NoError(t, library.ValidateConfig(fromContext))

	neither := spec(workflow.KindUserInteraction, map[string]interface{}{})
	assert.True(t, api.IsCode(library.ValidateConfig(neither), api.CodeIncompatibleStepConfig))
}

func TestValidateAutomatedConfig(t *testing.T) {
	library := NewLibrary()

	valid := spec(workflow.KindAutomated, map[string]interface{}{
		"operation": "normalize_weights",
		"params":    map[string]interface{}{"source_key": "raw_weights"},
	})
	assert.NoError(t, library.ValidateConfig(valid))

	unknownOp := spec(workflow.KindAutomated, map[string]interface{}{
		"operation": "transmogrify",
	})
	assert.True(t, api.IsCode(library.ValidateConfig(unknownOp), api.CodeIncompatibleStepConfig))
}

func TestValidateRetryOverride(t *testing.T) {
	library := NewLibrary()

	valid := spec(workflow.KindAutomated, map[string]interface{}{
		"operation": "sum",
		"params":    map[string]interface{}{"keys": []interface{}{"a"}, "target_key": "total"},
		"retry":     map[string]interface{}{"max_attempts": 5, "backoff_base_ms": 100},
	})
	assert.NoError(t, library.ValidateConfig(valid))

	negative := spec(workflow.KindAutomated, map[string]interface{}{
		"operation": "sum",
		"retry":     map[string]interface{}{"max_attempts": 0},
	})
	assert.True(t, api.IsCode(library.ValidateConfig(negative), api.CodeIncompatibleStepConfig))
}

func TestOutputKeysPerKind(t *testing.T) {
	library := NewLibrary()

	decision := spec(workflow.KindDecision, map[string]interface{}{
		"inputType": "single",
		"options":   []interface{}{"a"},
	})
	decision.ID = "risk"
	assert.Equal(t, []string{"decision_risk"}, library.OutputKeys(decision))

	collection := spec(workflow.KindDataCollection, map[string]interface{}{
		"fields": []interface{}{
			map[string]interface{}{"name": "ssn", "type": "string"},
			map[string]interface{}{"name": "income", "type": "decimal"},
		},
	})
	assert.Equal(t, []string{"ssn", "income"}, library.OutputKeys(collection))

	ai := spec(workflow.KindAIGenerated, map[string]interface{}{
		"response_schema": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"allocation": map[string]interface{}{"type": "object"},
			},
		},
	})
	assert.Equal(t, []string{"allocation"}, library.OutputKeys(ai))

	automated := spec(workflow.KindAutomated, map[string]interface{}{
		"operation": "sum",
		"outputs":   []string{"total"},
	})
	assert.Equal(t, []string{"total"}, library.OutputKeys(automated))
}

func TestSensitiveKeys(t *testing.T) {
	def := &workflow.Definition{
		ID:   "onboard",
		Name: "onboard",
		Steps: []*workflow.StepSpec{
			spec(workflow.KindDataCollection, map[string]interface{}{
				"fields": []interface{}{
					map[string]interface{}{"name": "ssn", "type": "string", "sensitive": true},
					map[string]interface{}{"name": "email", "type": "string"},
				},
			}),
		},
		EntryPoints: []string{"s1"},
		ExitPoints:  []string{"s1"},
	}

	sensitive := SensitiveKeys(def)
	require.True(t, sensitive["ssn"])
	assert.False(t, sensitive["email"])
}
