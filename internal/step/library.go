// Package step implements the step library: the catalogue of step kinds,
// their config schemas, and the keys they read and write. The registry and
// the scheduler both consult the library, the former to validate
// definitions at registration time and the latter to resolve dispatch
// metadata.
package step

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/meridianfin/meridian/internal/workflow"
	"github.com/meridianfin/meridian/pkg/api"
)

// Descriptor publishes everything the engine needs to know about a step
// kind short of executing it.
type Descriptor struct {
	Kind workflow.StepKind

	// ConfigSchema is a JSON schema document validated against each
	// step's config at registration.
	ConfigSchema map[string]interface{}

	// OutputKeys derives the context keys a step of this kind declares it
	// will write. The scheduler serializes steps whose declared outputs
	// overlap.
	OutputKeys func(spec *workflow.StepSpec) []string
}

// Library is the immutable table of registered step kinds. Built-in kinds
// are registered at construction; additional kinds may only be added at
// process start, before any execution is running.
type Library struct {
	kinds map[workflow.StepKind]*Descriptor
}

// NewLibrary creates a library pre-populated with the built-in kinds.
func NewLibrary() *Library {
	l := &Library{kinds: make(map[workflow.StepKind]*Descriptor)}
	for _, desc := range builtinDescriptors() {
		if err := l.Register(desc); err != nil {
			// Built-in registration only fails on a programming error.
			panic(err)
		}
	}
	return l
}

// Register adds a step kind to the library. Registering the same kind
// twice is an error.
func (l *Library) Register(desc *Descriptor) error {
	if desc.Kind == "" {
		return fmt.Errorf("step descriptor has no kind")
	}
	if _, exists := l.kinds[desc.Kind]; exists {
		return fmt.Errorf("step kind %s already registered", desc.Kind)
	}

	l.kinds[desc.Kind] = desc
	log.Debug().Str("kind", string(desc.Kind)).Msg("Step kind registered")
	return nil
}

// Lookup resolves the descriptor for a kind.
func (l *Library) Lookup(kind workflow.StepKind) (*Descriptor, error) {
	desc, ok := l.kinds[kind]
	if !ok {
		return nil, api.E(api.CodeUnknownStepKind, "unknown step kind %q", kind)
	}
	return desc, nil
}

// ValidateConfig checks a step's config against its kind's schema.
func (l *Library) ValidateConfig(spec *workflow.StepSpec) error {
	desc, err := l.Lookup(spec.Kind)
	if err != nil {
		return err
	}

	config := spec.Config
	if config == nil {
		config = map[string]interface{}{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(desc.ConfigSchema),
		gojsonschema.NewGoLoader(config),
	)
	if err != nil {
		return api.E(api.CodeIncompatibleStepConfig, "step %q config could not be validated: %v", spec.ID, err)
	}

	if !result.Valid() {
		first := result.Errors()[0]
		return api.E(api.CodeIncompatibleStepConfig, "step %q config invalid: %s", spec.ID, first.String())
	}

	return nil
}

// ValidateDefinition validates the config of every step in a definition.
func (l *Library) ValidateDefinition(def *workflow.Definition) error {
	for _, spec := range def.Steps {
		if err := l.ValidateConfig(spec); err != nil {
			return err
		}
	}
	return nil
}

// OutputKeys returns the declared output keys for a step, or nil when the
// kind is unknown.
func (l *Library) OutputKeys(spec *workflow.StepSpec) []string {
	desc, ok := l.kinds[spec.Kind]
	if !ok || desc.OutputKeys == nil {
		return nil
	}
	return desc.OutputKeys(spec)
}

// SensitiveKeys collects the context keys a definition marks sensitive.
// The AI executor strips these from any outbound prompt.
func SensitiveKeys(def *workflow.Definition) map[string]bool {
	sensitive := make(map[string]bool)
	for _, spec := range def.Steps {
		if spec.Kind != workflow.KindDataCollection {
			continue
		}
		for _, field := range fieldSpecs(spec) {
			if field.Sensitive {
				sensitive[field.Name] = true
			}
		}
	}
	return sensitive
}
