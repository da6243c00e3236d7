// Package workflow defines workflow definitions and their registration
// invariants. A definition is an immutable, versioned DAG of step specs;
// the registry only accepts definitions that pass the structural checks in
// validation.go.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// StepKind identifies which executor handles a step.
type StepKind string

const (
	KindDataCollection  StepKind = "DATA_COLLECTION"
	KindDecision        StepKind = "DECISION"
	KindValidation      StepKind = "VALIDATION"
	KindUserInteraction StepKind = "USER_INTERACTION"
	KindAIGenerated     StepKind = "AI_GENERATED"
	KindAutomated       StepKind = "AUTOMATED"
)

// Kinds lists every built-in step kind.
func Kinds() []StepKind {
	return []StepKind{
		KindDataCollection,
		KindDecision,
		KindValidation,
		KindUserInteraction,
		KindAIGenerated,
		KindAutomated,
	}
}

// ValidationRule is a post-step check evaluated by the engine after the
// executor returns and before its delta is committed.
type ValidationRule struct {
	Name      string                 `json:"name" yaml:"name"`
	Predicate string                 `json:"predicate" yaml:"predicate"`
	Params    map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// StepSpec describes one step in a workflow definition. Config is an
// opaque mapping whose schema is owned by the executor of Kind; it is
// validated against that schema at registration time.
type StepSpec struct {
	ID              string                 `json:"id" yaml:"id"`
	Name            string                 `json:"name" yaml:"name"`
	Description     string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Kind            StepKind               `json:"kind" yaml:"kind"`
	Config          map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	Dependencies    []string               `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	AIPrompt        string                 `json:"ai_prompt,omitempty" yaml:"ai_prompt,omitempty"`
	ValidationRules []ValidationRule       `json:"validation_rules,omitempty" yaml:"validation_rules,omitempty"`
}

// Definition is a named, versioned DAG of steps. Definitions are immutable
// once published; edits publish a new version.
type Definition struct {
	ID             string      `json:"id" yaml:"id"`
	Version        int         `json:"version" yaml:"version"`
	Name           string      `json:"name" yaml:"name"`
	Description    string      `json:"description,omitempty" yaml:"description,omitempty"`
	Category       string      `json:"category,omitempty" yaml:"category,omitempty"`
	Steps          []*StepSpec `json:"steps" yaml:"steps"`
	EntryPoints    []string    `json:"entry_points" yaml:"entry_points"`
	ExitPoints     []string    `json:"exit_points" yaml:"exit_points"`
	AIConfigurable bool        `json:"ai_configurable,omitempty" yaml:"ai_configurable,omitempty"`
}

// Step returns the step spec with the given id, or nil.
func (d *Definition) Step(id string) *StepSpec {
	for _, step := range d.Steps {
		if step.ID == id {
			return step
		}
	}
	return nil
}

// StepIndex returns the declaration index of a step id, or -1. Declaration
// order is advisory for execution but is the first tie-break when two
// steps' declared outputs overlap.
func (d *Definition) StepIndex(id string) int {
	for i, step := range d.Steps {
		if step.ID == id {
			return i
		}
	}
	return -1
}

// IsEntry reports whether id is declared as an entry point.
func (d *Definition) IsEntry(id string) bool {
	for _, entry := range d.EntryPoints {
		if entry == id {
			return true
		}
	}
	return false
}

// IsExit reports whether id is declared as an exit point.
func (d *Definition) IsExit(id string) bool {
	for _, exit := range d.ExitPoints {
		if exit == id {
			return true
		}
	}
	return false
}

// Dependents returns, for each step id, the ids of steps that depend on
// it.
func (d *Definition) Dependents() map[string][]string {
	out := make(map[string][]string, len(d.Steps))
	for _, step := range d.Steps {
		for _, dep := range step.Dependencies {
			out[dep] = append(out[dep], step.ID)
		}
	}
	return out
}

// Summary is the list-view projection of a definition.
type Summary struct {
	ID          string `json:"id"`
	Version     int    `json:"version"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	Steps       int    `json:"steps"`
}

// Summarize builds the list-view projection.
func (d *Definition) Summarize() Summary {
	return Summary{
		ID:          d.ID,
		Version:     d.Version,
		Name:        d.Name,
		Description: d.Description,
		Category:    d.Category,
		Steps:       len(d.Steps),
	}
}

// ParseFile loads a definition from a YAML or JSON file.
func ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	var def Definition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse workflow %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse workflow %s: %w", path, err)
		}
	}

	return &def, nil
}
