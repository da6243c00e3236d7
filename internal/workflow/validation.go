package workflow

import (
	"fmt"
	"sort"

	"github.com/meridianfin/meridian/pkg/api"
)

// Validate checks the structural invariants of a definition: non-empty
// steps, unique ids, resolvable references, acyclic dependencies,
// well-formed entry and exit points, and full reachability. Step config
// schemas are checked separately by the step library.
func Validate(def *Definition) error {
	if len(def.Steps) == 0 {
		return api.E(api.CodeInvalidEntryExit, "workflow %q has no steps", def.ID)
	}

	byID := make(map[string]*StepSpec, len(def.Steps))
	for _, step := range def.Steps {
		if step.ID == "" {
			return api.E(api.CodeDuplicateStepID, "workflow %q contains a step with an empty id", def.ID)
		}
		if _, exists := byID[step.ID]; exists {
			return api.E(api.CodeDuplicateStepID, "duplicate step id %q", step.ID)
		}
		byID[step.ID] = step
	}

	for _, step := range def.Steps {
		seen := make(map[string]bool, len(step.Dependencies))
		for _, dep := range step.Dependencies {
			if _, ok := byID[dep]; !ok {
				return api.E(api.CodeUnreachableStep, "step %q depends on unknown step %q", step.ID, dep)
			}
			if dep == step.ID {
				return api.E(api.CodeCyclicDependencies, "step %q depends on itself", step.ID)
			}
			if seen[dep] {
				return api.E(api.CodeDuplicateStepID, "step %q declares dependency %q twice", step.ID, dep)
			}
			seen[dep] = true
		}
	}

	if err := validateEntryExit(def, byID); err != nil {
		return err
	}

	if err := checkAcyclic(def); err != nil {
		return err
	}

	return checkReachability(def, byID)
}

func validateEntryExit(def *Definition, byID map[string]*StepSpec) error {
	if len(def.EntryPoints) == 0 {
		return api.E(api.CodeInvalidEntryExit, "workflow %q declares no entry points", def.ID)
	}
	if len(def.ExitPoints) == 0 {
		return api.E(api.CodeInvalidEntryExit, "workflow %q declares no exit points", def.ID)
	}

	entries := make(map[string]bool, len(def.EntryPoints))
	for _, entry := range def.EntryPoints {
		step, ok := byID[entry]
		if !ok {
			return api.E(api.CodeInvalidEntryExit, "entry point %q is not a step", entry)
		}
		if len(step.Dependencies) > 0 {
			return api.E(api.CodeInvalidEntryExit, "entry point %q has inbound dependencies", entry)
		}
		entries[entry] = true
	}

	for _, exit := range def.ExitPoints {
		if _, ok := byID[exit]; !ok {
			return api.E(api.CodeInvalidEntryExit, "exit point %q is not a step", exit)
		}
		if entries[exit] {
			return api.E(api.CodeInvalidEntryExit, "step %q is both an entry and an exit point", exit)
		}
	}

	// Every non-entry step must hang off the graph somewhere.
	for _, step := range def.Steps {
		if !entries[step.ID] && len(step.Dependencies) == 0 {
			return api.E(api.CodeUnreachableStep, "step %q has no dependencies and is not an entry point", step.ID)
		}
	}

	return nil
}

// checkAcyclic runs Kahn's algorithm; if the sort cannot consume every
// node the residue is a cycle.
func checkAcyclic(def *Definition) error {
	inDegree := make(map[string]int, len(def.Steps))
	for _, step := range def.Steps {
		inDegree[step.ID] = len(step.Dependencies)
	}

	dependents := def.Dependents()

	var queue []string
	for _, step := range def.Steps {
		if inDegree[step.ID] == 0 {
			queue = append(queue, step.ID)
		}
	}

	consumed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		consumed++

		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if consumed != len(def.Steps) {
		var cycle []string
		for id, degree := range inDegree {
			if degree > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return api.E(api.CodeCyclicDependencies, "dependency cycle involving steps %v", cycle)
	}

	return nil
}

func checkReachability(def *Definition, byID map[string]*StepSpec) error {
	reachable := make(map[string]bool, len(def.Steps))
	queue := append([]string(nil), def.EntryPoints...)
	for _, entry := range def.EntryPoints {
		reachable[entry] = true
	}

	dependents := def.Dependents()
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dependent := range dependents[id] {
			if !reachable[dependent] {
				reachable[dependent] = true
				queue = append(queue, dependent)
			}
		}
	}

	for _, step := range def.Steps {
		if !reachable[step.ID] {
			return api.E(api.CodeUnreachableStep, "step %q is not reachable from any entry point", step.ID)
		}
	}

	return nil
}

// TopologicalOrder returns the step ids in a stable topological order:
// ready steps are taken in declaration order. Validate must have passed.
func TopologicalOrder(def *Definition) ([]string, error) {
	if err := checkAcyclic(def); err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(def.Steps))
	for _, step := range def.Steps {
		inDegree[step.ID] = len(step.Dependencies)
	}
	dependents := def.Dependents()

	order := make([]string, 0, len(def.Steps))
	remaining := len(def.Steps)
	done := make(map[string]bool, len(def.Steps))

	for remaining > 0 {
		progressed := false
		for _, step := range def.Steps {
			if done[step.ID] || inDegree[step.ID] != 0 {
				continue
			}
			done[step.ID] = true
			order = append(order, step.ID)
			remaining--
			progressed = true
			for _, dependent := range dependents[step.ID] {
				inDegree[dependent]--
			}
		}
		if !progressed {
			return nil, fmt.Errorf("topological sort stalled with %d steps remaining", remaining)
		}
	}

	return order, nil
}
