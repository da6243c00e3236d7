package engine

import (
	"github.com/meridianfin/meridian/pkg/api"
)

// Allowed execution status transitions. Terminal states have no
// outgoing edges; attempts to leave them fail with TerminalState.
var executionTransitions = map[api.ExecutionState][]api.ExecutionState{
	api.ExecutionPending: {api.ExecutionRunning, api.ExecutionFailed, api.ExecutionCancelled},
	api.ExecutionRunning: {api.ExecutionPaused, api.ExecutionCompleted, api.ExecutionFailed, api.ExecutionCancelled},
	api.ExecutionPaused:  {api.ExecutionRunning, api.ExecutionFailed, api.ExecutionCancelled},
}

func canTransitionExecution(from, to api.ExecutionState) bool {
	for _, allowed := range executionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
