package api

import "time"

// ExecutionState is the lifecycle status of a workflow execution.
type ExecutionState string

const (
	ExecutionPending   ExecutionState = "PENDING"
	ExecutionRunning   ExecutionState = "RUNNING"
	ExecutionPaused    ExecutionState = "PAUSED"
	ExecutionCompleted ExecutionState = "COMPLETED"
	ExecutionFailed    ExecutionState = "FAILED"
	ExecutionCancelled ExecutionState = "CANCELLED"
)

// Terminal reports whether the state is write-once final.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// StepState is the lifecycle status of one step attempt within an
// execution.
type StepState string

const (
	StepPending       StepState = "PENDING"
	StepRunning       StepState = "RUNNING"
	StepAwaitingInput StepState = "AWAITING_INPUT"
	StepCompleted     StepState = "COMPLETED"
	StepFailed        StepState = "FAILED"
	StepSkipped       StepState = "SKIPPED"
)

// Terminal reports whether the step state is final.
func (s StepState) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// CurrentStep is one in-flight step in an ExecutionStatus summary.
type CurrentStep struct {
	StepID string    `json:"step_id"`
	Status StepState `json:"status"`
}

// ExecutionStatus is the boundary summary of an execution.
type ExecutionStatus struct {
	ExecutionID     string         `json:"execution_id"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowVersion int            `json:"workflow_version"`
	PrincipalID     string         `json:"principal_id"`
	SessionID       string         `json:"session_id"`
	Status          ExecutionState `json:"status"`
	CurrentSteps    []CurrentStep  `json:"current_steps"`
	Version         int64          `json:"version"`
	StartedAt       time.Time      `json:"started_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Error           *Error         `json:"error,omitempty"`
}
