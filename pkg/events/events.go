// Package events provides the stream event types emitted over
// StreamExecution. Events are totally ordered per execution by the context
// version at which they were produced, so a client can resume a stream
// from any version cursor and replay an identical tail.
package events

import (
	"time"

	"github.com/meridianfin/meridian/pkg/api"
)

// EventKind classifies a stream event.
type EventKind string

const (
	// EventStatusChanged is emitted when the execution status changes,
	// including the terminal transition.
	EventStatusChanged EventKind = "STATUS_CHANGED"

	// EventStepStarted is emitted when the scheduler dispatches a step.
	EventStepStarted EventKind = "STEP_STARTED"

	// EventStepCompleted is emitted when a step commits successfully.
	EventStepCompleted EventKind = "STEP_COMPLETED"

	// EventStepAwaitingInput is emitted when a step suspends on human
	// input.
	EventStepAwaitingInput EventKind = "STEP_AWAITING_INPUT"

	// EventStepFailed is emitted when a step's retry budget is exhausted.
	EventStepFailed EventKind = "STEP_FAILED"

	// EventContextCommitted is emitted for every context commit.
	EventContextCommitted EventKind = "CONTEXT_COMMITTED"
)

// StreamEvent is a single event in an execution's ordered event stream.
type StreamEvent struct {
	ExecutionID string                 `json:"execution_id"`
	Version     int64                  `json:"version"`
	Kind        EventKind              `json:"kind"`
	Timestamp   time.Time              `json:"timestamp"`
	StepID      string                 `json:"step_id,omitempty"`
	Status      api.ExecutionState     `json:"status,omitempty"`
	StepStatus  api.StepState          `json:"step_status,omitempty"`
	Error       *api.Error             `json:"error,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}
