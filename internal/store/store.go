// Package store is the persistence boundary of the engine. It owns four
// logical tables: immutable workflow definition rows, execution status
// rows, step execution attempts, and the append-only context commit log.
// Writes for a single execution are linearizable; no cross-execution
// transactions exist.
package store

import (
	"context"
	"time"

	"github.com/meridianfin/meridian/internal/contextstore"
	"github.com/meridianfin/meridian/internal/workflow"
	"github.com/meridianfin/meridian/pkg/api"
)

// ExecutionRecord is the persisted state of one workflow execution.
type ExecutionRecord struct {
	ExecutionID     string
	WorkflowID      string
	WorkflowVersion int
	PrincipalID     string
	SessionID       string
	Status          api.ExecutionState
	ContextVersion  int64
	StartedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	Error           *api.Error
}

// StepExecutionRecord is one attempt of one step within an execution.
type StepExecutionRecord struct {
	ExecutionID   string
	StepID        string
	Attempt       int
	Status        api.StepState
	StartedAt     time.Time
	FinishedAt    *time.Time
	DurationMS    int64
	InputVersion  int64
	Output        map[string]interface{}
	Error         *api.Error
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	PrincipalID string
	WorkflowID  string
	Statuses    []api.ExecutionState
	Offset      int
	Limit       int
}

// Store is implemented by the sqlite and in-memory backends. All write
// methods must flush before returning: the engine acknowledges
// transitions only after the store does.
type Store interface {
	contextstore.Log

	// SaveDefinition persists an immutable definition row under
	// (def.ID, def.Version). Saving an existing (id, version) is an error.
	SaveDefinition(ctx context.Context, def *workflow.Definition) error

	// GetDefinition returns the requested version, or the latest
	// published version when version is 0.
	GetDefinition(ctx context.Context, id string, version int) (*workflow.Definition, error)

	// LatestDefinitionVersion returns the highest published version for
	// id, or 0 when none exists.
	LatestDefinitionVersion(ctx context.Context, id string) (int, error)

	// ListDefinitions returns latest-version summaries, optionally
	// filtered by category.
	ListDefinitions(ctx context.Context, category string) ([]workflow.Summary, error)

	SaveExecution(ctx context.Context, record *ExecutionRecord) error
	GetExecution(ctx context.Context, executionID string) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error)

	// ListActiveExecutions returns executions in a non-terminal status,
	// used for crash recovery at startup.
	ListActiveExecutions(ctx context.Context) ([]*ExecutionRecord, error)

	SaveStepExecution(ctx context.Context, record *StepExecutionRecord) error
	ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecutionRecord, error)

	// PurgeTerminatedBefore removes executions whose terminal timestamp
	// is older than cutoff, along with their step executions and context
	// commits. Definitions are never purged.
	PurgeTerminatedBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
