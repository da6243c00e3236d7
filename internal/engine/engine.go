// Package engine implements the execution state machine and scheduler.
// Each live execution is owned by a single driver goroutine; the engine
// routes boundary calls to drivers, recovers interrupted executions at
// startup, and purges terminated ones past the retention horizon.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/meridianfin/meridian/internal/contextstore"
	"github.com/meridianfin/meridian/internal/executor"
	"github.com/meridianfin/meridian/internal/step"
	"github.com/meridianfin/meridian/internal/store"
	"github.com/meridianfin/meridian/internal/value"
	"github.com/meridianfin/meridian/internal/workflow"
	"github.com/meridianfin/meridian/pkg/api"
	"github.com/meridianfin/meridian/pkg/events"
)

// Config tunes the engine. Zero values fall back to the defaults.
type Config struct {
	// MaxParallelism bounds concurrently running steps per execution.
	MaxParallelism int

	// GlobalParallelism bounds running steps across all executions.
	GlobalParallelism int

	Retry RetryPolicy

	// StepDeadline applies to AUTOMATED and AI_GENERATED attempts.
	StepDeadline time.Duration

	// CancelBudget is how long an in-flight executor gets to honour a
	// cancellation signal before it is written off.
	CancelBudget time.Duration

	// Retention is how long terminated executions are kept.
	Retention time.Duration

	// RetentionSweep is the janitor interval. Zero disables the janitor.
	RetentionSweep time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxParallelism:    4,
		GlobalParallelism: 32,
		Retry:             DefaultRetryPolicy(),
		StepDeadline:      60 * time.Second,
		CancelBudget:      5 * time.Second,
		Retention:         90 * 24 * time.Hour,
		RetentionSweep:    time.Hour,
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.MaxParallelism <= 0 {
		out.MaxParallelism = d.MaxParallelism
	}
	if out.GlobalParallelism <= 0 {
		out.GlobalParallelism = d.GlobalParallelism
	}
	if out.Retry.MaxAttempts <= 0 {
		out.Retry = d.Retry
	}
	if out.StepDeadline <= 0 {
		out.StepDeadline = d.StepDeadline
	}
	if out.CancelBudget <= 0 {
		out.CancelBudget = d.CancelBudget
	}
	if out.Retention <= 0 {
		out.Retention = d.Retention
	}
	return &out
}

// StartRequest carries the StartExecution parameters.
type StartRequest struct {
	WorkflowID      string
	WorkflowVersion int
	PrincipalID     string
	SessionID       string
	InitialContext  map[string]interface{}
	MaxParallelism  int
}

// Engine is the workflow execution engine.
type Engine struct {
	config    *Config
	store     store.Store
	contexts  *contextstore.Store
	library   *step.Library
	executors *executor.Registry
	broker    *broker
	sem       *semaphore.Weighted
	clock     func() time.Time

	mu      sync.Mutex
	drivers map[string]*driver
	closed  bool

	janitorStop chan struct{}
	wg          sync.WaitGroup
}

// New creates an engine over a store and an executor registry. Call
// Recover to resume interrupted executions, and Close to shut down.
func New(config *Config, st store.Store, library *step.Library, executors *executor.Registry) *Engine {
	config = config.withDefaults()
	e := &Engine{
		config:      config,
		store:       st,
		contexts:    contextstore.New(st),
		library:     library,
		executors:   executors,
		broker:      newBroker(),
		sem:         semaphore.NewWeighted(int64(config.GlobalParallelism)),
		clock:       time.Now,
		drivers:     make(map[string]*driver),
		janitorStop: make(chan struct{}),
	}
	if config.RetentionSweep > 0 {
		e.wg.Add(1)
		go e.janitor()
	}
	return e
}

// RegisterWorkflow validates a definition and publishes it as the next
// version of its id. Validation failures persist nothing.
func (e *Engine) RegisterWorkflow(ctx context.Context, def *workflow.Definition) (string, int, error) {
	if err := workflow.Validate(def); err != nil {
		return "", 0, err
	}
	if err := e.library.ValidateDefinition(def); err != nil {
		return "", 0, err
	}

	latest, err := e.store.LatestDefinitionVersion(ctx, def.ID)
	if err != nil {
		return "", 0, err
	}
	def.Version = latest + 1
	if err := e.store.SaveDefinition(ctx, def); err != nil {
		return "", 0, err
	}

	log.Info().
		Str("workflow_id", def.ID).
		Int("version", def.Version).
		Int("steps", len(def.Steps)).
		Msg("Workflow registered")

	return def.ID, def.Version, nil
}

// GetWorkflow returns the requested version, or the latest when version
// is 0.
func (e *Engine) GetWorkflow(ctx context.Context, id string, version int) (*workflow.Definition, error) {
	return e.store.GetDefinition(ctx, id, version)
}

// ListWorkflows returns latest-version summaries, optionally filtered by
// category.
func (e *Engine) ListWorkflows(ctx context.Context, category string) ([]workflow.Summary, error) {
	return e.store.ListDefinitions(ctx, category)
}

// StartExecution creates an execution of a workflow and starts its
// driver. The initial context, when present, becomes commit version 1.
func (e *Engine) StartExecution(ctx context.Context, req *StartRequest) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", api.E(api.CodeInternal, "engine is shut down")
	}
	e.mu.Unlock()

	def, err := e.store.GetDefinition(ctx, req.WorkflowID, req.WorkflowVersion)
	if err != nil {
		return "", err
	}

	now := e.clock().UTC()
	record := &store.ExecutionRecord{
		ExecutionID:     uuid.NewString(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		PrincipalID:     req.PrincipalID,
		SessionID:       req.SessionID,
		Status:          api.ExecutionPending,
		StartedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.SaveExecution(ctx, record); err != nil {
		return "", err
	}

	if len(req.InitialContext) > 0 {
		delta, err := value.MapFromInterface(req.InitialContext)
		if err != nil {
			return "", api.E(api.CodeValidationFailed, "initial context: %v", err)
		}
		version, err := e.contexts.Commit(ctx, record.ExecutionID, "__start__", delta, 0)
		if err != nil {
			return "", err
		}
		record.ContextVersion = version
		if err := e.store.SaveExecution(ctx, record); err != nil {
			return "", err
		}
	}

	parallelism := e.config.MaxParallelism
	if req.MaxParallelism > 0 && req.MaxParallelism < parallelism {
		parallelism = req.MaxParallelism
	}

	metricExecutionsStarted.Inc()
	e.spawnDriver(record, def, nil, parallelism)

	log.Info().
		Str("execution_id", record.ExecutionID).
		Str("workflow_id", def.ID).
		Int("workflow_version", def.Version).
		Str("principal_id", req.PrincipalID).
		Msg("Execution started")

	return record.ExecutionID, nil
}

// GetExecution returns the boundary status summary.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*api.ExecutionStatus, error) {
	record, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	current, err := e.currentSteps(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return &api.ExecutionStatus{
		ExecutionID:     record.ExecutionID,
		WorkflowID:      record.WorkflowID,
		WorkflowVersion: record.WorkflowVersion,
		PrincipalID:     record.PrincipalID,
		SessionID:       record.SessionID,
		Status:          record.Status,
		CurrentSteps:    current,
		Version:         record.ContextVersion,
		StartedAt:       record.StartedAt,
		UpdatedAt:       record.UpdatedAt,
		CompletedAt:     record.CompletedAt,
		Error:           record.Error,
	}, nil
}

// currentSteps reports steps that are in flight or waiting for input,
// from the live driver when there is one, otherwise from step rows.
func (e *Engine) currentSteps(ctx context.Context, executionID string) ([]api.CurrentStep, error) {
	if d := e.driverFor(executionID); d != nil {
		return d.currentSteps(), nil
	}

	rows, err := e.store.ListStepExecutions(ctx, executionID)
	if err != nil {
		return nil, err
	}
	latest := latestStepStates(rows)
	var current []api.CurrentStep
	for stepID, state := range latest {
		if state == api.StepRunning || state == api.StepAwaitingInput {
			current = append(current, api.CurrentStep{StepID: stepID, Status: state})
		}
	}
	return current, nil
}

// Stream subscribes to an execution's event stream from a version
// cursor. Events with Version > fromVersion are replayed, then live
// events follow. The returned cancel func releases the subscription.
func (e *Engine) Stream(ctx context.Context, executionID string, fromVersion int64) (<-chan events.StreamEvent, func(), error) {
	if _, err := e.store.GetExecution(ctx, executionID); err != nil {
		return nil, nil, err
	}
	ch, cancel := e.broker.subscribe(executionID, fromVersion)
	return ch, cancel, nil
}

// ProvideStepInput delivers caller input to a step awaiting it. Invalid
// input fails with ValidationFailed and leaves the step parked.
func (e *Engine) ProvideStepInput(ctx context.Context, executionID, stepID string, input map[string]interface{}) error {
	d, err := e.driverOrTerminalErr(ctx, executionID)
	if err != nil {
		return err
	}
	return d.provideInput(ctx, stepID, input)
}

// Pause suspends dispatch for an execution. Running steps finish.
func (e *Engine) Pause(ctx context.Context, executionID string) error {
	d, err := e.driverOrTerminalErr(ctx, executionID)
	if err != nil {
		return err
	}
	return d.control(ctx, controlPause)
}

// Resume lifts an explicit pause. The execution returns to RUNNING once
// no step is awaiting input.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	d, err := e.driverOrTerminalErr(ctx, executionID)
	if err != nil {
		return err
	}
	return d.control(ctx, controlResume)
}

// Cancel terminates an execution. In-flight executors are signalled and
// given the cancel budget to return; results arriving after the
// terminal transition are dropped.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	d, err := e.driverOrTerminalErr(ctx, executionID)
	if err != nil {
		return err
	}
	return d.control(ctx, controlCancel)
}

// ListExecutions returns execution summaries matching the filter.
func (e *Engine) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*api.ExecutionStatus, error) {
	records, err := e.store.ListExecutions(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*api.ExecutionStatus, len(records))
	for i, record := range records {
		out[i] = &api.ExecutionStatus{
			ExecutionID:     record.ExecutionID,
			WorkflowID:      record.WorkflowID,
			WorkflowVersion: record.WorkflowVersion,
			PrincipalID:     record.PrincipalID,
			SessionID:       record.SessionID,
			Status:          record.Status,
			Version:         record.ContextVersion,
			StartedAt:       record.StartedAt,
			UpdatedAt:       record.UpdatedAt,
			CompletedAt:     record.CompletedAt,
			Error:           record.Error,
		}
	}
	return out, nil
}

// Recover restarts drivers for every execution that was active when the
// process last stopped. Step attempts whose context commit landed are
// reconciled to COMPLETED without re-running their executor.
func (e *Engine) Recover(ctx context.Context) error {
	records, err := e.store.ListActiveExecutions(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		if err := e.recoverExecution(ctx, record); err != nil {
			log.Error().Err(err).
				Str("execution_id", record.ExecutionID).
				Msg("Failed to recover execution")
			continue
		}
	}
	if len(records) > 0 {
		log.Info().Int("executions", len(records)).Msg("Recovery complete")
	}
	return nil
}

func (e *Engine) recoverExecution(ctx context.Context, record *store.ExecutionRecord) error {
	def, err := e.store.GetDefinition(ctx, record.WorkflowID, record.WorkflowVersion)
	if err != nil {
		return err
	}
	if err := e.contexts.Open(ctx, record.ExecutionID); err != nil {
		return err
	}
	rows, err := e.store.ListStepExecutions(ctx, record.ExecutionID)
	if err != nil {
		return err
	}
	commits, err := e.contexts.History(ctx, record.ExecutionID)
	if err != nil {
		return err
	}
	committed := make(map[string]bool, len(commits))
	for _, c := range commits {
		committed[c.StepID] = true
	}

	seed := e.recoverySeed(def, rows, committed)
	e.spawnDriver(record, def, seed, e.config.MaxParallelism)
	return nil
}

// recoverySeed rebuilds per-step state from persisted attempt rows. A
// step that was RUNNING at crash time counts as COMPLETED when its
// commit landed, and reverts to PENDING otherwise with its attempt
// count preserved. A FAILED row whose error is retryable and whose
// attempt count is below the step's budget also reverts to PENDING: the
// crash may have landed between the attempt row and the scheduled
// retry.
func (e *Engine) recoverySeed(def *workflow.Definition, rows []*store.StepExecutionRecord, committed map[string]bool) map[string]*seedState {
	seed := make(map[string]*seedState)
	latest := make(map[string]*store.StepExecutionRecord)
	for _, row := range rows {
		prev, ok := latest[row.StepID]
		if !ok || row.Attempt > prev.Attempt {
			latest[row.StepID] = row
		}
	}
	for stepID, row := range latest {
		state := row.Status
		switch state {
		case api.StepRunning:
			if committed[stepID] {
				state = api.StepCompleted
			} else {
				state = api.StepPending
			}
		case api.StepFailed:
			spec := def.Step(stepID)
			if spec != nil && row.Error != nil && row.Error.Retryable {
				policy := policyFor(e.config.Retry, stepRetryConfig(spec))
				if row.Attempt < policy.MaxAttempts {
					state = api.StepPending
				}
			}
		}
		seed[stepID] = &seedState{status: state, attempts: row.Attempt, lastErr: row.Error}
	}
	return seed
}

// Purge removes terminated executions older than the cutoff, releasing
// their event history and context state along with the store rows.
func (e *Engine) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	records, err := e.store.ListExecutions(ctx, store.ExecutionFilter{
		Statuses: []api.ExecutionState{api.ExecutionCompleted, api.ExecutionFailed, api.ExecutionCancelled},
	})
	if err != nil {
		return 0, err
	}
	purged, err := e.store.PurgeTerminatedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, record := range records {
		if record.CompletedAt == nil || !record.CompletedAt.Before(cutoff) {
			continue
		}
		e.broker.forget(record.ExecutionID)
		e.contexts.Forget(record.ExecutionID)
	}
	return purged, nil
}

// Close stops the janitor and shuts down live drivers without
// cancelling their executions; Recover resumes them on next start.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	drivers := make([]*driver, 0, len(e.drivers))
	for _, d := range e.drivers {
		drivers = append(drivers, d)
	}
	e.mu.Unlock()

	close(e.janitorStop)
	for _, d := range drivers {
		d.stop(ctx)
	}
	e.wg.Wait()
	return nil
}

func (e *Engine) janitor() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.RetentionSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := e.clock().UTC().Add(-e.config.Retention)
			purged, err := e.Purge(context.Background(), cutoff)
			if err != nil {
				log.Error().Err(err).Msg("Retention purge failed")
				continue
			}
			if purged > 0 {
				log.Info().Int("purged", purged).Time("cutoff", cutoff).Msg("Retention purge complete")
			}
		case <-e.janitorStop:
			return
		}
	}
}

func (e *Engine) driverFor(executionID string) *driver {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drivers[executionID]
}

// driverOrTerminalErr resolves the live driver for an execution. With no
// live driver, a terminal execution yields TerminalState and a
// non-terminal one is re-spawned from its persisted state.
func (e *Engine) driverOrTerminalErr(ctx context.Context, executionID string) (*driver, error) {
	if d := e.driverFor(executionID); d != nil {
		return d, nil
	}
	record, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if record.Status.Terminal() {
		return nil, api.E(api.CodeTerminalState, "execution %s is %s", executionID, record.Status)
	}
	if err := e.recoverExecution(ctx, record); err != nil {
		return nil, err
	}
	if d := e.driverFor(executionID); d != nil {
		return d, nil
	}
	return nil, api.E(api.CodeInternal, "no driver for execution %s", executionID)
}

func (e *Engine) removeDriver(executionID string) {
	e.mu.Lock()
	delete(e.drivers, executionID)
	e.mu.Unlock()
	metricActiveExecutions.Dec()
}

func latestStepStates(rows []*store.StepExecutionRecord) map[string]api.StepState {
	latest := make(map[string]*store.StepExecutionRecord)
	for _, row := range rows {
		prev, ok := latest[row.StepID]
		if !ok || row.Attempt > prev.Attempt {
			latest[row.StepID] = row
		}
	}
	out := make(map[string]api.StepState, len(latest))
	for stepID, row := range latest {
		out[stepID] = row.Status
	}
	return out
}
