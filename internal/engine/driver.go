package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meridianfin/meridian/internal/contextstore"
	"github.com/meridianfin/meridian/internal/executor"
	"github.com/meridianfin/meridian/internal/step"
	"github.com/meridianfin/meridian/internal/store"
	"github.com/meridianfin/meridian/internal/workflow"
	"github.com/meridianfin/meridian/pkg/api"
	"github.com/meridianfin/meridian/pkg/events"
)

type controlAction int

const (
	controlPause controlAction = iota
	controlResume
	controlCancel
	controlStop
)

// seedState carries recovered per-step state into a new driver.
type seedState struct {
	status   api.StepState
	attempts int
	lastErr  *api.Error
}

// stepRuntime is the driver's book-keeping for one step.
type stepRuntime struct {
	spec       *workflow.StepSpec
	status     api.StepState
	attempts   int
	lastErr    *api.Error
	policy     RetryPolicy
	deadline   time.Duration
	notBefore  time.Time
	startedAt  time.Time
	prompt     string
	expected   []string
	outputKeys map[string]bool
}

// stepResult is one executor attempt's outcome delivered to the driver.
type stepResult struct {
	stepID   string
	attempt  int
	snapshot contextstore.Snapshot
	res      *executor.Result
	err      error
	started  time.Time
}

type inputRequest struct {
	stepID string
	input  map[string]interface{}
	reply  chan error
}

type controlRequest struct {
	action controlAction
	reply  chan error
}

// driver owns one execution's state machine. All mutations happen on the
// driver goroutine; boundary calls are routed through channels.
type driver struct {
	eng         *Engine
	record      *store.ExecutionRecord
	def         *workflow.Definition
	order       []*workflow.StepSpec
	sensitive   []string
	parallelism int
	logger      zerolog.Logger

	runCtx    context.Context
	cancelRun context.CancelFunc

	steps        map[string]*stepRuntime
	inflight     map[string]int
	pausedByUser bool
	semBlocked   bool
	stopped      bool

	results  chan *stepResult
	inputs   chan *inputRequest
	controls chan *controlRequest
	exited   chan struct{}
	done     chan struct{}
	current  atomic.Value
}

// spawnDriver builds a driver from a persisted record (and recovered
// step seed, which may be nil) and starts its goroutine.
func (e *Engine) spawnDriver(record *store.ExecutionRecord, def *workflow.Definition, seed map[string]*seedState, parallelism int) {
	recordCopy := *record
	runCtx, cancelRun := context.WithCancel(context.Background())

	var sensitive []string
	for key := range step.SensitiveKeys(def) {
		sensitive = append(sensitive, key)
	}

	// Scan steps in dependency order so a step never dispatches ahead of
	// one it waits on. Registration guarantees an acyclic graph, so the
	// ordering cannot fail here; declaration order is the tie-break.
	order := def.Steps
	if ids, err := workflow.TopologicalOrder(def); err == nil {
		order = make([]*workflow.StepSpec, 0, len(ids))
		for _, id := range ids {
			order = append(order, def.Step(id))
		}
	}

	d := &driver{
		eng:         e,
		record:      &recordCopy,
		def:         def,
		order:       order,
		sensitive:   sensitive,
		parallelism: parallelism,
		logger: log.With().
			Str("execution_id", record.ExecutionID).
			Str("workflow_id", record.WorkflowID).
			Logger(),
		runCtx:    runCtx,
		cancelRun: cancelRun,
		steps:     make(map[string]*stepRuntime, len(def.Steps)),
		inflight:  make(map[string]int),
		results:   make(chan *stepResult, len(def.Steps)+8),
		inputs:    make(chan *inputRequest),
		controls:  make(chan *controlRequest),
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	for _, spec := range def.Steps {
		cfg := stepRetryConfig(spec)
		rt := &stepRuntime{
			spec:       spec,
			status:     api.StepPending,
			policy:     policyFor(e.config.Retry, cfg),
			outputKeys: make(map[string]bool),
		}
		for _, key := range e.library.OutputKeys(spec) {
			rt.outputKeys[key] = true
		}
		if spec.Kind == workflow.KindAutomated || spec.Kind == workflow.KindAIGenerated {
			rt.deadline = e.config.StepDeadline
			if cfg != nil && cfg.DeadlineMS > 0 {
				rt.deadline = time.Duration(cfg.DeadlineMS) * time.Millisecond
			}
		}
		if s, ok := seed[spec.ID]; ok {
			rt.status = s.status
			rt.attempts = s.attempts
			rt.lastErr = s.lastErr
		}
		d.steps[spec.ID] = rt
	}

	// A recovered PAUSED execution with no step awaiting input was paused
	// explicitly; one with awaiting steps resumes as soon as they are fed.
	if recordCopy.Status == api.ExecutionPaused {
		d.pausedByUser = !d.hasAwaiting()
	}

	e.mu.Lock()
	e.drivers[record.ExecutionID] = d
	e.mu.Unlock()
	metricActiveExecutions.Inc()

	go d.run()
}

func stepRetryConfig(spec *workflow.StepSpec) *step.RetryConfig {
	var holder struct {
		Retry *step.RetryConfig `json:"retry"`
	}
	if err := step.DecodeConfig(spec.Config, &holder); err != nil {
		return nil
	}
	return holder.Retry
}

func (d *driver) run() {
	defer close(d.done)
	defer d.eng.removeDriver(d.record.ExecutionID)
	defer func() {
		// Terminal executions take no further commits; drop the cached
		// materialization. The commit log re-opens it if anyone asks.
		if d.record.Status.Terminal() {
			d.eng.contexts.Forget(d.record.ExecutionID)
		}
	}()
	defer close(d.exited)

	if d.record.Status == api.ExecutionPending {
		if err := d.transition(api.ExecutionRunning, nil); err != nil {
			d.logger.Error().Err(err).Msg("Execution failed to start")
			return
		}
	}

	for {
		d.updateCurrent()
		if d.record.Status.Terminal() {
			d.drainInflight()
			return
		}
		if d.stopped {
			d.cancelRun()
			d.drainInflight()
			return
		}

		if d.record.Status == api.ExecutionRunning {
			d.propagateSkips()
			if d.tryFinish() {
				continue
			}
			d.dispatchReady()
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait, ok := d.nextWake(); ok {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case res := <-d.results:
			d.handleResult(res)
		case req := <-d.inputs:
			req.reply <- d.handleInput(req)
		case req := <-d.controls:
			req.reply <- d.handleControl(req)
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// nextWake computes how long the driver may sleep before a pending step
// becomes dispatchable again.
func (d *driver) nextWake() (time.Duration, bool) {
	if d.semBlocked {
		d.semBlocked = false
		return 100 * time.Millisecond, true
	}
	if d.record.Status != api.ExecutionRunning {
		return 0, false
	}
	now := d.eng.clock()
	var min time.Duration
	found := false
	for _, rt := range d.steps {
		if rt.status != api.StepPending || !d.depsSatisfied(rt) {
			continue
		}
		if rt.notBefore.After(now) {
			wait := rt.notBefore.Sub(now)
			if !found || wait < min {
				min = wait
				found = true
			}
		}
	}
	return min, found
}

// propagateSkips marks every pending step whose dependencies all ended
// SKIPPED as skipped itself. Scanning in dependency order makes a single
// pass reach the fixpoint.
func (d *driver) propagateSkips() {
	for _, spec := range d.order {
		rt := d.steps[spec.ID]
		if rt.status != api.StepPending || len(spec.Dependencies) == 0 {
			continue
		}
		allSkipped := true
		for _, dep := range spec.Dependencies {
			if d.steps[dep].status != api.StepSkipped {
				allSkipped = false
				break
			}
		}
		if allSkipped {
			d.markSkipped(rt, rt.attempts)
		}
	}
}

// tryFinish transitions the execution once every step is terminal:
// COMPLETED when none failed, FAILED otherwise. A failed step usually
// fails the execution immediately, but a recovered driver can be seeded
// with a FAILED step whose budget was exhausted before the crash.
func (d *driver) tryFinish() bool {
	var cause *api.Error
	for _, rt := range d.steps {
		if !rt.status.Terminal() {
			return false
		}
		if rt.status == api.StepFailed && cause == nil {
			cause = rt.lastErr
			if cause == nil {
				cause = api.E(api.CodeInternal, "step %s failed", rt.spec.ID)
			}
		}
	}
	to := api.ExecutionCompleted
	if cause != nil {
		to = api.ExecutionFailed
	}
	if err := d.transition(to, cause); err != nil {
		d.logger.Error().Err(err).Msg("Completion transition failed")
	}
	return true
}

// dispatchReady dispatches eligible steps until the parallelism bounds
// or the write-key serialization rule stop it.
func (d *driver) dispatchReady() {
	for {
		if len(d.inflight) >= d.parallelism {
			return
		}
		rt := d.nextEligible()
		if rt == nil {
			return
		}
		if !d.eng.sem.TryAcquire(1) {
			d.semBlocked = true
			return
		}
		d.dispatch(rt)
	}
}

// nextEligible scans steps in dependency order and returns the first
// pending step whose dependencies are satisfied, whose backoff has
// elapsed, and whose declared output keys do not overlap any in-flight
// step's.
func (d *driver) nextEligible() *stepRuntime {
	now := d.eng.clock()
	for _, spec := range d.order {
		rt := d.steps[spec.ID]
		if rt.status != api.StepPending {
			continue
		}
		if !d.depsSatisfied(rt) {
			continue
		}
		if rt.notBefore.After(now) {
			continue
		}
		if d.writeConflict(rt) {
			continue
		}
		return rt
	}
	return nil
}

func (d *driver) depsSatisfied(rt *stepRuntime) bool {
	for _, dep := range rt.spec.Dependencies {
		switch d.steps[dep].status {
		case api.StepCompleted, api.StepSkipped:
		default:
			return false
		}
	}
	return true
}

func (d *driver) writeConflict(rt *stepRuntime) bool {
	for stepID := range d.inflight {
		other := d.steps[stepID]
		for key := range rt.outputKeys {
			if other.outputKeys[key] {
				return true
			}
		}
	}
	return false
}

// dispatch launches one executor attempt. The step row is persisted
// before the start event is published.
func (d *driver) dispatch(rt *stepRuntime) {
	snap, err := d.eng.contexts.Snapshot(context.Background(), d.record.ExecutionID)
	if err != nil {
		d.eng.sem.Release(1)
		d.failStep(rt, rt.attempts, api.AsError(err))
		return
	}

	exec, err := d.eng.executors.For(rt.spec.Kind)
	if err != nil {
		d.eng.sem.Release(1)
		d.failStep(rt, rt.attempts, api.AsError(err))
		return
	}

	rt.attempts++
	rt.status = api.StepRunning
	rt.startedAt = d.eng.clock().UTC()
	attempt := rt.attempts
	d.persistStepRow(rt, attempt, api.StepRunning, snap.Version, nil, nil)
	d.publish(events.EventStepStarted, rt.spec.ID, api.StepRunning, nil, nil)
	d.inflight[rt.spec.ID] = attempt

	req := &executor.Request{
		ExecutionID:   d.record.ExecutionID,
		WorkflowID:    d.record.WorkflowID,
		PrincipalID:   d.record.PrincipalID,
		Step:          rt.spec,
		Snapshot:      snap,
		Attempt:       attempt,
		SensitiveKeys: d.sensitive,
	}
	deadline := rt.deadline
	started := rt.startedAt

	go func() {
		defer d.eng.sem.Release(1)
		ctx := d.runCtx
		if deadline > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, deadline)
			defer cancel()
		}
		res, execErr := exec.Execute(ctx, req)
		result := &stepResult{
			stepID:   req.Step.ID,
			attempt:  attempt,
			snapshot: snap,
			res:      res,
			err:      execErr,
			started:  started,
		}
		select {
		case d.results <- result:
		case <-d.exited:
		}
	}()
}

func (d *driver) handleResult(res *stepResult) {
	if cur, ok := d.inflight[res.stepID]; ok && cur == res.attempt {
		delete(d.inflight, res.stepID)
	}
	rt := d.steps[res.stepID]
	if res.attempt != rt.attempts || rt.status != api.StepRunning {
		// Stale attempt; its result no longer applies.
		return
	}

	duration := d.eng.clock().Sub(res.started)

	if res.err != nil {
		if errors.Is(res.err, context.Canceled) {
			// Shutdown or cancellation race; drain handles the bookkeeping.
			rt.status = api.StepPending
			return
		}
		apiErr := api.AsError(res.err)
		if errors.Is(res.err, context.DeadlineExceeded) {
			apiErr = api.Transient(api.CodeTimeout, "step %s exceeded its deadline", res.stepID)
		}
		d.observeStep(rt, "error", duration)
		d.failOrRetry(rt, res.attempt, apiErr)
		return
	}

	switch res.res.Kind {
	case executor.ResultDone:
		if err := d.completeStep(rt, res.attempt, res.snapshot, res.res); err != nil {
			d.observeStep(rt, "failed", duration)
		} else {
			d.observeStep(rt, "done", duration)
		}
	case executor.ResultAwaitInput:
		rt.status = api.StepAwaitingInput
		rt.prompt = res.res.Prompt
		rt.expected = res.res.ExpectedKeys
		d.persistStepRow(rt, res.attempt, api.StepAwaitingInput, res.snapshot.Version, nil, nil)
		d.publish(events.EventStepAwaitingInput, rt.spec.ID, api.StepAwaitingInput, nil, map[string]interface{}{
			"prompt":        rt.prompt,
			"expected_keys": rt.expected,
		})
		d.observeStep(rt, "await", duration)
		if d.record.Status == api.ExecutionRunning {
			if err := d.transition(api.ExecutionPaused, nil); err != nil {
				d.logger.Error().Err(err).Msg("Pause transition failed")
			}
		}
	case executor.ResultSkipped:
		d.markSkipped(rt, res.attempt)
		d.observeStep(rt, "skipped", duration)
	case executor.ResultFailed:
		d.observeStep(rt, "failed", duration)
		d.failOrRetry(rt, res.attempt, res.res.Err)
	}
}

// failOrRetry re-queues a retryable failure while budget remains and
// fails the step otherwise.
func (d *driver) failOrRetry(rt *stepRuntime, attempt int, apiErr *api.Error) {
	if apiErr.Retryable && rt.attempts < rt.policy.MaxAttempts {
		d.persistStepRow(rt, attempt, api.StepFailed, 0, nil, apiErr)
		rt.status = api.StepPending
		rt.lastErr = apiErr
		rt.notBefore = d.eng.clock().Add(rt.policy.Delay(rt.attempts + 1))
		d.logger.Warn().
			Str("step_id", rt.spec.ID).
			Int("attempt", attempt).
			Str("code", string(apiErr.Code)).
			Msg("Step attempt failed, retrying")
		return
	}
	d.failStep(rt, attempt, apiErr)
}

// failStep marks the step FAILED and fails the execution.
func (d *driver) failStep(rt *stepRuntime, attempt int, apiErr *api.Error) {
	rt.status = api.StepFailed
	rt.lastErr = apiErr
	if attempt == 0 {
		attempt = 1
	}
	d.persistStepRow(rt, attempt, api.StepFailed, 0, nil, apiErr)
	d.publish(events.EventStepFailed, rt.spec.ID, api.StepFailed, apiErr, nil)
	d.logger.Error().
		Str("step_id", rt.spec.ID).
		Str("code", string(apiErr.Code)).
		Str("message", apiErr.Message).
		Msg("Step failed")
	if !d.record.Status.Terminal() {
		if err := d.transition(api.ExecutionFailed, apiErr); err != nil {
			d.logger.Error().Err(err).Msg("Failure transition failed")
		}
	}
}

// completeStep evaluates post-step validation rules, commits the delta
// conditionally, and finishes the step. A version conflict re-queues the
// step against a fresh snapshot while retry budget remains.
func (d *driver) completeStep(rt *stepRuntime, attempt int, snap contextstore.Snapshot, res *executor.Result) error {
	merged := snap.Data.Merge(res.Delta)
	for _, rule := range rt.spec.ValidationRules {
		passed, detail := executor.EvaluatePredicate(rule.Predicate, rule.Params, merged)
		if !passed {
			apiErr := api.E(api.CodeValidationFailed, "rule %s: %s", rule.Name, detail)
			d.failStep(rt, attempt, apiErr)
			return apiErr
		}
	}

	version, err := d.eng.contexts.Commit(context.Background(), d.record.ExecutionID, rt.spec.ID, res.Delta, snap.Version)
	if err != nil {
		if api.IsCode(err, api.CodeVersionConflict) {
			metricVersionConflicts.Inc()
			if rt.attempts < rt.policy.MaxAttempts {
				rt.status = api.StepPending
				rt.notBefore = d.eng.clock()
				d.logger.Debug().Str("step_id", rt.spec.ID).Msg("Commit lost version race, re-dispatching")
				return nil
			}
		}
		apiErr := api.AsError(err)
		d.failStep(rt, attempt, apiErr)
		return apiErr
	}
	metricContextCommits.Inc()

	rt.status = api.StepCompleted
	d.persistStepRow(rt, attempt, api.StepCompleted, snap.Version, res.Outputs, nil)

	now := d.eng.clock().UTC()
	d.record.ContextVersion = version
	d.record.UpdatedAt = now
	if err := d.eng.store.SaveExecution(context.Background(), d.record); err != nil {
		d.logger.Error().Err(err).Msg("Failed to persist execution version")
	}

	d.publish(events.EventContextCommitted, rt.spec.ID, "", nil, map[string]interface{}{
		"keys": res.Delta.Keys(),
	})
	d.publish(events.EventStepCompleted, rt.spec.ID, api.StepCompleted, nil, nil)
	d.maybeAutoResume()
	return nil
}

// handleInput runs an awaiting step with the provided input. Validation
// failures are returned to the caller and leave the step parked.
func (d *driver) handleInput(req *inputRequest) error {
	rt, ok := d.steps[req.stepID]
	if !ok {
		return api.E(api.CodeNotFound, "step %q not in workflow %s", req.stepID, d.record.WorkflowID)
	}
	if rt.status != api.StepAwaitingInput {
		return api.E(api.CodeValidationFailed, "step %s is %s, not awaiting input", req.stepID, rt.status)
	}

	exec, err := d.eng.executors.For(rt.spec.Kind)
	if err != nil {
		return api.AsError(err)
	}

	// The commit can lose a race against a concurrently completing step;
	// re-run against a fresh snapshot within the retry budget.
	for attempt := 0; ; attempt++ {
		snap, err := d.eng.contexts.Snapshot(context.Background(), d.record.ExecutionID)
		if err != nil {
			return api.AsError(err)
		}

		res, execErr := exec.Execute(context.Background(), &executor.Request{
			ExecutionID:   d.record.ExecutionID,
			WorkflowID:    d.record.WorkflowID,
			PrincipalID:   d.record.PrincipalID,
			Step:          rt.spec,
			Snapshot:      snap,
			Input:         req.input,
			Attempt:       rt.attempts,
			SensitiveKeys: d.sensitive,
		})
		if execErr != nil {
			return api.AsError(execErr)
		}

		switch res.Kind {
		case executor.ResultFailed:
			return res.Err
		case executor.ResultAwaitInput:
			return api.E(api.CodeValidationFailed,
				"input incomplete, still expecting %v", res.ExpectedKeys)
		case executor.ResultSkipped:
			d.markSkipped(rt, rt.attempts)
			d.maybeAutoResume()
			return nil
		case executor.ResultDone:
			rt.status = api.StepRunning
			if err := d.completeStep(rt, maxInt(rt.attempts, 1), snap, res); err != nil {
				return err
			}
			if rt.status == api.StepPending && attempt < rt.policy.MaxAttempts {
				continue // lost the version race, take a fresh snapshot
			}
			if rt.status != api.StepCompleted {
				return api.E(api.CodeVersionConflict,
					"input for step %s kept losing the version race", req.stepID)
			}
			return nil
		}
	}
}

func (d *driver) handleControl(req *controlRequest) error {
	switch req.action {
	case controlPause:
		d.pausedByUser = true
		if d.record.Status == api.ExecutionRunning {
			return d.transition(api.ExecutionPaused, nil)
		}
		return nil
	case controlResume:
		d.pausedByUser = false
		if d.record.Status == api.ExecutionPaused && !d.hasAwaiting() {
			return d.transition(api.ExecutionRunning, nil)
		}
		return nil
	case controlCancel:
		return d.transition(api.ExecutionCancelled, nil)
	case controlStop:
		d.stopped = true
		return nil
	default:
		return api.E(api.CodeInternal, "unknown control action")
	}
}

// drainInflight waits out in-flight executors after a terminal
// transition or shutdown. Results arriving after cancellation are
// dropped; steps that ignore the signal past the budget are written off
// with CancellationTimedOut.
func (d *driver) drainInflight() {
	d.cancelRun()
	if len(d.inflight) == 0 {
		return
	}
	budget := time.NewTimer(d.eng.config.CancelBudget)
	defer budget.Stop()

	for len(d.inflight) > 0 {
		select {
		case res := <-d.results:
			delete(d.inflight, res.stepID)
			rt := d.steps[res.stepID]
			if !d.stopped && !rt.status.Terminal() {
				d.markSkipped(rt, res.attempt)
			}
		case req := <-d.inputs:
			req.reply <- d.drainRejection()
		case req := <-d.controls:
			req.reply <- d.drainRejection()
		case <-budget.C:
			for stepID := range d.inflight {
				rt := d.steps[stepID]
				delete(d.inflight, stepID)
				if d.stopped || rt.status.Terminal() {
					continue
				}
				apiErr := api.E(api.CodeCancellationTimedOut,
					"step %s did not honour cancellation", stepID)
				rt.status = api.StepFailed
				d.persistStepRow(rt, rt.attempts, api.StepFailed, 0, nil, apiErr)
				d.publish(events.EventStepFailed, stepID, api.StepFailed, apiErr, nil)
			}
			return
		}
	}
}

// transition moves the execution status, persisting before publishing.
// Terminal states are write-once.
func (d *driver) transition(to api.ExecutionState, cause *api.Error) error {
	from := d.record.Status
	if from.Terminal() {
		return api.E(api.CodeTerminalState, "execution %s is %s", d.record.ExecutionID, from)
	}
	if !canTransitionExecution(from, to) {
		return api.E(api.CodeInternal, "illegal transition %s -> %s", from, to)
	}

	prev := *d.record
	now := d.eng.clock().UTC()
	d.record.Status = to
	d.record.UpdatedAt = now
	if to.Terminal() {
		d.record.CompletedAt = &now
		d.record.Error = cause
	}
	if err := d.eng.store.SaveExecution(context.Background(), d.record); err != nil {
		*d.record = prev
		return api.AsError(err)
	}

	d.publish(events.EventStatusChanged, "", "", cause, nil)
	d.logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Execution status changed")

	if to.Terminal() {
		metricExecutionsFinished.WithLabelValues(string(to)).Inc()
		d.cancelRun()
	}
	return nil
}

func (d *driver) maybeAutoResume() {
	if d.record.Status == api.ExecutionPaused && !d.pausedByUser && !d.hasAwaiting() {
		if err := d.transition(api.ExecutionRunning, nil); err != nil {
			d.logger.Error().Err(err).Msg("Auto-resume failed")
		}
	}
}

func (d *driver) hasAwaiting() bool {
	for _, rt := range d.steps {
		if rt.status == api.StepAwaitingInput {
			return true
		}
	}
	return false
}

func (d *driver) markSkipped(rt *stepRuntime, attempt int) {
	rt.status = api.StepSkipped
	if attempt == 0 {
		attempt = 1
	}
	d.persistStepRow(rt, attempt, api.StepSkipped, 0, nil, nil)
}

func (d *driver) persistStepRow(rt *stepRuntime, attempt int, status api.StepState, inputVersion int64, outputs map[string]interface{}, stepErr *api.Error) {
	now := d.eng.clock().UTC()
	started := rt.startedAt
	if started.IsZero() {
		started = now
	}
	row := &store.StepExecutionRecord{
		ExecutionID:  d.record.ExecutionID,
		StepID:       rt.spec.ID,
		Attempt:      attempt,
		Status:       status,
		StartedAt:    started,
		InputVersion: inputVersion,
		Output:       outputs,
		Error:        stepErr,
	}
	if status.Terminal() {
		row.FinishedAt = &now
		row.DurationMS = now.Sub(started).Milliseconds()
	}
	if err := d.eng.store.SaveStepExecution(context.Background(), row); err != nil {
		d.logger.Error().Err(err).Str("step_id", rt.spec.ID).Msg("Failed to persist step execution")
	}
}

func (d *driver) publish(kind events.EventKind, stepID string, stepStatus api.StepState, cause *api.Error, payload map[string]interface{}) {
	d.eng.broker.publish(events.StreamEvent{
		ExecutionID: d.record.ExecutionID,
		Version:     d.record.ContextVersion,
		Kind:        kind,
		Timestamp:   d.eng.clock().UTC(),
		StepID:      stepID,
		Status:      d.record.Status,
		StepStatus:  stepStatus,
		Error:       cause,
		Payload:     payload,
	})
}

func (d *driver) observeStep(rt *stepRuntime, outcome string, duration time.Duration) {
	metricStepDuration.WithLabelValues(string(rt.spec.Kind), outcome).Observe(duration.Seconds())
}

// updateCurrent refreshes the lock-free summary of in-flight and
// awaiting steps consumed by status calls.
func (d *driver) updateCurrent() {
	var out []api.CurrentStep
	for _, spec := range d.order {
		rt := d.steps[spec.ID]
		if rt.status == api.StepRunning || rt.status == api.StepAwaitingInput {
			out = append(out, api.CurrentStep{StepID: spec.ID, Status: rt.status})
		}
	}
	d.current.Store(out)
}

// currentSteps reports in-flight and awaiting steps for status
// summaries. The view lags the driver loop by at most one iteration.
func (d *driver) currentSteps() []api.CurrentStep {
	out, _ := d.current.Load().([]api.CurrentStep)
	return out
}

// provideInput routes a ProvideStepInput call onto the driver goroutine.
func (d *driver) provideInput(ctx context.Context, stepID string, input map[string]interface{}) error {
	req := &inputRequest{stepID: stepID, input: input, reply: make(chan error, 1)}
	select {
	case d.inputs <- req:
	case <-d.done:
		return d.inactiveErr(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// control routes a pause/resume/cancel/stop onto the driver goroutine.
func (d *driver) control(ctx context.Context, action controlAction) error {
	req := &controlRequest{action: action, reply: make(chan error, 1)}
	select {
	case d.controls <- req:
	case <-d.done:
		if action == controlStop {
			return nil
		}
		return d.inactiveErr(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop shuts the driver down without cancelling the execution.
func (d *driver) stop(ctx context.Context) {
	if err := d.control(ctx, controlStop); err != nil {
		return
	}
	select {
	case <-d.done:
	case <-ctx.Done():
	}
}

// drainRejection is the error returned to boundary calls arriving while
// the driver winds down.
func (d *driver) drainRejection() error {
	if d.stopped && !d.record.Status.Terminal() {
		return api.E(api.CodeInternal, "engine is shutting down")
	}
	return api.E(api.CodeTerminalState, "execution %s is %s", d.record.ExecutionID, d.record.Status)
}

// inactiveErr reports why a boundary call found no live driver.
func (d *driver) inactiveErr(ctx context.Context) error {
	record, err := d.eng.store.GetExecution(ctx, d.record.ExecutionID)
	if err != nil {
		return err
	}
	if record.Status.Terminal() {
		return api.E(api.CodeTerminalState, "execution %s is %s", record.ExecutionID, record.Status)
	}
	return api.E(api.CodeInternal, "execution %s has no active driver", record.ExecutionID)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
