package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfin/meridian/internal/contextstore"
	"github.com/meridianfin/meridian/internal/executor"
	"github.com/meridianfin/meridian/internal/marketdata"
	"github.com/meridianfin/meridian/internal/provider"
	"github.com/meridianfin/meridian/internal/step"
	"github.com/meridianfin/meridian/internal/store"
	_ "github.com/meridianfin/meridian/internal/testhelper"
	"github.com/meridianfin/meridian/internal/value"
	"github.com/meridianfin/meridian/internal/workflow"
	"github.com/meridianfin/meridian/pkg/api"
	"github.com/meridianfin/meridian/pkg/events"
)

func fastConfig() *Config {
	return &Config{
		MaxParallelism:    4,
		GlobalParallelism: 16,
		Retry: RetryPolicy{
			MaxAttempts: 2,
			BackoffBase: time.Millisecond,
			BackoffCap:  5 * time.Millisecond,
		},
		StepDeadline: 5 * time.Second,
		CancelBudget: time.Second,
		Retention:    time.Hour,
	}
}

func testEngine(t *testing.T, config *Config, st store.Store, ai *provider.MockProvider) *Engine {
	t.Helper()
	providers := provider.NewRegistry(0, 0)
	require.NoError(t, providers.Register(ai))
	eng := New(config, st, step.NewLibrary(), executor.NewRegistry(providers, marketdata.NewMockSource()))
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return eng
}

func setValuesStep(id string, deps []string, values map[string]interface{}) *workflow.StepSpec {
	return &workflow.StepSpec{
		ID:   id,
		Name: id,
		Kind: workflow.KindAutomated,
		Config: map[string]interface{}{
			"operation": "set_values",
			"params":    map[string]interface{}{"values": values},
		},
		Dependencies: deps,
	}
}

func linearDef(id string) *workflow.Definition {
	return &workflow.Definition{
		ID:   id,
		Name: "Linear",
		Steps: []*workflow.StepSpec{
			setValuesStep("collect", nil, map[string]interface{}{"stage": "collected"}),
			setValuesStep("verify", []string{"collect"}, map[string]interface{}{"verified": true}),
		},
		EntryPoints: []string{"collect"},
		ExitPoints:  []string{"verify"},
	}
}

func decisionDef(id string) *workflow.Definition {
	return &workflow.Definition{
		ID:   id,
		Name: "Risk Profile",
		Steps: []*workflow.StepSpec{
			{
				ID:   "decide",
				Name: "decide",
				Kind: workflow.KindDecision,
				Config: map[string]interface{}{
					"inputType": "single",
					"options":   []interface{}{"conservative", "balanced", "aggressive"},
				},
			},
			setValuesStep("after", []string{"decide"}, map[string]interface{}{"done": true}),
		},
		EntryPoints: []string{"decide"},
		ExitPoints:  []string{"after"},
	}
}

func register(t *testing.T, eng *Engine, def *workflow.Definition) string {
	t.Helper()
	id, _, err := eng.RegisterWorkflow(context.Background(), def)
	require.NoError(t, err)
	return id
}

func start(t *testing.T, eng *Engine, workflowID string, initial map[string]interface{}) string {
	t.Helper()
	execID, err := eng.StartExecution(context.Background(), &StartRequest{
		WorkflowID:     workflowID,
		PrincipalID:    "advisor-7",
		SessionID:      "sess-1",
		InitialContext: initial,
	})
	require.NoError(t, err)
	return execID
}

// stream subscribes from before the first event so nothing is missed.
func stream(t *testing.T, eng *Engine, executionID string) <-chan events.StreamEvent {
	t.Helper()
	ch, cancel, err := eng.Stream(context.Background(), executionID, -1)
	require.NoError(t, err)
	t.Cleanup(cancel)
	return ch
}

func awaitEvent(t *testing.T, ch <-chan events.StreamEvent, kind events.EventKind) events.StreamEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed before %s", kind)
			}
			if event.Kind == kind {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func awaitTerminal(t *testing.T, ch <-chan events.StreamEvent) api.ExecutionState {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				t.Fatal("stream closed before terminal event")
			}
			if event.Kind == events.EventStatusChanged && event.Status.Terminal() {
				return event.Status
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func contextCommit(executionID string, version int64, stepID string, delta value.Map) contextstore.Commit {
	return contextstore.Commit{
		ExecutionID: executionID,
		Version:     version,
		StepID:      stepID,
		Delta:       delta,
		CommittedAt: time.Now().UTC(),
	}
}

func TestRegisterWorkflowAssignsVersions(t *testing.T) {
	st := store.NewMemoryStore()
	eng := testEngine(t, fastConfig(), st, provider.NewMockProvider("mock"))

	id, version, err := eng.RegisterWorkflow(context.Background(), linearDef("onboarding"))
	require.NoError(t, err)
	assert.Equal(t, "onboarding", id)
	assert.Equal(t, 1, version)

	_, version, err = eng.RegisterWorkflow(context.Background(), linearDef("onboarding"))
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	summaries, err := eng.ListWorkflows(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].Version)
}

func TestRegisterWorkflowRejectsInvalidGraph(t *testing.T) {
	st := store.NewMemoryStore()
	eng := testEngine(t, fastConfig(), st, provider.NewMockProvider("mock"))

	def := linearDef("cyclic")
	def.Steps[0].Dependencies = []string{"verify"}
	def.EntryPoints = nil

	_, _, err := eng.RegisterWorkflow(context.Background(), def)
	require.Error(t, err)

	// validation failures persist nothing
	_, err = eng.GetWorkflow(context.Background(), "cyclic", 0)
	assert.True(t, api.IsCode(err, api.CodeNotFound))
}

func TestRegisterWorkflowRejectsBadStepConfig(t *testing.T) {
	st := store.NewMemoryStore()
	eng := testEngine(t, fastConfig(), st, provider.NewMockProvider("mock"))

	def := decisionDef("bad-config")
	def.Steps[0].Config["inputType"] = "telepathy"

	_, _, err := eng.RegisterWorkflow(context.Background(), def)
	assert.True(t, api.IsCode(err, api.CodeIncompatibleStepConfig), "got %v", err)
}

func TestLinearExecutionCompletes(t *testing.T) {
	st := store.NewMemoryStore()
	eng := testEngine(t, fastConfig(), st, provider.NewMockProvider("mock"))
	id := register(t, eng, linearDef("onboarding"))

	execID := start(t, eng, id, map[string]interface{}{"account_type": "ira"})
	ch := stream(t, eng, execID)
	assert.Equal(t, api.ExecutionCompleted, awaitTerminal(t, ch))

	status, err := eng.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionCompleted, status.Status)
	assert.Equal(t, int64(3), status.Version, "initial context plus one commit per step")
	assert.NotNil(t, status.CompletedAt)
	assert.Empty(t, status.CurrentSteps)

	commits, err := st.ListCommits(context.Background(), execID)
	require.NoError(t, err)
	require.Len(t, commits, 3)
	assert.Equal(t, "__start__", commits[0].StepID)
	assert.True(t, commits[0].Delta["account_type"].Equal(value.String("ira")))
}

func TestStartExecutionUnknownWorkflow(t *testing.T) {
	st := store.NewMemoryStore()
	eng := testEngine(t, fastConfig(), st, provider.NewMockProvider("mock"))

	_, err := eng.StartExecution(context.Background(), &StartRequest{WorkflowID: "missing"})
	assert.True(t, api.IsCode(err, api.CodeNotFound))
}

func TestDecisionFlow(t *testing.T) {
	st := store.NewMemoryStore()
	eng := testEngine(t, fastConfig(), st, provider.NewMockProvider("mock"))
	id := register(t, eng, decisionDef("risk-profile"))

	execID := start(t, eng, id, nil)
	ch := stream(t, eng, execID)

	event := awaitEvent(t, ch, events.EventStepAwaitingInput)
	assert.Equal(t, "decide", event.StepID)

	assert.Eventually(t, func() bool {
		status, err := eng.GetExecution(context.Background(), execID)
		return err == nil && status.Status == api.ExecutionPaused
	}, 5*time.Second, 10*time.Millisecond, "execution should pause while awaiting input")

	assert.Eventually(t, func() bool {
		status, err := eng.GetExecution(context.Background(), execID)
		if err != nil || len(status.CurrentSteps) != 1 {
			return false
		}
		return status.CurrentSteps[0].StepID == "decide" &&
			status.CurrentSteps[0].Status == api.StepAwaitingInput
	}, 5*time.Second, 10*time.Millisecond)

	// invalid input is rejected and leaves the step parked
	err := eng.ProvideStepInput(context.Background(), execID, "decide",
		map[string]interface{}{"chosen": "reckless"})
	require.Error(t, err)
	assert.True(t, api.IsCode(err, api.CodeValidationFailed))

	err = eng.ProvideStepInput(context.Background(), execID, "decide",
		map[string]interface{}{"chosen": "balanced"})
	require.NoError(t, err)

	assert.Equal(t, api.ExecutionCompleted, awaitTerminal(t, ch))

	commits, err := st.ListCommits(context.Background(), execID)
	require.NoError(t, err)
	require.NotEmpty(t, commits)
	assert.True(t, commits[0].Delta["decision_decide"].Equal(value.String("balanced")))
}

func TestProvideInputUnknownStep(t *testing.T) {
	st := store.NewMemoryStore()
	eng := testEngine(t, fastConfig(), st, provider.NewMockProvider("mock"))
	id := register(t, eng, decisionDef("risk-profile"))

	execID := start(t, eng, id, nil)
	ch := stream(t, eng, execID)
	awaitEvent(t, ch, events.EventStepAwaitingInput)

	err := eng.ProvideStepInput(context.Background(), execID, "nonexistent",
		map[string]interface{}{"chosen": "balanced"})
	assert.True(t, api.IsCode(err, api.CodeNotFound))
}

func TestExplicitPauseHoldsAfterInput(t *testing.T) {
	st := store.NewMemoryStore()
	eng := testEngine(t, fastConfig(), st, provider.NewMockProvider("mock"))
	id := register(t, eng, decisionDef("risk-profile"))

	execID := start(t, eng, id, nil)
	ch := stream(t, eng, execID)
	awaitEvent(t, ch, events.EventStepAwaitingInput)

	require.NoError(t, eng.Pause(context.Background(), execID))

	// the decision completes, but the explicit pause holds the execution
	require.NoError(t, eng.ProvideStepInput(context.Background(), execID, "decide",
		map[string]interface{}{"chosen": "conservative"}))

	status, err := eng.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionPaused, status.Status)

	require.NoError(t, eng.Resume(context.Background(), execID))
	assert.Equal(t, api.ExecutionCompleted, awaitTerminal(t, ch))
}

func TestAIFailureExhaustsRetryBudget(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	mock.SetDefaultResponse("I would suggest a balanced portfolio.")

	st := store.NewMemoryStore()
	eng := testEngine(t, fastConfig(), st, mock)

	def := &workflow.Definition{
		ID:   "ai-allocation",
		Name: "Allocation",
		Steps: []*workflow.StepSpec{
			{
				ID:   "propose",
				Name: "propose",
				Kind: workflow.KindAIGenerated,
				Config: map[string]interface{}{
					"response_schema": map[string]interface{}{
						"type":     "object",
						"required": []interface{}{"allocation"},
					},
				},
				AIPrompt: "Propose a target allocation.",
			},
		},
		EntryPoints: []string{"propose"},
		ExitPoints:  []string{"propose"},
	}
	id := register(t, eng, def)

	execID := start(t, eng, id, nil)
	ch := stream(t, eng, execID)
	assert.Equal(t, api.ExecutionFailed, awaitTerminal(t, ch))

	status, err := eng.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	require.NotNil(t, status.Error)
	assert.Equal(t, api.CodeAIResponseInvalid, status.Error.Code)
	assert.Len(t, mock.Calls(), 2, "one call per attempt in the retry budget")
}

func TestCancelExecution(t *testing.T) {
	st := store.NewMemoryStore()
	eng := testEngine(t, fastConfig(), st, provider.NewMockProvider("mock"))

	def := &workflow.Definition{
		ID:   "slow",
		Name: "Slow",
		Steps: []*workflow.StepSpec{
			{
				ID:   "wait",
				Name: "wait",
				Kind: workflow.KindAutomated,
				Config: map[string]interface{}{
					"operation": "sleep",
					"params":    map[string]interface{}{"duration_ms": 60_000},
				},
			},
		},
		EntryPoints: []string{"wait"},
		ExitPoints:  []string{"wait"},
	}
	id := register(t, eng, def)

	execID := start(t, eng, id, nil)
	ch := stream(t, eng, execID)
	awaitEvent(t, ch, events.EventStepStarted)

	require.NoError(t, eng.Cancel(context.Background(), execID))
	assert.Equal(t, api.ExecutionCancelled, awaitTerminal(t, ch))

	assert.Eventually(t, func() bool {
		status, err := eng.GetExecution(context.Background(), execID)
		return err == nil && status.Status == api.ExecutionCancelled
	}, 5*time.Second, 10*time.Millisecond)

	// terminal states are write-once
	err := eng.Pause(context.Background(), execID)
	assert.True(t, api.IsCode(err, api.CodeTerminalState), "got %v", err)
	err = eng.ProvideStepInput(context.Background(), execID, "wait", map[string]interface{}{"x": 1})
	assert.True(t, api.IsCode(err, api.CodeTerminalState), "got %v", err)
}

func TestRecoverResumesAwaitingStep(t *testing.T) {
	st := store.NewMemoryStore()

	first := testEngine(t, fastConfig(), st, provider.NewMockProvider("mock"))
	id := register(t, first, decisionDef("risk-profile"))
	execID := start(t, first, id, nil)
	awaitEvent(t, stream(t, first, execID), events.EventStepAwaitingInput)
	require.NoError(t, first.Close(context.Background()))

	// a fresh engine over the same store picks the execution back up
	second := testEngine(t, fastConfig(), st, provider.NewMockProvider("mock"))
	require.NoError(t, second.Recover(context.Background()))

	status, err := second.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionPaused, status.Status)

	ch := stream(t, second, execID)
	require.NoError(t, second.ProvideStepInput(context.Background(), execID, "decide",
		map[string]interface{}{"chosen": "aggressive"}))
	assert.Equal(t, api.ExecutionCompleted, awaitTerminal(t, ch))
}

func TestRecoverReconcilesCommittedStep(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	eng := testEngine(t, fastConfig(), st, provider.NewMockProvider("mock"))
	register(t, eng, linearDef("onboarding"))

	// simulate a crash after the first step committed but before its row
	// was finalized
	now := time.Now().UTC()
	require.NoError(t, st.SaveExecution(ctx, &store.ExecutionRecord{
		ExecutionID:     "exec-crashed",
		WorkflowID:      "onboarding",
		WorkflowVersion: 1,
		PrincipalID:     "advisor-7",
		Status:          api.ExecutionRunning,
		ContextVersion:  1,
		StartedAt:       now,
		UpdatedAt:       now,
	}))
	require.NoError(t, st.SaveStepExecution(ctx, &store.StepExecutionRecord{
		ExecutionID: "exec-crashed",
		StepID:      "collect",
		Attempt:     1,
		Status:      api.StepRunning,
		StartedAt:   now,
	}))
	require.NoError(t, st.AppendCommit(ctx, contextCommit("exec-crashed", 1, "collect",
		value.Map{"stage": value.String("collected")})))

	require.NoError(t, eng.Recover(ctx))

	assert.Eventually(t, func() bool {
		status, err := eng.GetExecution(ctx, "exec-crashed")
		return err == nil && status.Status == api.ExecutionCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// the committed step was not re-executed
	commits, err := st.ListCommits(ctx, "exec-crashed")
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "collect", commits[0].StepID)
	assert.Equal(t, "verify", commits[1].StepID)
}

func TestRecoverRetriesFailedStepWithBudget(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	eng := testEngine(t, fastConfig(), st, provider.NewMockProvider("mock"))
	register(t, eng, linearDef("onboarding"))

	// simulate a crash after verify's first attempt failed transiently
	// but before the in-memory retry could run
	now := time.Now().UTC()
	require.NoError(t, st.SaveExecution(ctx, &store.ExecutionRecord{
		ExecutionID:     "exec-retry",
		WorkflowID:      "onboarding",
		WorkflowVersion: 1,
		PrincipalID:     "advisor-7",
		Status:          api.ExecutionRunning,
		ContextVersion:  1,
		StartedAt:       now,
		UpdatedAt:       now,
	}))
	require.NoError(t, st.SaveStepExecution(ctx, &store.StepExecutionRecord{
		ExecutionID: "exec-retry",
		StepID:      "collect",
		Attempt:     1,
		Status:      api.StepCompleted,
		StartedAt:   now,
	}))
	require.NoError(t, st.AppendCommit(ctx, contextCommit("exec-retry", 1, "collect",
		value.Map{"stage": value.String("collected")})))
	require.NoError(t, st.SaveStepExecution(ctx, &store.StepExecutionRecord{
		ExecutionID: "exec-retry",
		StepID:      "verify",
		Attempt:     1,
		Status:      api.StepFailed,
		StartedAt:   now,
		Error:       api.Transient(api.CodeTimeout, "step verify exceeded its deadline"),
	}))

	require.NoError(t, eng.Recover(ctx))

	// the failed attempt had budget left, so recovery re-runs it
	assert.Eventually(t, func() bool {
		status, err := eng.GetExecution(ctx, "exec-retry")
		return err == nil && status.Status == api.ExecutionCompleted
	}, 5*time.Second, 10*time.Millisecond)

	commits, err := st.ListCommits(ctx, "exec-retry")
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "verify", commits[1].StepID)
}

func TestRecoverKeepsExhaustedFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	eng := testEngine(t, fastConfig(), st, provider.NewMockProvider("mock"))
	register(t, eng, linearDef("onboarding"))

	now := time.Now().UTC()
	require.NoError(t, st.SaveExecution(ctx, &store.ExecutionRecord{
		ExecutionID:     "exec-exhausted",
		WorkflowID:      "onboarding",
		WorkflowVersion: 1,
		PrincipalID:     "advisor-7",
		Status:          api.ExecutionRunning,
		ContextVersion:  1,
		StartedAt:       now,
		UpdatedAt:       now,
	}))
	require.NoError(t, st.SaveStepExecution(ctx, &store.StepExecutionRecord{
		ExecutionID: "exec-exhausted",
		StepID:      "collect",
		Attempt:     1,
		Status:      api.StepCompleted,
		StartedAt:   now,
	}))
	require.NoError(t, st.AppendCommit(ctx, contextCommit("exec-exhausted", 1, "collect",
		value.Map{"stage": value.String("collected")})))
	require.NoError(t, st.SaveStepExecution(ctx, &store.StepExecutionRecord{
		ExecutionID: "exec-exhausted",
		StepID:      "verify",
		Attempt:     2,
		Status:      api.StepFailed,
		StartedAt:   now,
		Error:       api.Transient(api.CodeTimeout, "step verify exceeded its deadline"),
	}))

	require.NoError(t, eng.Recover(ctx))

	// no budget left: the execution fails, carrying the step's error
	assert.Eventually(t, func() bool {
		status, err := eng.GetExecution(ctx, "exec-exhausted")
		return err == nil && status.Status == api.ExecutionFailed
	}, 5*time.Second, 10*time.Millisecond)

	status, err := eng.GetExecution(ctx, "exec-exhausted")
	require.NoError(t, err)
	require.NotNil(t, status.Error)
	assert.Equal(t, api.CodeTimeout, status.Error.Code)

	commits, err := st.ListCommits(ctx, "exec-exhausted")
	require.NoError(t, err)
	assert.Len(t, commits, 1, "verify must not re-run")
}

func TestOverlappingWritersSerialize(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	eng := testEngine(t, fastConfig(), st, provider.NewMockProvider("mock"))

	// two independent entry steps declaring the same output key
	def := &workflow.Definition{
		ID:   "shared-key",
		Name: "Shared Key",
		Steps: []*workflow.StepSpec{
			setValuesStep("left", nil, map[string]interface{}{"shared": "left"}),
			setValuesStep("right", nil, map[string]interface{}{"shared": "right"}),
		},
		EntryPoints: []string{"left", "right"},
		ExitPoints:  []string{"left", "right"},
	}
	id := register(t, eng, def)

	execID := start(t, eng, id, nil)
	assert.Equal(t, api.ExecutionCompleted, awaitTerminal(t, stream(t, eng, execID)))

	// serialization means neither writer ever lost a version race
	rows, err := st.ListStepExecutions(ctx, execID)
	require.NoError(t, err)
	maxAttempt := map[string]int{}
	for _, row := range rows {
		if row.Attempt > maxAttempt[row.StepID] {
			maxAttempt[row.StepID] = row.Attempt
		}
	}
	assert.Equal(t, 1, maxAttempt["left"])
	assert.Equal(t, 1, maxAttempt["right"])

	commits, err := st.ListCommits(ctx, execID)
	require.NoError(t, err)
	assert.Len(t, commits, 2)
}

func TestCommitVersionRaceRequeues(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	eng := testEngine(t, fastConfig(), st, provider.NewMockProvider("mock"))

	// distinct output keys, so both steps dispatch against the same
	// snapshot; the second commit loses the version race and re-runs
	def := &workflow.Definition{
		ID:   "race",
		Name: "Race",
		Steps: []*workflow.StepSpec{
			setValuesStep("alpha", nil, map[string]interface{}{"a": 1}),
			setValuesStep("beta", nil, map[string]interface{}{"b": 2}),
		},
		EntryPoints: []string{"alpha", "beta"},
		ExitPoints:  []string{"alpha", "beta"},
	}
	id := register(t, eng, def)

	execID := start(t, eng, id, nil)
	assert.Equal(t, api.ExecutionCompleted, awaitTerminal(t, stream(t, eng, execID)))

	commits, err := st.ListCommits(ctx, execID)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	merged := value.Map{}
	for _, commit := range commits {
		merged = merged.Merge(commit.Delta)
	}
	assert.True(t, merged["a"].Equal(value.Int(1)))
	assert.True(t, merged["b"].Equal(value.Int(2)))

	rows, err := st.ListStepExecutions(ctx, execID)
	require.NoError(t, err)
	maxAttempt := map[string]int{}
	for _, row := range rows {
		if row.Attempt > maxAttempt[row.StepID] {
			maxAttempt[row.StepID] = row.Attempt
		}
	}
	assert.Equal(t, 3, maxAttempt["alpha"]+maxAttempt["beta"],
		"exactly one writer re-ran after losing the version race")
}

func TestStepDeadlineTimesOutStep(t *testing.T) {
	ctx := context.Background()
	config := fastConfig()
	config.StepDeadline = 50 * time.Millisecond

	st := store.NewMemoryStore()
	eng := testEngine(t, config, st, provider.NewMockProvider("mock"))

	def := &workflow.Definition{
		ID:   "slow",
		Name: "Slow",
		Steps: []*workflow.StepSpec{
			{
				ID:   "wait",
				Name: "wait",
				Kind: workflow.KindAutomated,
				Config: map[string]interface{}{
					"operation": "sleep",
					"params":    map[string]interface{}{"duration_ms": 10_000},
				},
			},
		},
		EntryPoints: []string{"wait"},
		ExitPoints:  []string{"wait"},
	}
	id := register(t, eng, def)

	execID := start(t, eng, id, nil)
	assert.Equal(t, api.ExecutionFailed, awaitTerminal(t, stream(t, eng, execID)))

	status, err := eng.GetExecution(ctx, execID)
	require.NoError(t, err)
	require.NotNil(t, status.Error)
	assert.Equal(t, api.CodeTimeout, status.Error.Code)

	// the timeout is transient, so the full retry budget was spent
	rows, err := st.ListStepExecutions(ctx, execID)
	require.NoError(t, err)
	failed := 0
	for _, row := range rows {
		if row.Status == api.StepFailed {
			failed++
		}
	}
	assert.Equal(t, 2, failed, "one failed row per attempt")
}

func TestStreamReplayFromCursor(t *testing.T) {
	st := store.NewMemoryStore()
	eng := testEngine(t, fastConfig(), st, provider.NewMockProvider("mock"))
	id := register(t, eng, linearDef("onboarding"))

	execID := start(t, eng, id, nil)
	awaitTerminal(t, stream(t, eng, execID))

	// a late subscriber replays only events past its cursor
	ch, cancel, err := eng.Stream(context.Background(), execID, 1)
	require.NoError(t, err)
	defer cancel()

	seen := map[events.EventKind]bool{}
	for {
		select {
		case event := <-ch:
			assert.Greater(t, event.Version, int64(1))
			seen[event.Kind] = true
			if event.Kind == events.EventStatusChanged && event.Status.Terminal() {
				assert.True(t, seen[events.EventStepCompleted])
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out replaying stream")
		}
	}
}

func TestStreamUnknownExecution(t *testing.T) {
	st := store.NewMemoryStore()
	eng := testEngine(t, fastConfig(), st, provider.NewMockProvider("mock"))

	_, _, err := eng.Stream(context.Background(), "missing", 0)
	assert.True(t, api.IsCode(err, api.CodeNotFound))
}

func TestListExecutionsFilter(t *testing.T) {
	st := store.NewMemoryStore()
	eng := testEngine(t, fastConfig(), st, provider.NewMockProvider("mock"))
	id := register(t, eng, linearDef("onboarding"))

	first := start(t, eng, id, nil)
	second := start(t, eng, id, nil)
	awaitTerminal(t, stream(t, eng, first))
	awaitTerminal(t, stream(t, eng, second))

	all, err := eng.ListExecutions(context.Background(), store.ExecutionFilter{WorkflowID: id})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	completed, err := eng.ListExecutions(context.Background(), store.ExecutionFilter{
		Statuses: []api.ExecutionState{api.ExecutionCompleted},
	})
	require.NoError(t, err)
	assert.Len(t, completed, 2)
}

func TestPurgeRemovesOldTerminatedExecutions(t *testing.T) {
	st := store.NewMemoryStore()
	eng := testEngine(t, fastConfig(), st, provider.NewMockProvider("mock"))
	id := register(t, eng, linearDef("onboarding"))

	execID := start(t, eng, id, nil)
	awaitTerminal(t, stream(t, eng, execID))

	eng.broker.mu.Lock()
	_, tracked := eng.broker.history[execID]
	eng.broker.mu.Unlock()
	require.True(t, tracked, "finished execution keeps its event history until purged")

	purged, err := eng.Purge(context.Background(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = eng.GetExecution(context.Background(), execID)
	assert.True(t, api.IsCode(err, api.CodeNotFound))

	// purge also drops the event history and detaches subscribers
	eng.broker.mu.Lock()
	_, tracked = eng.broker.history[execID]
	subs := len(eng.broker.subs[execID])
	eng.broker.mu.Unlock()
	assert.False(t, tracked)
	assert.Zero(t, subs)
}
