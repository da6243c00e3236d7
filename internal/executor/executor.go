// Package executor contains the built-in step executors. An executor is
// a pure function from a step spec, a context snapshot, and optional
// caller input to a result; all side effects (context commits, status
// transitions, events) belong to the engine.
package executor

import (
	"context"

	"github.com/meridianfin/meridian/internal/contextstore"
	"github.com/meridianfin/meridian/internal/marketdata"
	"github.com/meridianfin/meridian/internal/provider"
	"github.com/meridianfin/meridian/internal/value"
	"github.com/meridianfin/meridian/internal/workflow"
	"github.com/meridianfin/meridian/pkg/api"
)

// Request is everything an executor may consult for one attempt.
type Request struct {
	ExecutionID string
	WorkflowID  string
	PrincipalID string

	Step     *workflow.StepSpec
	Snapshot contextstore.Snapshot

	// Input is the payload from ProvideStepInput, nil when the caller has
	// not supplied input yet.
	Input map[string]interface{}

	Attempt int

	// SensitiveKeys are context keys that must never leave the process in
	// an AI prompt.
	SensitiveKeys []string
}

// ResultKind discriminates executor outcomes.
type ResultKind int

const (
	// ResultDone means the step finished; Delta carries the context
	// writes to commit.
	ResultDone ResultKind = iota

	// ResultAwaitInput means the step needs caller input before it can
	// make progress.
	ResultAwaitInput

	// ResultFailed means the attempt failed with a typed error.
	ResultFailed

	// ResultSkipped means the executor determined the step does not
	// apply; the scheduler marks it SKIPPED without a commit.
	ResultSkipped
)

// Result is the outcome of one executor attempt.
type Result struct {
	Kind ResultKind

	// Delta is the context delta to commit when Kind is ResultDone.
	Delta value.Map

	// Outputs is recorded on the step execution row for audit.
	Outputs map[string]interface{}

	// Prompt and ExpectedKeys describe what the caller must supply when
	// Kind is ResultAwaitInput.
	Prompt       string
	ExpectedKeys []string

	// Err is set when Kind is ResultFailed.
	Err *api.Error
}

// Done builds a completed result.
func Done(delta value.Map, outputs map[string]interface{}) *Result {
	return &Result{Kind: ResultDone, Delta: delta, Outputs: outputs}
}

// AwaitInput builds a result that parks the step until input arrives.
func AwaitInput(prompt string, keys ...string) *Result {
	return &Result{Kind: ResultAwaitInput, Prompt: prompt, ExpectedKeys: keys}
}

// Failed builds a failed result from a typed error.
func Failed(err error) *Result {
	return &Result{Kind: ResultFailed, Err: api.AsError(err)}
}

// Skipped builds a skipped result.
func Skipped(reason string) *Result {
	return &Result{Kind: ResultSkipped, Outputs: map[string]interface{}{"reason": reason}}
}

// Executor runs attempts for one step kind.
type Executor interface {
	Kind() workflow.StepKind
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Registry maps step kinds to executors.
type Registry struct {
	executors map[workflow.StepKind]Executor
}

// NewRegistry wires the six built-in executors over the given provider
// registry and market data source.
func NewRegistry(providers *provider.Registry, source marketdata.Source) *Registry {
	r := &Registry{executors: make(map[workflow.StepKind]Executor)}
	for _, e := range []Executor{
		&DataCollectionExecutor{},
		&DecisionExecutor{},
		&ValidationExecutor{},
		&InteractionExecutor{},
		NewAIExecutor(providers),
		NewAutomatedExecutor(source),
	} {
		r.executors[e.Kind()] = e
	}
	return r
}

// Register adds an executor for a custom kind.
func (r *Registry) Register(e Executor) error {
	if _, exists := r.executors[e.Kind()]; exists {
		return api.E(api.CodeInternal, "executor for kind %s already registered", e.Kind())
	}
	r.executors[e.Kind()] = e
	return nil
}

// For resolves the executor for a kind.
func (r *Registry) For(kind workflow.StepKind) (Executor, error) {
	e, ok := r.executors[kind]
	if !ok {
		return nil, api.E(api.CodeUnknownStepKind, "no executor for step kind %s", kind)
	}
	return e, nil
}
