// Package contextstore manages per-execution shared state. State is an
// append-only log of deltas; the materialized view at any version is the
// merge of every commit up to it. Commits are conditional on the caller's
// expected version and are made durable before they are acknowledged.
package contextstore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianfin/meridian/internal/value"
	"github.com/meridianfin/meridian/pkg/api"
)

// Commit is one committed delta in an execution's context log. Versions
// are strictly increasing and contiguous starting at 1.
type Commit struct {
	ExecutionID string
	Version     int64
	StepID      string
	Delta       value.Map
	CommittedAt time.Time
}

// Snapshot is a consistent read of the context at a specific version.
// The data map is a private copy; callers may read it freely.
type Snapshot struct {
	Data    value.Map
	Version int64
}

// Get returns the value for key in the snapshot.
func (s Snapshot) Get(key string) (value.Value, bool) {
	v, ok := s.Data[key]
	return v, ok
}

// Log is the durable backing for context commits. Appends must be flushed
// to stable storage before they return.
type Log interface {
	AppendCommit(ctx context.Context, commit Commit) error
	ListCommits(ctx context.Context, executionID string) ([]Commit, error)
}

type contextState struct {
	data    value.Map
	version int64
}

// Store materializes context state over a durable commit log. One Store
// serves all executions; each execution's state is independent.
type Store struct {
	log Log

	mu     sync.RWMutex
	states map[string]*contextState
	clock  func() time.Time
}

// New creates a context store over the given commit log.
func New(commitLog Log) *Store {
	return &Store{
		log:    commitLog,
		states: make(map[string]*contextState),
		clock:  time.Now,
	}
}

// Open loads an execution's commit history from the log and materializes
// its current state. Opening an execution with no history initializes it
// at version 0.
func (s *Store) Open(ctx context.Context, executionID string) error {
	commits, err := s.log.ListCommits(ctx, executionID)
	if err != nil {
		return err
	}

	state := &contextState{data: value.Map{}}
	for _, commit := range commits {
		state.data = state.data.Merge(commit.Delta)
		state.version = commit.Version
	}

	s.mu.Lock()
	s.states[executionID] = state
	s.mu.Unlock()

	log.Debug().
		Str("execution_id", executionID).
		Int64("version", state.version).
		Int("commits", len(commits)).
		Msg("Context opened")

	return nil
}

// Snapshot returns a consistent view of the execution's context. Reads
// never observe a partially applied commit.
func (s *Store) Snapshot(ctx context.Context, executionID string) (Snapshot, error) {
	s.mu.RLock()
	state, ok := s.states[executionID]
	if ok {
		snap := Snapshot{Data: state.data.Clone(), Version: state.version}
		s.mu.RUnlock()
		return snap, nil
	}
	s.mu.RUnlock()

	if err := s.Open(ctx, executionID); err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(ctx, executionID)
}

// Commit appends a delta conditionally. It fails with VersionConflict when
// expectedVersion does not match the current version; otherwise the commit
// is made durable, applied, and the new version returned.
func (s *Store) Commit(ctx context.Context, executionID, stepID string, delta value.Map, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[executionID]
	if !ok {
		state = &contextState{data: value.Map{}}
		s.states[executionID] = state
	}

	if state.version != expectedVersion {
		return 0, api.E(api.CodeVersionConflict,
			"context commit for step %q expected version %d, current is %d", stepID, expectedVersion, state.version)
	}

	commit := Commit{
		ExecutionID: executionID,
		Version:     state.version + 1,
		StepID:      stepID,
		Delta:       delta.Clone(),
		CommittedAt: s.clock().UTC(),
	}

	// Durable before acknowledged.
	if err := s.log.AppendCommit(ctx, commit); err != nil {
		return 0, api.AsError(err)
	}

	state.data = state.data.Merge(commit.Delta)
	state.version = commit.Version

	log.Debug().
		Str("execution_id", executionID).
		Str("step_id", stepID).
		Int64("version", commit.Version).
		Int("keys", len(delta)).
		Msg("Context committed")

	return commit.Version, nil
}

// History returns the execution's commits in version order.
func (s *Store) History(ctx context.Context, executionID string) ([]Commit, error) {
	return s.log.ListCommits(ctx, executionID)
}

// Version returns the current committed version for an execution.
func (s *Store) Version(ctx context.Context, executionID string) (int64, error) {
	snap, err := s.Snapshot(ctx, executionID)
	if err != nil {
		return 0, err
	}
	return snap.Version, nil
}

// Forget drops the in-memory materialization for an execution. The
// durable log is untouched; a later Snapshot re-opens it.
func (s *Store) Forget(executionID string) {
	s.mu.Lock()
	delete(s.states, executionID)
	s.mu.Unlock()
}
