package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meridianfin/meridian/internal/contextstore"
	"github.com/meridianfin/meridian/internal/workflow"
	"github.com/meridianfin/meridian/pkg/api"
)

// MemoryStore is an in-process Store used by tests and by single-shot CLI
// runs. It honors the same linearizability contract as the sqlite backend
// by serializing every operation behind one mutex.
type MemoryStore struct {
	mu sync.Mutex

	definitions map[string]map[int]*workflow.Definition
	executions  map[string]*ExecutionRecord
	steps       map[string][]*StepExecutionRecord
	commits     map[string][]contextstore.Commit
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]map[int]*workflow.Definition),
		executions:  make(map[string]*ExecutionRecord),
		steps:       make(map[string][]*StepExecutionRecord),
		commits:     make(map[string][]contextstore.Commit),
	}
}

func (s *MemoryStore) SaveDefinition(_ context.Context, def *workflow.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.definitions[def.ID]
	if !ok {
		versions = make(map[int]*workflow.Definition)
		s.definitions[def.ID] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return api.E(api.CodeInternal, "definition %s version %d already published", def.ID, def.Version)
	}
	versions[def.Version] = def
	return nil
}

func (s *MemoryStore) GetDefinition(_ context.Context, id string, version int) (*workflow.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.definitions[id]
	if !ok || len(versions) == 0 {
		return nil, api.E(api.CodeNotFound, "workflow %q not found", id)
	}
	if version == 0 {
		for v := range versions {
			if v > version {
				version = v
			}
		}
	}
	def, ok := versions[version]
	if !ok {
		return nil, api.E(api.CodeNotFound, "workflow %q version %d not found", id, version)
	}
	return def, nil
}

func (s *MemoryStore) LatestDefinitionVersion(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := 0
	for v := range s.definitions[id] {
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

func (s *MemoryStore) ListDefinitions(_ context.Context, category string) ([]workflow.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []workflow.Summary
	for id := range s.definitions {
		latest := 0
		for v := range s.definitions[id] {
			if v > latest {
				latest = v
			}
		}
		def := s.definitions[id][latest]
		if category != "" && def.Category != category {
			continue
		}
		out = append(out, def.Summarize())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveExecution(_ context.Context, record *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *record
	s.executions[record.ExecutionID] = &clone
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, executionID string) (*ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.executions[executionID]
	if !ok {
		return nil, api.E(api.CodeNotFound, "execution %q not found", executionID)
	}
	clone := *record
	return &clone, nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*ExecutionRecord
	for _, record := range s.executions {
		if filter.PrincipalID != "" && record.PrincipalID != filter.PrincipalID {
			continue
		}
		if filter.WorkflowID != "" && record.WorkflowID != filter.WorkflowID {
			continue
		}
		if len(filter.Statuses) > 0 {
			found := false
			for _, status := range filter.Statuses {
				if record.Status == status {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		clone := *record
		matched = append(matched, &clone)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) ListActiveExecutions(ctx context.Context) ([]*ExecutionRecord, error) {
	return s.ListExecutions(ctx, ExecutionFilter{
		Statuses: []api.ExecutionState{api.ExecutionPending, api.ExecutionRunning, api.ExecutionPaused},
	})
}

func (s *MemoryStore) SaveStepExecution(_ context.Context, record *StepExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *record
	records := s.steps[record.ExecutionID]
	for i, existing := range records {
		if existing.StepID == record.StepID && existing.Attempt == record.Attempt {
			records[i] = &clone
			return nil
		}
	}
	s.steps[record.ExecutionID] = append(records, &clone)
	return nil
}

func (s *MemoryStore) ListStepExecutions(_ context.Context, executionID string) ([]*StepExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.steps[executionID]
	out := make([]*StepExecutionRecord, len(records))
	for i, record := range records {
		clone := *record
		out[i] = &clone
	}
	return out, nil
}

func (s *MemoryStore) AppendCommit(_ context.Context, commit contextstore.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	commits := s.commits[commit.ExecutionID]
	if len(commits) > 0 && commits[len(commits)-1].Version >= commit.Version {
		return api.E(api.CodeVersionConflict,
			"commit version %d not above current %d", commit.Version, commits[len(commits)-1].Version)
	}
	s.commits[commit.ExecutionID] = append(commits, commit)
	return nil
}

func (s *MemoryStore) ListCommits(_ context.Context, executionID string) ([]contextstore.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]contextstore.Commit(nil), s.commits[executionID]...), nil
}

func (s *MemoryStore) PurgeTerminatedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, record := range s.executions {
		if !record.Status.Terminal() || record.CompletedAt == nil || !record.CompletedAt.Before(cutoff) {
			continue
		}
		delete(s.executions, id)
		delete(s.steps, id)
		delete(s.commits, id)
		purged++
	}
	return purged, nil
}

func (s *MemoryStore) Close() error { return nil }
