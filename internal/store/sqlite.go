package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/meridianfin/meridian/internal/contextstore"
	"github.com/meridianfin/meridian/internal/value"
	"github.com/meridianfin/meridian/internal/workflow"
	"github.com/meridianfin/meridian/pkg/api"
)

type definitionRow struct {
	ID        string `gorm:"primaryKey;size:128"`
	Version   int    `gorm:"primaryKey"`
	Name      string
	Category  string `gorm:"index"`
	Payload   []byte
	CreatedAt time.Time
}

func (definitionRow) TableName() string { return "definitions" }

type executionRow struct {
	ExecutionID     string `gorm:"primaryKey;size:64"`
	WorkflowID      string `gorm:"index"`
	WorkflowVersion int
	PrincipalID     string `gorm:"index"`
	SessionID       string
	Status          string `gorm:"index"`
	ContextVersion  int64
	StartedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	ErrorPayload    []byte
}

func (executionRow) TableName() string { return "executions" }

type stepExecutionRow struct {
	ExecutionID  string `gorm:"primaryKey;size:64"`
	StepID       string `gorm:"primaryKey;size:128"`
	Attempt      int    `gorm:"primaryKey"`
	Status       string
	StartedAt    time.Time
	FinishedAt   *time.Time
	DurationMS   int64
	InputVersion int64
	Output       []byte
	ErrorPayload []byte
}

func (stepExecutionRow) TableName() string { return "step_executions" }

type commitRow struct {
	ExecutionID string `gorm:"primaryKey;size:64"`
	Version     int64  `gorm:"primaryKey"`
	StepID      string
	Delta       []byte
	CommittedAt time.Time
}

func (commitRow) TableName() string { return "context_commits" }

// SQLiteStore persists engine state in a single sqlite database. It uses
// the pure-Go sqlite driver, so the binary stays cgo-free.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLite opens (and migrates) the database at path. Use ":memory:"
// for an ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := db.AutoMigrate(&definitionRow{}, &executionRow{}, &stepExecutionRow{}, &commitRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	log.Info().Str("path", path).Msg("SQLite store opened")
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode definition: %w", err)
	}

	row := definitionRow{
		ID:        def.ID,
		Version:   def.Version,
		Name:      def.Name,
		Category:  def.Category,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to persist definition %s v%d: %w", def.ID, def.Version, err)
	}
	return nil
}

func (s *SQLiteStore) GetDefinition(ctx context.Context, id string, version int) (*workflow.Definition, error) {
	query := s.db.WithContext(ctx).Where("id = ?", id)
	if version > 0 {
		query = query.Where("version = ?", version)
	}

	var row definitionRow
	if err := query.Order("version DESC").First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, api.E(api.CodeNotFound, "workflow %q not found", id)
		}
		return nil, fmt.Errorf("failed to load definition %s: %w", id, err)
	}

	var def workflow.Definition
	if err := json.Unmarshal(row.Payload, &def); err != nil {
		return nil, fmt.Errorf("failed to decode definition %s v%d: %w", row.ID, row.Version, err)
	}
	return &def, nil
}

func (s *SQLiteStore) LatestDefinitionVersion(ctx context.Context, id string) (int, error) {
	var row definitionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Order("version DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve latest version of %s: %w", id, err)
	}
	return row.Version, nil
}

func (s *SQLiteStore) ListDefinitions(ctx context.Context, category string) ([]workflow.Summary, error) {
	query := s.db.WithContext(ctx).Order("id, version DESC")
	if category != "" {
		query = query.Where("category = ?", category)
	}

	var rows []definitionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}

	var out []workflow.Summary
	seen := make(map[string]bool)
	for _, row := range rows {
		if seen[row.ID] {
			continue
		}
		seen[row.ID] = true

		var def workflow.Definition
		if err := json.Unmarshal(row.Payload, &def); err != nil {
			return nil, fmt.Errorf("failed to decode definition %s v%d: %w", row.ID, row.Version, err)
		}
		out = append(out, def.Summarize())
	}
	return out, nil
}

func (s *SQLiteStore) SaveExecution(ctx context.Context, record *ExecutionRecord) error {
	row := executionRow{
		ExecutionID:     record.ExecutionID,
		WorkflowID:      record.WorkflowID,
		WorkflowVersion: record.WorkflowVersion,
		PrincipalID:     record.PrincipalID,
		SessionID:       record.SessionID,
		Status:          string(record.Status),
		ContextVersion:  record.ContextVersion,
		StartedAt:       record.StartedAt,
		UpdatedAt:       record.UpdatedAt,
		CompletedAt:     record.CompletedAt,
	}
	if record.Error != nil {
		payload, err := json.Marshal(record.Error)
		if err != nil {
			return fmt.Errorf("failed to encode execution error: %w", err)
		}
		row.ErrorPayload = payload
	}

	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("failed to persist execution %s: %w", record.ExecutionID, err)
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	var row executionRow
	if err := s.db.WithContext(ctx).Where("execution_id = ?", executionID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, api.E(api.CodeNotFound, "execution %q not found", executionID)
		}
		return nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}
	return decodeExecutionRow(&row)
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	query := s.db.WithContext(ctx).Order("started_at DESC")
	if filter.PrincipalID != "" {
		query = query.Where("principal_id = ?", filter.PrincipalID)
	}
	if filter.WorkflowID != "" {
		query = query.Where("workflow_id = ?", filter.WorkflowID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		query = query.Where("status IN ?", statuses)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []executionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	out := make([]*ExecutionRecord, 0, len(rows))
	for i := range rows {
		record, err := decodeExecutionRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *SQLiteStore) ListActiveExecutions(ctx context.Context) ([]*ExecutionRecord, error) {
	return s.ListExecutions(ctx, ExecutionFilter{
		Statuses: []api.ExecutionState{api.ExecutionPending, api.ExecutionRunning, api.ExecutionPaused},
	})
}

func (s *SQLiteStore) SaveStepExecution(ctx context.Context, record *StepExecutionRecord) error {
	row := stepExecutionRow{
		ExecutionID:  record.ExecutionID,
		StepID:       record.StepID,
		Attempt:      record.Attempt,
		Status:       string(record.Status),
		StartedAt:    record.StartedAt,
		FinishedAt:   record.FinishedAt,
		DurationMS:   record.DurationMS,
		InputVersion: record.InputVersion,
	}
	if record.Output != nil {
		payload, err := json.Marshal(record.Output)
		if err != nil {
			return fmt.Errorf("failed to encode step output: %w", err)
		}
		row.Output = payload
	}
	if record.Error != nil {
		payload, err := json.Marshal(record.Error)
		if err != nil {
			return fmt.Errorf("failed to encode step error: %w", err)
		}
		row.ErrorPayload = payload
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to persist step execution %s/%s attempt %d: %w",
			record.ExecutionID, record.StepID, record.Attempt, err)
	}
	return nil
}

func (s *SQLiteStore) ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecutionRecord, error) {
	var rows []stepExecutionRow
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("started_at, attempt").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list step executions: %w", err)
	}

	out := make([]*StepExecutionRecord, 0, len(rows))
	for _, row := range rows {
		record := &StepExecutionRecord{
			ExecutionID:  row.ExecutionID,
			StepID:       row.StepID,
			Attempt:      row.Attempt,
			Status:       api.StepState(row.Status),
			StartedAt:    row.StartedAt,
			FinishedAt:   row.FinishedAt,
			DurationMS:   row.DurationMS,
			InputVersion: row.InputVersion,
		}
		if len(row.Output) > 0 {
			if err := json.Unmarshal(row.Output, &record.Output); err != nil {
				return nil, fmt.Errorf("failed to decode step output: %w", err)
			}
		}
		if len(row.ErrorPayload) > 0 {
			record.Error = &api.Error{}
			if err := json.Unmarshal(row.ErrorPayload, record.Error); err != nil {
				return nil, fmt.Errorf("failed to decode step error: %w", err)
			}
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *SQLiteStore) AppendCommit(ctx context.Context, commit contextstore.Commit) error {
	delta, err := json.Marshal(commit.Delta)
	if err != nil {
		return fmt.Errorf("failed to encode delta: %w", err)
	}

	row := commitRow{
		ExecutionID: commit.ExecutionID,
		Version:     commit.Version,
		StepID:      commit.StepID,
		Delta:       delta,
		CommittedAt: commit.CommittedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append context commit v%d: %w", commit.Version, err)
	}
	return nil
}

func (s *SQLiteStore) ListCommits(ctx context.Context, executionID string) ([]contextstore.Commit, error) {
	var rows []commitRow
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("version").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list context commits: %w", err)
	}

	out := make([]contextstore.Commit, 0, len(rows))
	for _, row := range rows {
		var delta value.Map
		if err := json.Unmarshal(row.Delta, &delta); err != nil {
			return nil, fmt.Errorf("failed to decode delta at v%d: %w", row.Version, err)
		}
		out = append(out, contextstore.Commit{
			ExecutionID: row.ExecutionID,
			Version:     row.Version,
			StepID:      row.StepID,
			Delta:       delta,
			CommittedAt: row.CommittedAt,
		})
	}
	return out, nil
}

func (s *SQLiteStore) PurgeTerminatedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var rows []executionRow
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{
			string(api.ExecutionCompleted),
			string(api.ExecutionFailed),
			string(api.ExecutionCancelled),
		}).
		Where("completed_at < ?", cutoff).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find purgeable executions: %w", err)
	}

	for _, row := range rows {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("execution_id = ?", row.ExecutionID).Delete(&commitRow{}).Error; err != nil {
				return err
			}
			if err := tx.Where("execution_id = ?", row.ExecutionID).Delete(&stepExecutionRow{}).Error; err != nil {
				return err
			}
			return tx.Where("execution_id = ?", row.ExecutionID).Delete(&executionRow{}).Error
		})
		if err != nil {
			return 0, fmt.Errorf("failed to purge execution %s: %w", row.ExecutionID, err)
		}
	}

	if len(rows) > 0 {
		log.Info().Int("purged", len(rows)).Time("cutoff", cutoff).Msg("Purged terminated executions")
	}
	return len(rows), nil
}

func (s *SQLiteStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

func decodeExecutionRow(row *executionRow) (*ExecutionRecord, error) {
	record := &ExecutionRecord{
		ExecutionID:     row.ExecutionID,
		WorkflowID:      row.WorkflowID,
		WorkflowVersion: row.WorkflowVersion,
		PrincipalID:     row.PrincipalID,
		SessionID:       row.SessionID,
		Status:          api.ExecutionState(row.Status),
		ContextVersion:  row.ContextVersion,
		StartedAt:       row.StartedAt,
		UpdatedAt:       row.UpdatedAt,
		CompletedAt:     row.CompletedAt,
	}
	if len(row.ErrorPayload) > 0 {
		record.Error = &api.Error{}
		if err := json.Unmarshal(row.ErrorPayload, record.Error); err != nil {
			return nil, fmt.Errorf("failed to decode execution error: %w", err)
		}
	}
	return record, nil
}
