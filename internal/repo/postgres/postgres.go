// Package postgres is the durable Repository implementation, grounded on
// the teacher's internal/repo/repository.go: the same sqlx.Connect +
// connection-pool tuning, and the same db-tagged-struct/NamedExec query
// shape, extended with the workflow_executions.version column that
// resolves the concurrent-saveExecution open question (§9).
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/flowforge/etlengine/internal/enginerr"
	"github.com/flowforge/etlengine/internal/models"
)

// Repository is the sqlx + lib/pq backed Repository.
type Repository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New connects to databaseURL and tunes the pool exactly as the teacher's
// repository does: 25 open, 10 idle, 5 minute max lifetime.
func New(databaseURL string, logger *zap.Logger) (*Repository, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Repository{db: db, logger: logger}, nil
}

// Close closes the underlying pool.
func (r *Repository) Close() error { return r.db.Close() }

// Ping checks database connectivity.
func (r *Repository) Ping() error { return r.db.Ping() }

// workflowRow is the row shape for the workflow_definitions table.
type workflowRow struct {
	ID            string    `db:"id"`
	Version       int       `db:"version"`
	Name          string    `db:"name"`
	Description   string    `db:"description"`
	Tags          string    `db:"tags"`
	Steps         string    `db:"steps"`
	ErrorHandling string    `db:"error_handling"`
	Variables     string    `db:"variables"`
	IsLatest      bool      `db:"is_latest"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func toWorkflowRow(def *models.WorkflowDefinition) (*workflowRow, error) {
	tags, err := json.Marshal(def.Tags)
	if err != nil {
		return nil, err
	}
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return nil, err
	}
	eh, err := json.Marshal(def.ErrorHandling)
	if err != nil {
		return nil, err
	}
	vars, err := json.Marshal(def.Variables)
	if err != nil {
		return nil, err
	}
	return &workflowRow{
		ID: def.ID, Version: def.Version, Name: def.Name, Description: def.Description,
		Tags: string(tags), Steps: string(steps), ErrorHandling: string(eh), Variables: string(vars),
		IsLatest: def.IsLatest, CreatedAt: def.CreatedAt, UpdatedAt: def.UpdatedAt,
	}, nil
}

func (row *workflowRow) toDefinition() (*models.WorkflowDefinition, error) {
	def := &models.WorkflowDefinition{
		ID: row.ID, Version: row.Version, Name: row.Name, Description: row.Description,
		IsLatest: row.IsLatest, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.Tags), &def.Tags); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.Steps), &def.Steps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.ErrorHandling), &def.ErrorHandling); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.Variables), &def.Variables); err != nil {
		return nil, err
	}
	return def, nil
}

func (r *Repository) GetWorkflow(ctx context.Context, id string, version *int) (*models.WorkflowDefinition, error) {
	var row workflowRow
	var err error
	if version != nil {
		err = r.db.GetContext(ctx, &row,
			`SELECT id, version, name, description, tags, steps, error_handling, variables, is_latest, created_at, updated_at
			 FROM workflow_definitions WHERE id = $1 AND version = $2`, id, *version)
	} else {
		err = r.db.GetContext(ctx, &row,
			`SELECT id, version, name, description, tags, steps, error_handling, variables, is_latest, created_at, updated_at
			 FROM workflow_definitions WHERE id = $1 AND is_latest = true`, id)
	}
	if err != nil {
		return nil, enginerr.New(enginerr.NotFound, "postgres.GetWorkflow", err)
	}
	return row.toDefinition()
}

func (r *Repository) ListWorkflows(ctx context.Context, skip, take int) ([]*models.WorkflowDefinition, error) {
	var rows []workflowRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT id, version, name, description, tags, steps, error_handling, variables, is_latest, created_at, updated_at
		 FROM workflow_definitions WHERE is_latest = true ORDER BY id OFFSET $1 LIMIT $2`, skip, take)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	out := make([]*models.WorkflowDefinition, 0, len(rows))
	for i := range rows {
		def, err := rows[i].toDefinition()
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func (r *Repository) GetWorkflowVersions(ctx context.Context, id string) ([]*models.WorkflowDefinition, error) {
	var rows []workflowRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT id, version, name, description, tags, steps, error_handling, variables, is_latest, created_at, updated_at
		 FROM workflow_definitions WHERE id = $1 ORDER BY version`, id)
	if err != nil {
		return nil, fmt.Errorf("list workflow versions: %w", err)
	}
	out := make([]*models.WorkflowDefinition, 0, len(rows))
	for i := range rows {
		def, err := rows[i].toDefinition()
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func (r *Repository) SaveWorkflow(ctx context.Context, def *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin save workflow: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if def.Version == 0 {
		var maxVersion int
		_ = tx.GetContext(ctx, &maxVersion, `SELECT COALESCE(MAX(version), 0) FROM workflow_definitions WHERE id = $1`, def.ID)
		def.Version = maxVersion + 1
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	def.IsLatest = true

	if _, err := tx.ExecContext(ctx, `UPDATE workflow_definitions SET is_latest = false WHERE id = $1`, def.ID); err != nil {
		return nil, fmt.Errorf("clear previous latest: %w", err)
	}

	row, err := toWorkflowRow(def)
	if err != nil {
		return nil, err
	}
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO workflow_definitions (id, version, name, description, tags, steps, error_handling, variables, is_latest, created_at, updated_at)
		VALUES (:id, :version, :name, :description, :tags, :steps, :error_handling, :variables, :is_latest, :created_at, :updated_at)
	`, row)
	if err != nil {
		return nil, fmt.Errorf("insert workflow definition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit save workflow: %w", err)
	}
	return def, nil
}

// executionRow is the row shape for the workflow_executions table. Steps
// and Errors are stored as jsonb, version is the optimistic-concurrency
// CAS token per §9.
type executionRow struct {
	ID              string     `db:"id"`
	WorkflowID      string     `db:"workflow_id"`
	WorkflowVersion int        `db:"workflow_version"`
	Status          string     `db:"status"`
	StartTime       time.Time  `db:"start_time"`
	EndTime         *time.Time `db:"end_time"`
	Parameters      string     `db:"parameters"`
	Variables       string     `db:"variables"`
	StepOutputs     string     `db:"step_outputs"`
	Steps           string     `db:"steps"`
	Errors          string     `db:"errors"`
	TriggerType     string     `db:"trigger_type"`
	Version         int        `db:"version"`
}

func toExecutionRow(e *models.WorkflowExecution) (*executionRow, error) {
	params, err := json.Marshal(e.Parameters)
	if err != nil {
		return nil, err
	}
	vars, err := json.Marshal(e.Variables)
	if err != nil {
		return nil, err
	}
	outputs, err := json.Marshal(e.StepOutputs)
	if err != nil {
		return nil, err
	}
	steps, err := json.Marshal(e.Steps)
	if err != nil {
		return nil, err
	}
	errs, err := json.Marshal(e.Errors)
	if err != nil {
		return nil, err
	}
	return &executionRow{
		ID: e.ID, WorkflowID: e.WorkflowID, WorkflowVersion: e.WorkflowVersion,
		Status: string(e.Status), StartTime: e.StartTime, EndTime: e.EndTime,
		Parameters: string(params), Variables: string(vars), StepOutputs: string(outputs),
		Steps: string(steps), Errors: string(errs), TriggerType: e.TriggerType, Version: e.Version,
	}, nil
}

func (row *executionRow) toExecution() (*models.WorkflowExecution, error) {
	e := &models.WorkflowExecution{
		ID: row.ID, WorkflowID: row.WorkflowID, WorkflowVersion: row.WorkflowVersion,
		Status: models.ExecutionStatus(row.Status), StartTime: row.StartTime, EndTime: row.EndTime,
		TriggerType: row.TriggerType, Version: row.Version,
	}
	if err := json.Unmarshal([]byte(row.Parameters), &e.Parameters); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.Variables), &e.Variables); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.StepOutputs), &e.StepOutputs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.Steps), &e.Steps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.Errors), &e.Errors); err != nil {
		return nil, err
	}
	return e, nil
}

// SaveExecution upserts the execution row. When a prior row exists, the
// update is gated on the CAS token the caller read it with (e.Version),
// per the §9 resolution to the concurrent-writer open question: a writer
// racing on a stale Version loses and gets a PersistenceError, rather than
// silently clobbering a concurrent update.
func (r *Repository) SaveExecution(ctx context.Context, e *models.WorkflowExecution) error {
	row, err := toExecutionRow(e)
	if err != nil {
		return err
	}

	var exists bool
	var currentVersion int
	var currentStatus string
	var currentEnd *time.Time
	err = r.db.QueryRowContext(ctx, `SELECT version, status, end_time FROM workflow_executions WHERE id = $1`, e.ID).Scan(&currentVersion, &currentStatus, &currentEnd)
	if err == nil {
		exists = true
	}

	// Repeating a save with the stored (status, endTime) is a no-op.
	if exists && currentStatus == row.Status &&
		((currentEnd == nil && row.EndTime == nil) ||
			(currentEnd != nil && row.EndTime != nil && currentEnd.Equal(row.EndTime.Truncate(time.Microsecond)))) {
		e.Version = currentVersion
		return nil
	}

	if !exists {
		row.Version = 1
		_, err = r.db.NamedExecContext(ctx, `
			INSERT INTO workflow_executions (id, workflow_id, workflow_version, status, start_time, end_time, parameters, variables, step_outputs, steps, errors, trigger_type, version)
			VALUES (:id, :workflow_id, :workflow_version, :status, :start_time, :end_time, :parameters, :variables, :step_outputs, :steps, :errors, :trigger_type, :version)
		`, row)
		if err != nil {
			return enginerr.New(enginerr.PersistenceError, "postgres.SaveExecution", err)
		}
		e.Version = row.Version
		return nil
	}

	expected := e.Version
	if expected == 0 {
		expected = currentVersion
	}
	row.Version = expected + 1

	result, err := r.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = $1, end_time = $2, parameters = $3, variables = $4, step_outputs = $5, steps = $6, errors = $7, version = $8
		WHERE id = $9 AND version = $10
	`, row.Status, row.EndTime, row.Parameters, row.Variables, row.StepOutputs, row.Steps, row.Errors, row.Version, row.ID, expected)
	if err != nil {
		return enginerr.New(enginerr.PersistenceError, "postgres.SaveExecution", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return enginerr.New(enginerr.PersistenceError, "postgres.SaveExecution",
			fmt.Errorf("execution %s was updated concurrently (expected version %d)", e.ID, expected))
	}
	e.Version = row.Version
	return nil
}

func (r *Repository) UpdateStepExecution(ctx context.Context, executionID string, step models.StepExecution) error {
	exec, err := r.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	replaced := false
	for i := range exec.Steps {
		if exec.Steps[i].StepID == step.StepID {
			exec.Steps[i] = step
			replaced = true
			break
		}
	}
	if !replaced {
		exec.Steps = append(exec.Steps, step)
	}
	return r.SaveExecution(ctx, exec)
}

func (r *Repository) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	var row executionRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, workflow_id, workflow_version, status, start_time, end_time, parameters, variables, step_outputs, steps, errors, trigger_type, version
		FROM workflow_executions WHERE id = $1
	`, id)
	if err != nil {
		return nil, enginerr.New(enginerr.NotFound, "postgres.GetExecution", err)
	}
	return row.toExecution()
}

func (r *Repository) GetExecutionHistory(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowExecution, error) {
	var rows []executionRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, workflow_id, workflow_version, status, start_time, end_time, parameters, variables, step_outputs, steps, errors, trigger_type, version
		FROM workflow_executions WHERE workflow_id = $1 ORDER BY start_time DESC LIMIT $2
	`, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("execution history: %w", err)
	}
	out := make([]*models.WorkflowExecution, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toExecution()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Repository) GetExecutionSummaries(ctx context.Context, workflowID string, limit int) ([]models.ExecutionSummary, error) {
	history, err := r.GetExecutionHistory(ctx, workflowID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.ExecutionSummary, 0, len(history))
	for _, e := range history {
		var dur time.Duration
		if e.EndTime != nil {
			dur = e.EndTime.Sub(e.StartTime)
		}
		out = append(out, models.ExecutionSummary{
			ExecutionID: e.ID, WorkflowID: e.WorkflowID, Status: e.Status,
			StartTime: e.StartTime, EndTime: e.EndTime, Duration: dur,
		})
	}
	return out, nil
}

func (r *Repository) GetRecentExecutions(ctx context.Context, limit int) ([]*models.WorkflowExecution, error) {
	var rows []executionRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, workflow_id, workflow_version, status, start_time, end_time, parameters, variables, step_outputs, steps, errors, trigger_type, version
		FROM workflow_executions ORDER BY start_time DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent executions: %w", err)
	}
	out := make([]*models.WorkflowExecution, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toExecution()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
