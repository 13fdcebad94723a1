// Package memory is an in-process Repository implementation backed by a
// mutex-guarded map. It supplements the distilled spec (which names only
// the Postgres-shaped contract) because a repository interface with a
// single, unexercised-in-tests implementation is not a complete repo.
// It is used by the tests; cmd/engine's serve and seed commands always
// open the Postgres repository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowforge/etlengine/internal/enginerr"
	"github.com/flowforge/etlengine/internal/models"
)

type workflowKey struct {
	id      string
	version int
}

// Repository is a map-backed repo.Repository.
type Repository struct {
	mu         sync.Mutex
	workflows  map[workflowKey]*models.WorkflowDefinition
	latest     map[string]int
	executions map[string]*models.WorkflowExecution
}

// New returns an empty in-memory Repository.
func New() *Repository {
	return &Repository{
		workflows:  make(map[workflowKey]*models.WorkflowDefinition),
		latest:     make(map[string]int),
		executions: make(map[string]*models.WorkflowExecution),
	}
}

func clone(def *models.WorkflowDefinition) *models.WorkflowDefinition {
	cp := *def
	cp.Steps = append([]models.Step(nil), def.Steps...)
	return &cp
}

func cloneExec(e *models.WorkflowExecution) *models.WorkflowExecution {
	cp := *e
	cp.Steps = append([]models.StepExecution(nil), e.Steps...)
	cp.Errors = append([]models.ExecutionError(nil), e.Errors...)
	return &cp
}

func (r *Repository) GetWorkflow(_ context.Context, id string, version *int) (*models.WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := 0, false
	if version != nil {
		v, ok = *version, true
	} else if latest, exists := r.latest[id]; exists {
		v, ok = latest, true
	}
	if !ok {
		return nil, enginerr.New(enginerr.NotFound, "memory.GetWorkflow", nil)
	}
	def, exists := r.workflows[workflowKey{id, v}]
	if !exists {
		return nil, enginerr.New(enginerr.NotFound, "memory.GetWorkflow", nil)
	}
	return clone(def), nil
}

func (r *Repository) ListWorkflows(_ context.Context, skip, take int) ([]*models.WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id := range r.latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*models.WorkflowDefinition
	for i, id := range ids {
		if i < skip {
			continue
		}
		if take > 0 && len(out) >= take {
			break
		}
		out = append(out, clone(r.workflows[workflowKey{id, r.latest[id]}]))
	}
	return out, nil
}

func (r *Repository) GetWorkflowVersions(_ context.Context, id string) ([]*models.WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.WorkflowDefinition
	for key, def := range r.workflows {
		if key.id == id {
			out = append(out, clone(def))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (r *Repository) SaveWorkflow(_ context.Context, def *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if def.Version == 0 {
		def.Version = r.latest[def.ID] + 1
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	def.IsLatest = true

	if prevVersion, exists := r.latest[def.ID]; exists {
		if prev, ok := r.workflows[workflowKey{def.ID, prevVersion}]; ok {
			prev.IsLatest = false
		}
	}

	saved := clone(def)
	r.workflows[workflowKey{def.ID, def.Version}] = saved
	r.latest[def.ID] = def.Version
	return clone(saved), nil
}

// SaveExecution enforces the same CAS contract as postgres.Repository: a
// write against a Version that no longer matches the stored row loses and
// gets a PersistenceError, rather than silently clobbering a concurrent
// update. A zero exec.Version (the caller doesn't know the current
// version) is treated as "whatever is currently stored", matching
// postgres's `expected == 0` fallback.
func (r *Repository) SaveExecution(_ context.Context, exec *models.WorkflowExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.executions[exec.ID]
	if !ok {
		exec.Version = 1
		r.executions[exec.ID] = cloneExec(exec)
		return nil
	}

	if existing.Status == exec.Status && timeEqual(existing.EndTime, exec.EndTime) {
		return nil // idempotent no-op, per the Repository invariant
	}

	expected := exec.Version
	if expected == 0 {
		expected = existing.Version
	}
	if expected != existing.Version {
		return enginerr.New(enginerr.PersistenceError, "memory.SaveExecution",
			fmt.Errorf("execution %s was updated concurrently (expected version %d, stored version %d)", exec.ID, expected, existing.Version))
	}

	exec.Version = existing.Version + 1
	r.executions[exec.ID] = cloneExec(exec)
	return nil
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (r *Repository) UpdateStepExecution(_ context.Context, executionID string, step models.StepExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.executions[executionID]
	if !ok {
		return enginerr.New(enginerr.NotFound, "memory.UpdateStepExecution", nil)
	}
	for i := range exec.Steps {
		if exec.Steps[i].StepID == step.StepID {
			exec.Steps[i] = step
			return nil
		}
	}
	exec.Steps = append(exec.Steps, step)
	return nil
}

func (r *Repository) GetExecution(_ context.Context, id string) (*models.WorkflowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.executions[id]
	if !ok {
		return nil, enginerr.New(enginerr.NotFound, "memory.GetExecution", nil)
	}
	return cloneExec(exec), nil
}

func (r *Repository) GetExecutionHistory(_ context.Context, workflowID string, limit int) ([]*models.WorkflowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.WorkflowExecution
	for _, e := range r.executions {
		if e.WorkflowID == workflowID {
			out = append(out, cloneExec(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
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
			ExecutionID: e.ID,
			WorkflowID:  e.WorkflowID,
			Status:      e.Status,
			StartTime:   e.StartTime,
			EndTime:     e.EndTime,
			Duration:    dur,
		})
	}
	return out, nil
}

func (r *Repository) GetRecentExecutions(_ context.Context, limit int) ([]*models.WorkflowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.WorkflowExecution
	for _, e := range r.executions {
		out = append(out, cloneExec(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
