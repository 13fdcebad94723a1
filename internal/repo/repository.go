// Package repo defines the durable Repository contract (§4.6). Two
// implementations are provided: internal/repo/postgres (sqlx + lib/pq,
// the durable store, grounded on the teacher's internal/repo/repository.go)
// and internal/repo/memory (an in-process map, used by the engine's and
// the HTTP gateway's tests; cmd/engine always uses postgres).
package repo

import (
	"context"

	"github.com/flowforge/etlengine/internal/models"
)

// Repository is the durable store of workflow definitions and executions.
//
// Invariants: SaveExecution is idempotent for the same (id, status,
// endTime) tuple; the repository never loses events already accepted;
// concurrent updates to the same execution serialize via the Version CAS
// token on WorkflowExecution (§9 open-question resolution).
type Repository interface {
	GetWorkflow(ctx context.Context, id string, version *int) (*models.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context, skip, take int) ([]*models.WorkflowDefinition, error)
	GetWorkflowVersions(ctx context.Context, id string) ([]*models.WorkflowDefinition, error)
	SaveWorkflow(ctx context.Context, def *models.WorkflowDefinition) (*models.WorkflowDefinition, error)

	SaveExecution(ctx context.Context, exec *models.WorkflowExecution) error
	UpdateStepExecution(ctx context.Context, executionID string, step models.StepExecution) error
	GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error)
	GetExecutionHistory(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowExecution, error)
	GetExecutionSummaries(ctx context.Context, workflowID string, limit int) ([]models.ExecutionSummary, error)
	GetRecentExecutions(ctx context.Context, limit int) ([]*models.WorkflowExecution, error)
}
