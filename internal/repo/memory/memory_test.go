package memory

import (
	"context"
	"testing"
	"time"

	"github.com/flowforge/etlengine/internal/enginerr"
	"github.com/flowforge/etlengine/internal/models"
)

func sampleDef() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:   "wf-1",
		Name: "sample",
		Steps: []models.Step{
			{ID: "extract", Type: models.StepExtract},
		},
	}
}

func TestSaveAndGetWorkflowRoundTrips(t *testing.T) {
	r := New()
	ctx := context.Background()

	saved, err := r.SaveWorkflow(ctx, sampleDef())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.Version != 1 {
		t.Fatalf("expected first save to be version 1, got %d", saved.Version)
	}
	if !saved.IsLatest {
		t.Fatal("expected freshly saved definition to be latest")
	}

	got, err := r.GetWorkflow(ctx, "wf-1", nil)
	if err != nil {
		t.Fatalf("unexpected error fetching latest: %v", err)
	}
	if got.Version != 1 || got.Name != "sample" {
		t.Fatalf("unexpected fetched definition: %+v", got)
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	r := New()
	_, err := r.GetWorkflow(context.Background(), "nonexistent", nil)
	if !enginerr.Is(err, enginerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestSaveWorkflowNewVersionSupersedesLatest(t *testing.T) {
	r := New()
	ctx := context.Background()

	first, _ := r.SaveWorkflow(ctx, sampleDef())
	if first.Version != 1 {
		t.Fatalf("expected version 1, got %d", first.Version)
	}

	second := sampleDef()
	second.Name = "updated"
	saved, err := r.SaveWorkflow(ctx, second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.Version != 2 {
		t.Fatalf("expected second save to be version 2, got %d", saved.Version)
	}

	versions, err := r.GetWorkflowVersions(ctx, "wf-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[0].IsLatest {
		t.Fatal("expected version 1 to no longer be latest")
	}
	if !versions[1].IsLatest {
		t.Fatal("expected version 2 to be latest")
	}
}

func TestSaveExecutionIsIdempotentForSameStatusAndEndTime(t *testing.T) {
	r := New()
	ctx := context.Background()
	end := time.Now()
	exec := &models.WorkflowExecution{ID: "exec-1", WorkflowID: "wf-1", Status: models.ExecutionCompleted, EndTime: &end}

	if err := r.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first, _ := r.GetExecution(ctx, "exec-1")
	if first.Version != 1 {
		t.Fatalf("expected version 1 on first save, got %d", first.Version)
	}

	// Re-save an identical (status, endTime) snapshot: must be a no-op,
	// not bump the CAS version.
	repeat := &models.WorkflowExecution{ID: "exec-1", WorkflowID: "wf-1", Status: models.ExecutionCompleted, EndTime: &end}
	if err := r.SaveExecution(ctx, repeat); err != nil {
		t.Fatalf("unexpected error on repeat save: %v", err)
	}
	second, _ := r.GetExecution(ctx, "exec-1")
	if second.Version != 1 {
		t.Fatalf("expected idempotent repeat save to keep version 1, got %d", second.Version)
	}
}

func TestSaveExecutionBumpsVersionOnRealChange(t *testing.T) {
	r := New()
	ctx := context.Background()
	exec := &models.WorkflowExecution{ID: "exec-1", WorkflowID: "wf-1", Status: models.ExecutionRunning}
	r.SaveExecution(ctx, exec)

	end := time.Now()
	updated := &models.WorkflowExecution{ID: "exec-1", WorkflowID: "wf-1", Status: models.ExecutionCompleted, EndTime: &end}
	if err := r.SaveExecution(ctx, updated); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := r.GetExecution(ctx, "exec-1")
	if got.Version != 2 {
		t.Fatalf("expected version to bump to 2 on a real status change, got %d", got.Version)
	}
}

func TestSaveExecutionRejectsStaleVersion(t *testing.T) {
	r := New()
	ctx := context.Background()
	r.SaveExecution(ctx, &models.WorkflowExecution{ID: "exec-1", WorkflowID: "wf-1", Status: models.ExecutionRunning})

	end1 := time.Now()
	r.SaveExecution(ctx, &models.WorkflowExecution{ID: "exec-1", WorkflowID: "wf-1", Status: models.ExecutionRunning, EndTime: &end1, Version: 1})
	afterSecondSave, _ := r.GetExecution(ctx, "exec-1")
	if afterSecondSave.Version != 2 {
		t.Fatalf("expected version 2 after the second real write, got %d", afterSecondSave.Version)
	}

	// A writer that still thinks it's racing against version 1 (e.g. it
	// read its copy before the write above landed) must lose, not
	// silently clobber the row that's already at version 2.
	end2 := time.Now()
	stale := &models.WorkflowExecution{ID: "exec-1", WorkflowID: "wf-1", Status: models.ExecutionFailed, EndTime: &end2, Version: 1}
	err := r.SaveExecution(ctx, stale)
	if !enginerr.Is(err, enginerr.PersistenceError) {
		t.Fatalf("expected PersistenceError on a stale-version write, got %v", err)
	}

	got, _ := r.GetExecution(ctx, "exec-1")
	if got.Version != 2 || got.Status != models.ExecutionRunning {
		t.Fatalf("expected the stored row to be untouched by the rejected write, got %+v", got)
	}
}

func TestUpdateStepExecutionAppendsThenReplaces(t *testing.T) {
	r := New()
	ctx := context.Background()
	r.SaveExecution(ctx, &models.WorkflowExecution{ID: "exec-1", WorkflowID: "wf-1", Status: models.ExecutionRunning})

	if err := r.UpdateStepExecution(ctx, "exec-1", models.StepExecution{StepID: "extract", Status: models.StepRunning}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	exec, _ := r.GetExecution(ctx, "exec-1")
	if len(exec.Steps) != 1 || exec.Steps[0].Status != models.StepRunning {
		t.Fatalf("expected one running step, got %+v", exec.Steps)
	}

	if err := r.UpdateStepExecution(ctx, "exec-1", models.StepExecution{StepID: "extract", Status: models.StepCompleted}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	exec, _ = r.GetExecution(ctx, "exec-1")
	if len(exec.Steps) != 1 || exec.Steps[0].Status != models.StepCompleted {
		t.Fatalf("expected the same step slot updated in place, got %+v", exec.Steps)
	}
}

func TestUpdateStepExecutionUnknownExecutionIsNotFound(t *testing.T) {
	r := New()
	err := r.UpdateStepExecution(context.Background(), "nonexistent", models.StepExecution{StepID: "extract"})
	if !enginerr.Is(err, enginerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestGetExecutionHistoryOrderedNewestFirstAndLimited(t *testing.T) {
	r := New()
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 3; i++ {
		r.SaveExecution(ctx, &models.WorkflowExecution{
			ID: "exec-" + string(rune('a'+i)), WorkflowID: "wf-1",
			Status: models.ExecutionCompleted, StartTime: base.Add(time.Duration(i) * time.Minute),
		})
	}

	history, err := r.GetExecutionHistory(ctx, "wf-1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected limit to cap result at 2, got %d", len(history))
	}
	if !history[0].StartTime.After(history[1].StartTime) {
		t.Fatalf("expected newest-first ordering, got %v then %v", history[0].StartTime, history[1].StartTime)
	}
}

func TestGetExecutionSummariesComputesDuration(t *testing.T) {
	r := New()
	ctx := context.Background()
	start := time.Now()
	end := start.Add(5 * time.Second)
	r.SaveExecution(ctx, &models.WorkflowExecution{ID: "exec-1", WorkflowID: "wf-1", Status: models.ExecutionCompleted, StartTime: start, EndTime: &end})

	summaries, err := r.GetExecutionSummaries(ctx, "wf-1", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected one summary, got %d", len(summaries))
	}
	if summaries[0].Duration != 5*time.Second {
		t.Fatalf("expected 5s duration, got %v", summaries[0].Duration)
	}
}

func TestListWorkflowsSkipAndTake(t *testing.T) {
	r := New()
	ctx := context.Background()
	for _, id := range []string{"wf-a", "wf-b", "wf-c"} {
		def := sampleDef()
		def.ID = id
		r.SaveWorkflow(ctx, def)
	}

	page, err := r.ListWorkflows(ctx, 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page) != 1 || page[0].ID != "wf-b" {
		t.Fatalf("expected page [wf-b], got %+v", page)
	}
}
