package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/etlengine/internal/cache"
	"github.com/flowforge/etlengine/internal/condition"
	"github.com/flowforge/etlengine/internal/enginerr"
	"github.com/flowforge/etlengine/internal/eventbus"
	"github.com/flowforge/etlengine/internal/models"
	"github.com/flowforge/etlengine/internal/monitor"
	"github.com/flowforge/etlengine/internal/notifier"
	"github.com/flowforge/etlengine/internal/processor"
	"github.com/flowforge/etlengine/internal/repo/memory"
)

func testMonitor() *monitor.Monitor {
	return monitor.New(eventbus.NopBus{}, nil, zap.NewNop())
}

func newTestEngine(cfg Config, reg *processor.Registry) *Engine {
	return New(cfg, memory.New(), cache.NopCache{}, testMonitor(), notifier.NopNotifier{}, reg, condition.New(), zap.NewNop())
}

// waitForTerminal polls GetExecutionStatus until the execution reaches a
// terminal status or the timeout elapses.
func waitForTerminal(t *testing.T, e *Engine, execID string, timeout time.Duration) *models.WorkflowExecution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		exec, err := e.GetExecutionStatus(context.Background(), execID)
		if err != nil {
			t.Fatalf("unexpected error polling execution status: %v", err)
		}
		switch exec.Status {
		case models.ExecutionCompleted, models.ExecutionFailed, models.ExecutionCancelled:
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach a terminal status within %v", execID, timeout)
	return nil
}

func echoProcessor(tag string) processor.ProcessorFunc {
	return func(_ context.Context, step models.Step, _ processor.ExecutionContext) (interface{}, error) {
		return tag + ":" + step.ID, nil
	}
}

func TestLinearPipelineSucceeds(t *testing.T) {
	reg := processor.NewRegistry(map[models.StepType]processor.Processor{
		models.StepExtract:   echoProcessor("ok"),
		models.StepTransform: echoProcessor("ok"),
		models.StepLoad:      echoProcessor("ok"),
	})
	e := newTestEngine(DefaultConfig(), reg)

	def := &models.WorkflowDefinition{
		ID: "wf-linear",
		Steps: []models.Step{
			{ID: "extract", Type: models.StepExtract},
			{ID: "transform", Type: models.StepTransform, DependsOn: []string{"extract"}},
			{ID: "load", Type: models.StepLoad, DependsOn: []string{"transform"}},
		},
	}

	exec, err := e.ExecuteDefinition(context.Background(), def, nil, "manual")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final := waitForTerminal(t, e, exec.ID, 2*time.Second)
	if final.Status != models.ExecutionCompleted {
		t.Fatalf("expected Completed, got %s (steps=%+v)", final.Status, final.Steps)
	}
	for _, id := range []string{"extract", "transform", "load"} {
		se, ok := stepByID(final.Steps, id)
		if !ok || se.Status != models.StepCompleted {
			t.Fatalf("expected %s to be Completed, got %+v", id, se)
		}
	}
}

func TestParallelFanOutFanInSucceeds(t *testing.T) {
	reg := processor.NewRegistry(map[models.StepType]processor.Processor{
		models.StepExtract:   echoProcessor("ok"),
		models.StepTransform: echoProcessor("ok"),
		models.StepJoin:      echoProcessor("ok"),
	})
	e := newTestEngine(DefaultConfig(), reg)

	def := &models.WorkflowDefinition{
		ID: "wf-fanout",
		Steps: []models.Step{
			{ID: "extract", Type: models.StepExtract},
			{ID: "transform-a", Type: models.StepTransform, DependsOn: []string{"extract"}},
			{ID: "transform-b", Type: models.StepTransform, DependsOn: []string{"extract"}},
			{ID: "join", Type: models.StepJoin, DependsOn: []string{"transform-a", "transform-b"}},
		},
	}

	exec, err := e.ExecuteDefinition(context.Background(), def, nil, "manual")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final := waitForTerminal(t, e, exec.ID, 2*time.Second)
	if final.Status != models.ExecutionCompleted {
		t.Fatalf("expected Completed, got %s (steps=%+v)", final.Status, final.Steps)
	}
	for _, id := range []string{"extract", "transform-a", "transform-b", "join"} {
		se, ok := stepByID(final.Steps, id)
		if !ok || se.Status != models.StepCompleted {
			t.Fatalf("expected %s to be Completed, got %+v", id, se)
		}
	}
}

func TestRetryStepEventuallySucceeds(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	flaky := processor.ProcessorFunc(func(_ context.Context, _ models.Step, _ processor.ExecutionContext) (interface{}, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return nil, errors.New("transient upstream error")
		}
		return "ok", nil
	})
	reg := processor.NewRegistry(map[models.StepType]processor.Processor{models.StepExtract: flaky})

	cfg := DefaultConfig()
	cfg.DefaultRetryInterval = time.Millisecond
	cfg.ExponentialBackoff = false
	e := newTestEngine(cfg, reg)

	def := &models.WorkflowDefinition{
		ID: "wf-retry",
		Steps: []models.Step{
			{ID: "extract", Type: models.StepExtract, RetryCount: 5, RetryInterval: time.Millisecond,
				ErrorHandling: models.StepErrorHandling{OnError: models.RetryStep}},
		},
	}

	exec, err := e.ExecuteDefinition(context.Background(), def, nil, "manual")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final := waitForTerminal(t, e, exec.ID, 2*time.Second)
	if final.Status != models.ExecutionCompleted {
		t.Fatalf("expected Completed after retries, got %s (steps=%+v)", final.Status, final.Steps)
	}
	se, _ := stepByID(final.Steps, "extract")
	if se.RetryCount != 2 {
		t.Fatalf("expected 2 retries before success, got %d", se.RetryCount)
	}
}

func TestFallbackStepRoutesOnFailure(t *testing.T) {
	reg := processor.NewRegistry(map[models.StepType]processor.Processor{
		models.StepExtract: processor.ProcessorFunc(func(_ context.Context, _ models.Step, _ processor.ExecutionContext) (interface{}, error) {
			return nil, errors.New("primary source unreachable")
		}),
		models.StepLoad: echoProcessor("ok"),
	})
	e := newTestEngine(DefaultConfig(), reg)

	def := &models.WorkflowDefinition{
		ID: "wf-fallback",
		Steps: []models.Step{
			{ID: "extract", Type: models.StepExtract,
				ErrorHandling: models.StepErrorHandling{OnError: models.ExecuteFallback, FallbackStepID: "extract-backup"}},
			{ID: "extract-backup", Type: models.StepLoad},
		},
	}

	exec, err := e.ExecuteDefinition(context.Background(), def, nil, "manual")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final := waitForTerminal(t, e, exec.ID, 2*time.Second)
	if final.Status != models.ExecutionCompleted {
		t.Fatalf("expected Completed via fallback routing, got %s (steps=%+v)", final.Status, final.Steps)
	}
	primary, _ := stepByID(final.Steps, "extract")
	if primary.Status != models.StepFailed {
		t.Fatalf("expected the primary step to remain Failed, got %+v", primary)
	}
	backup, _ := stepByID(final.Steps, "extract-backup")
	if backup.Status != models.StepCompleted {
		t.Fatalf("expected the fallback step to complete, got %+v", backup)
	}
}

func TestCancelExecutionMidFlightStopsAtCancelled(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	blocking := processor.ProcessorFunc(func(ctx context.Context, _ models.Step, _ processor.ExecutionContext) (interface{}, error) {
		close(started)
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	reg := processor.NewRegistry(map[models.StepType]processor.Processor{models.StepExtract: blocking})
	e := newTestEngine(DefaultConfig(), reg)

	def := &models.WorkflowDefinition{
		ID:    "wf-cancel",
		Steps: []models.Step{{ID: "extract", Type: models.StepExtract}},
	}

	exec, err := e.ExecuteDefinition(context.Background(), def, nil, "manual")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("step never started")
	}

	if !e.CancelExecution(context.Background(), exec.ID) {
		t.Fatal("expected CancelExecution to return true for a running execution")
	}
	close(release)

	final := waitForTerminal(t, e, exec.ID, 2*time.Second)
	if final.Status != models.ExecutionCancelled {
		t.Fatalf("expected Cancelled, got %s", final.Status)
	}

	if e.CancelExecution(context.Background(), exec.ID) {
		t.Fatal("expected a second cancel on an already-terminal execution to be a no-op")
	}
}

func TestExecuteDefinitionRejectsWhenAdmissionExhausted(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	blocking := processor.ProcessorFunc(func(ctx context.Context, _ models.Step, _ processor.ExecutionContext) (interface{}, error) {
		started <- struct{}{}
		<-release
		return "ok", nil
	})
	reg := processor.NewRegistry(map[models.StepType]processor.Processor{models.StepExtract: blocking})

	cfg := DefaultConfig()
	cfg.MaxConcurrentExecutions = 1
	e := newTestEngine(cfg, reg)
	defer close(release)

	def := &models.WorkflowDefinition{
		ID:    "wf-admission",
		Steps: []models.Step{{ID: "extract", Type: models.StepExtract}},
	}

	first, err := e.ExecuteDefinition(context.Background(), def, nil, "manual")
	if err != nil {
		t.Fatalf("unexpected error on first submission: %v", err)
	}
	<-started // wait for the first execution to actually occupy the one admission slot

	second := *def
	second.ID = "wf-admission-2"
	_, err = e.ExecuteDefinition(context.Background(), &second, nil, "manual")
	if !enginerr.Is(err, enginerr.ResourceExhausted) {
		t.Fatalf("expected ResourceExhausted when the admission slot is taken, got %v", err)
	}
	_ = first
}

func stepByID(steps []models.StepExecution, id string) (models.StepExecution, bool) {
	for _, se := range steps {
		if se.StepID == id {
			return se, true
		}
	}
	return models.StepExecution{}, false
}
