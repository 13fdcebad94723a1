// Package engine is the Engine of §4.1: it owns execution lifecycle,
// admission control, the per-execution scheduling loop, and error-policy
// application. Rewritten in place from the teacher's workflow_engine.go
// (WorkflowEngine/ExecutionContext/Config) and executor.go
// (ExecutorConfig, retry/backoff, circuit breaker), replacing the
// teacher's n8n node-execution semantics with this spec's ETL step
// semantics while keeping the teacher's admission-semaphore +
// single-writer-scheduling-loop shape.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/flowforge/etlengine/internal/cache"
	"github.com/flowforge/etlengine/internal/condition"
	"github.com/flowforge/etlengine/internal/dag"
	"github.com/flowforge/etlengine/internal/enginerr"
	"github.com/flowforge/etlengine/internal/models"
	"github.com/flowforge/etlengine/internal/monitor"
	"github.com/flowforge/etlengine/internal/notifier"
	"github.com/flowforge/etlengine/internal/processor"
	"github.com/flowforge/etlengine/internal/repo"
)

// Engine owns the execution lifecycle of §4.1.
type Engine struct {
	cfg       Config
	repo      repo.Repository
	cache     cache.ExecutionCache
	monitor   *monitor.Monitor
	notifier  notifier.Notifier
	registry  *processor.Registry
	evaluator *condition.Evaluator
	logger    *zap.Logger

	// admission is the process-wide concurrency permit of §5, generalized
	// from the teacher's per-tenant tenantSemaphores to a single process-wide
	// gate, per SPEC_FULL.md's MODULE EXPANSION note.
	admission *semaphore.Weighted

	mu      sync.Mutex
	active  map[string]*executionState // executionId -> in-flight state, the process-local cancellation-handle table of §9
	closing bool
}

// New constructs an Engine. registry and evaluator are supplied by the
// host; repo/cache/monitor/notifier may be the Nop/memory variants in
// tests.
func New(cfg Config, r repo.Repository, c cache.ExecutionCache, m *monitor.Monitor, n notifier.Notifier, reg *processor.Registry, eval *condition.Evaluator, logger *zap.Logger) *Engine {
	if eval != nil {
		eval.LegacyExpressionSemantics = cfg.LegacyExpressionSemantics
	}
	return &Engine{
		cfg:       cfg,
		repo:      r,
		cache:     c,
		monitor:   m,
		notifier:  n,
		registry:  reg,
		evaluator: eval,
		logger:    logger.With(zap.String("component", "engine")),
		admission: semaphore.NewWeighted(cfg.MaxConcurrentExecutions),
		active:    make(map[string]*executionState),
	}
}

// ExecuteWorkflow loads the latest version of workflowID and submits it.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, parameters map[string]interface{}, triggerType string) (*models.WorkflowExecution, error) {
	def, err := e.repo.GetWorkflow(ctx, workflowID, nil)
	if err != nil {
		return nil, err
	}
	return e.ExecuteDefinition(ctx, def, parameters, triggerType)
}

// ExecuteDefinition submits an already-loaded definition directly, used by
// callers (tests, the seed path) that already hold the definition.
func (e *Engine) ExecuteDefinition(ctx context.Context, def *models.WorkflowDefinition, parameters map[string]interface{}, triggerType string) (*models.WorkflowExecution, error) {
	if err := dag.Validate(def); err != nil {
		return nil, err
	}

	if !e.admission.TryAcquire(1) {
		return nil, enginerr.New(enginerr.ResourceExhausted, "engine.ExecuteWorkflow", fmt.Errorf("no execution slot available"))
	}

	exec := &models.WorkflowExecution{
		ID:              uuid.NewString(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		Status:          models.ExecutionRunning,
		StartTime:       time.Now(),
		Parameters:      parameters,
		Variables:       cloneMap(def.Variables),
		StepOutputs:     make(map[string]interface{}),
		TriggerType:     triggerType,
	}
	for _, step := range def.Steps {
		exec.Steps = append(exec.Steps, models.StepExecution{
			ID:     uuid.NewString(),
			StepID: step.ID,
			Status: models.StepNotStarted,
		})
	}

	if err := e.repo.SaveExecution(ctx, exec); err != nil {
		e.admission.Release(1)
		return nil, enginerr.New(enginerr.PersistenceError, "engine.ExecuteWorkflow", err)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), e.cfg.DefaultWorkflowTimeout)
	st := newExecutionState(exec, def, cancel)

	e.mu.Lock()
	e.active[exec.ID] = st
	e.mu.Unlock()

	e.monitor.RecordTimelineEvent(ctx, models.TimelineEvent{
		ExecutionID: exec.ID, EventType: models.EventWorkflowStarted, Data: map[string]interface{}{"workflowId": def.ID},
	})

	go e.run(runCtx, st)

	snapshot := st.snapshot()
	return &snapshot, nil
}

// run drives one execution's scheduling loop to completion, then releases
// the admission permit and disposes the cancellation handle. The step
// goroutines the loop launches and the Cancel/Pause/Resume handlers also
// change st, always through its mutex-taking methods.
func (e *Engine) run(ctx context.Context, st *executionState) {
	defer e.admission.Release(1)
	defer func() {
		e.mu.Lock()
		delete(e.active, st.exec.ID)
		e.mu.Unlock()
	}()

	runner := &stepRunner{engine: e, state: st}
	runner.loop(ctx)

	final := st.snapshot()
	e.finalize(context.Background(), st, &final)
}

func (e *Engine) finalize(ctx context.Context, st *executionState, exec *models.WorkflowExecution) {
	now := time.Now()
	exec.EndTime = &now
	st.setStatus(exec.Status)
	st.setEndTime(now)

	// exec.Version only reflects the version read at submission time; every
	// per-step persist since then (runner.go's persistStep ->
	// repo.UpdateStepExecution) has bumped the stored row's version on its
	// own fetched copy without reporting it back here. Re-read the current
	// version immediately before the CAS write so this save targets the row
	// as it actually stands, instead of losing the race against every step
	// event that preceded it.
	if current, err := e.repo.GetExecution(ctx, exec.ID); err == nil {
		exec.Version = current.Version
	}

	if err := e.repo.SaveExecution(ctx, exec); err != nil {
		e.logger.Error("failed to persist final execution state", zap.String("executionId", exec.ID), zap.Error(err))
	}
	_ = e.cache.Invalidate(ctx, exec.ID)
	e.monitor.UpdateWorkflowMetrics(ctx, exec)

	var eventType models.TimelineEventType
	switch exec.Status {
	case models.ExecutionCompleted:
		eventType = models.EventWorkflowCompleted
	case models.ExecutionCancelled:
		eventType = models.EventWorkflowCancelled
	default:
		eventType = models.EventWorkflowFailed
	}
	e.monitor.RecordTimelineEvent(ctx, models.TimelineEvent{ExecutionID: exec.ID, EventType: eventType})

	e.notifier.Notify(ctx, notifier.Notice{
		ExecutionID: exec.ID, WorkflowID: exec.WorkflowID,
		Subject: "workflow." + string(exec.Status), Status: exec.Status, Timestamp: now,
	})
}

// GetExecutionStatus returns the current snapshot, consulting the cache
// first, falling back to the in-flight state, then the repository.
func (e *Engine) GetExecutionStatus(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	e.mu.Lock()
	st, active := e.active[executionID]
	e.mu.Unlock()
	if active {
		snap := st.snapshot()
		return &snap, nil
	}

	if exec, ok := e.cache.Get(ctx, executionID); ok {
		return exec, nil
	}

	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	_ = e.cache.Set(ctx, exec)
	return exec, nil
}

// CancelExecution sets the cancellation signal and transitions status to
// Cancelled. Returns false if the execution is not active (already
// terminal or unknown), per the idempotence requirement of §8.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) bool {
	e.mu.Lock()
	st, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	return st.cancel(ctx)
}

// PauseExecution transitions a Running execution to Paused. Returns false
// if the execution is not currently Running.
func (e *Engine) PauseExecution(_ context.Context, executionID string) bool {
	e.mu.Lock()
	st, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	return st.pause()
}

// ResumeExecution transitions a Paused execution back to Running. Returns
// false if the execution is not currently Paused.
func (e *Engine) ResumeExecution(_ context.Context, executionID string) bool {
	e.mu.Lock()
	st, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	return st.resume()
}

// GetExecutionHistory delegates to the repository, most recent first.
func (e *Engine) GetExecutionHistory(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowExecution, error) {
	return e.repo.GetExecutionHistory(ctx, workflowID, limit)
}

// ListActiveExecutions is a debug/ops accessor over the in-memory table,
// mirroring the teacher's GetSchedulerStats.
func (e *Engine) ListActiveExecutions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// Close cancels every in-flight execution and waits up to 30s for their
// loops to return, with the same select-with-deadline pattern as the
// teacher's Server.Start graceful shutdown.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closing = true
	ids := make([]string, 0, len(e.active))
	for id, st := range e.active {
		ids = append(ids, id)
		st.requestShutdown()
	}
	e.mu.Unlock()

	deadline := time.After(30 * time.Second)
	for _, id := range ids {
		e.mu.Lock()
		st, ok := e.active[id]
		e.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case <-st.done:
		case <-deadline:
			e.logger.Warn("graceful shutdown budget exceeded, abandoning remaining executions")
			return nil
		}
	}
	return nil
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return make(map[string]interface{})
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
