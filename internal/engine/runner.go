// Step Runner, §4.3: generalized from the teacher's executeStepWithRetry/
// calculateRetryDelay (exponential backoff capped at a ceiling) in
// executor.go. The teacher's per-node-type CircuitBreaker is repurposed
// as the Processor Registry's per-step-type health gate instead (see
// internal/processor/registry.go) — a step's own error policy here never
// needs a breaker of its own.
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/etlengine/internal/condition"
	"github.com/flowforge/etlengine/internal/dag"
	"github.com/flowforge/etlengine/internal/enginerr"
	"github.com/flowforge/etlengine/internal/models"
	"github.com/flowforge/etlengine/internal/processor"
)

const schedulerPollInterval = 50 * time.Millisecond

// stepRunner drives one execution's scheduling loop and executes
// individual steps. Exactly one loop() goroutine runs per execution.
type stepRunner struct {
	engine *Engine
	state  *executionState
}

// loop is the single-writer scheduling loop of §4.2/§5: it repeatedly asks
// internal/dag for the ready set, launches new ready steps, and waits for
// progress (a step finishing, or the execution's context ending).
func (r *stepRunner) loop(ctx context.Context) {
	defer close(r.state.done)

loopBody:
	for {
		select {
		case <-ctx.Done():
			r.state.cancel(ctx) // idempotent; covers both explicit cancel and timeout
			break loopBody
		default:
		}

		statuses := r.state.stepStatusesCopy()
		cancelledForScheduling := r.state.isCancelled() || r.state.isStopRequested()
		ready, outcome := dag.Evaluate(r.state.def.Steps, statuses, cancelledForScheduling, r.state.isPaused())

		if outcome == dag.OutcomeDone {
			break loopBody
		}

		for _, stepID := range ready {
			if !r.state.markLaunched(stepID) {
				continue
			}
			go r.runStep(ctx, stepID)
		}

		select {
		case <-ctx.Done():
			r.state.cancel(ctx)
			break loopBody
		case <-r.state.stepDone:
		case <-time.After(schedulerPollInterval):
		}
	}

	r.finalStatus()
}

func (r *stepRunner) finalStatus() {
	if r.state.isCancelled() {
		r.state.setStatus(models.ExecutionCancelled)
		return
	}
	statuses := r.state.stepStatusesCopy()
	if workflowSucceeded(r.state.def, statuses) {
		r.state.setStatus(models.ExecutionCompleted)
		return
	}
	r.state.setStatus(models.ExecutionFailed)
}

// workflowSucceeded generalizes dag.AllTerminalSuccessfully with the §9
// open-question resolution: a step that failed but whose ExecuteFallback
// target completed successfully does not block workflow success, since
// the fallback's entire purpose is letting the workflow make progress
// past that failure (otherwise ExecuteFallback would be indistinguishable
// from ContinueWorkflow from the caller's point of view).
func workflowSucceeded(def *models.WorkflowDefinition, statuses map[string]models.StepStatus) bool {
	for _, s := range def.Steps {
		status := statuses[s.ID]
		if status.SatisfiesDependency() {
			continue
		}
		if status == models.StepFailed {
			action := s.ErrorHandling.OnError
			if action == "" {
				action = def.ErrorHandling.DefaultAction
			}
			if action == models.ExecuteFallback {
				if fb, ok := def.StepByID(s.ErrorHandling.FallbackStepID); ok && statuses[fb.ID] == models.StepCompleted {
					continue
				}
			}
		}
		return false
	}
	return true
}

func (r *stepRunner) emit(ctx context.Context, stepID string, eventType models.TimelineEventType, data map[string]interface{}) {
	r.engine.monitor.RecordTimelineEvent(ctx, models.TimelineEvent{
		ExecutionID: r.state.id, StepID: stepID, EventType: eventType, Data: data,
	})
}

func (r *stepRunner) persistStep(ctx context.Context, se models.StepExecution) {
	if err := r.engine.repo.UpdateStepExecution(ctx, r.state.id, se); err != nil {
		r.engine.logger.Error("step persistence failed, treating as fatal", zap.String("executionId", r.state.id), zap.String("stepId", se.StepID), zap.Error(err))
		r.state.appendError(se.StepID, models.ExecutionError{
			ErrorType: string(enginerr.PersistenceError), Message: err.Error(), Timestamp: time.Now(),
		})
		r.state.requestStop()
	}
}

// runStep implements the per-step contract of §4.3.
func (r *stepRunner) runStep(ctx context.Context, stepID string) {
	defer func() {
		select {
		case r.state.stepDone <- stepOutcome{stepID: stepID}:
		default:
		}
	}()

	step, ok := r.state.def.StepByID(stepID)
	if !ok {
		return // unreachable: dag.Validate already rejects dangling ids
	}

	params, vars := r.state.parametersAndVariables()
	evalCtx := condition.Context{Parameters: params, Variables: vars, StepOutputs: r.state.stepOutputsCopy()}
	ok, warnings, err := r.engine.evaluator.EvaluateAll(step.Conditions, evalCtx)
	for _, w := range warnings {
		r.emit(ctx, stepID, models.EventWarningOccurred, map[string]interface{}{"message": w})
	}
	if err != nil {
		r.applyError(ctx, step, err)
		return
	}
	if !ok {
		now := time.Now()
		se := r.state.stepExecution(stepID)
		se.Status = models.StepSkipped
		se.StartTime, se.EndTime = &now, &now
		r.state.updateStepExecution(se)
		r.persistStep(ctx, se)
		r.emit(ctx, stepID, models.EventStepSkipped, nil)
		return
	}

	startTime := time.Now()
	se := r.state.stepExecution(stepID)
	se.Status = models.StepRunning
	se.StartTime = &startTime
	inputs := make(map[string]interface{}, len(step.DependsOn))
	outputs := r.state.stepOutputsCopy()
	for _, dep := range step.DependsOn {
		inputs[dep] = outputs[dep]
	}
	se.Input = inputs
	r.state.updateStepExecution(se)
	r.persistStep(ctx, se)
	r.emit(ctx, stepID, models.EventStepStarted, nil)

	proc, err := r.engine.registry.Resolve(step.Type)
	if err != nil {
		r.applyError(ctx, step, err)
		return
	}

	stepCtx := ctx
	if d, ok := stepTimeout(step); ok {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	execCtx := processor.ExecutionContext{
		ExecutionID: r.state.id, WorkflowID: r.state.def.ID,
		Parameters: params, Variables: vars, StepOutputs: outputs,
		Cancellation: stepCtx.Done(),
	}

	output, procErr := proc.Process(stepCtx, *step, execCtx)
	if procErr != nil {
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			procErr = enginerr.New(enginerr.Timeout, "engine.runStep", procErr)
		}
		r.applyError(ctx, step, procErr)
		return
	}

	now := time.Now()
	se = r.state.stepExecution(stepID)
	se.Status = models.StepCompleted
	se.EndTime = &now
	se.Output = map[string]interface{}{"result": output}
	r.state.updateStepExecution(se)
	r.state.setStepOutput(stepID, output)
	r.persistStep(ctx, se)
	r.emit(ctx, stepID, models.EventStepCompleted, map[string]interface{}{"durationMs": now.Sub(startTime).Milliseconds()})
}

// stepTimeout decodes an optional "timeoutMillis" key from step
// configuration, per §9's "document recognized keys at the processor
// boundary" guidance applied to the one engine-level config key.
func stepTimeout(step *models.Step) (time.Duration, bool) {
	raw, ok := step.Configuration["timeoutMillis"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return time.Duration(v) * time.Millisecond, v > 0
	case int64:
		return time.Duration(v) * time.Millisecond, v > 0
	case float64:
		return time.Duration(v) * time.Millisecond, v > 0
	default:
		return 0, false
	}
}

// applyError applies the step's onError policy, per §4.3's error-policy
// table.
func (r *stepRunner) applyError(ctx context.Context, step *models.Step, stepErr error) {
	action := step.ErrorHandling.OnError
	if action == "" {
		action = r.state.def.ErrorHandling.DefaultAction
	}
	if action == "" {
		action = models.StopWorkflow
	}
	if enginerr.Is(stepErr, enginerr.ConfigurationError) {
		action = models.StopWorkflow // configuration errors are fatal whatever the step's policy
	}

	execErr := models.ExecutionError{ErrorType: errorKind(stepErr), Message: stepErr.Error(), Timestamp: time.Now()}
	r.state.appendError(step.ID, execErr)
	r.emit(ctx, step.ID, models.EventErrorOccurred, map[string]interface{}{"message": stepErr.Error(), "errorType": execErr.ErrorType})

	se := r.state.stepExecution(step.ID)
	se.Errors = append(se.Errors, execErr)

	switch action {
	case models.RetryStep:
		r.retryStep(ctx, step, se)
	case models.SkipStep:
		r.terminalStep(ctx, step.ID, se, models.StepSkipped, models.EventStepSkipped, nil)
	case models.ExecuteFallback:
		r.terminalStep(ctx, step.ID, se, models.StepFailed, models.EventStepFailed, nil)
		r.routeFallback(ctx, step)
	case models.ContinueWorkflow:
		r.terminalStep(ctx, step.ID, se, models.StepFailed, models.EventStepFailed, map[string]interface{}{"continueWorkflow": true})
	default: // StopWorkflow
		r.terminalStep(ctx, step.ID, se, models.StepFailed, models.EventStepFailed, nil)
		r.state.requestStop()
	}
}

func (r *stepRunner) terminalStep(ctx context.Context, stepID string, se models.StepExecution, status models.StepStatus, eventType models.TimelineEventType, data map[string]interface{}) {
	now := time.Now()
	se.Status = status
	if se.StartTime == nil {
		se.StartTime = &now
	}
	se.EndTime = &now
	r.state.updateStepExecution(se)
	r.persistStep(ctx, se)
	r.emit(ctx, stepID, eventType, data)
}

func (r *stepRunner) retryStep(ctx context.Context, step *models.Step, se models.StepExecution) {
	if se.RetryCount >= step.RetryCount {
		r.terminalStep(ctx, step.ID, se, models.StepFailed, models.EventStepFailed, nil)
		if r.state.def.ErrorHandling.DefaultAction == models.StopWorkflow {
			r.state.requestStop()
		}
		return
	}

	se.RetryCount++
	r.state.updateStepExecution(se)
	r.emit(ctx, step.ID, models.EventStepRetrying, map[string]interface{}{"attempt": se.RetryCount})

	interval := step.RetryInterval
	if interval <= 0 {
		interval = r.engine.cfg.DefaultRetryInterval
	}
	if r.engine.cfg.ExponentialBackoff {
		interval = interval * time.Duration(uint64(1)<<uint(se.RetryCount-1))
		if interval > r.engine.cfg.MaxRetryBackoff {
			interval = r.engine.cfg.MaxRetryBackoff
		}
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return // cancellation during retryInterval sleep: loop observes ctx.Done and finalizes
	}

	se.Status = models.StepNotStarted
	r.state.updateStepExecution(se)
	r.state.clearLaunched(step.ID)
	r.persistStep(ctx, se)
}

func (r *stepRunner) routeFallback(ctx context.Context, step *models.Step) {
	fallbackID := step.ErrorHandling.FallbackStepID
	fallback, ok := r.state.def.StepByID(fallbackID)
	if fallbackID == "" || !ok {
		r.state.requestStop() // "fallbackStepId missing or not in the definition: the execution fails"
		return
	}
	fse := r.state.stepExecution(fallback.ID)
	fse.Status = models.StepNotStarted
	r.state.updateStepExecution(fse)
	r.state.clearLaunched(fallback.ID)
	_ = ctx
}

func errorKind(err error) string {
	var appErr *enginerr.Error
	if errors.As(err, &appErr) {
		return string(appErr.Kind)
	}
	return string(enginerr.ProcessorError)
}
