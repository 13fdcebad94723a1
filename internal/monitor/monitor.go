// Package monitor implements §4.7: an append-only timeline event journal
// and incremental per-workflow/per-step metrics aggregation. It has no
// direct teacher analogue (engine-go's metrics.go is pure Prometheus
// counters with no timeline journal) — it is built in the teacher's plain,
// mutex-guarded in-memory-store idiom (internal/storage/storage.go's
// RedisStorage and internal/repo/repository.go both favor a small guarded
// struct over anything heavier), and best-effort publishes every recorded
// event onto internal/eventbus so external subscribers can tail the stream
// live, matching the Notifier's own swallow-failure contract.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/etlengine/internal/eventbus"
	"github.com/flowforge/etlengine/internal/models"
)

// metricsSink is the subset of observability.Metrics the monitor drives.
// Kept as a narrow interface so this package does not import
// internal/observability directly, the same boundary the teacher draws
// between its engine and metrics packages.
type metricsSink interface {
	RecordStepExecution(stepType, status string)
	ObserveStepDuration(stepType string, seconds float64)
	RecordWorkflowExecution(status string)
	RecordEventPublished(status string)
}

// Monitor records timeline events and aggregates metrics.
type Monitor struct {
	mu            sync.Mutex
	events        map[string][]models.TimelineEvent // executionId -> events, append-only
	workflowStats map[string]*models.WorkflowMetrics
	stepStats     map[models.StepMetricsKey]*models.StepMetrics
	commonErrors  map[models.StepMetricsKey]map[string]*models.CommonError
	bus           eventbus.Bus
	metrics       metricsSink
	logger        *zap.Logger
}

// New builds a Monitor. bus may be eventbus.NopBus{} when no broker is
// configured; metrics may be nil to skip Prometheus recording entirely.
func New(bus eventbus.Bus, metrics metricsSink, logger *zap.Logger) *Monitor {
	return &Monitor{
		events:        make(map[string][]models.TimelineEvent),
		workflowStats: make(map[string]*models.WorkflowMetrics),
		stepStats:     make(map[models.StepMetricsKey]*models.StepMetrics),
		commonErrors:  make(map[models.StepMetricsKey]map[string]*models.CommonError),
		bus:           bus,
		metrics:       metrics,
		logger:        logger.With(zap.String("component", "monitor")),
	}
}

// RecordTimelineEvent appends event to the journal and best-effort
// publishes it onto the event bus. ID/Timestamp are filled if zero.
func (m *Monitor) RecordTimelineEvent(ctx context.Context, event models.TimelineEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], event)
	m.mu.Unlock()

	if err := m.bus.Publish(ctx, event); err != nil {
		m.logger.Debug("timeline event publish failed, continuing", zap.Error(err), zap.String("eventType", string(event.EventType)))
		m.recordPublished("error")
		return
	}
	m.recordPublished("ok")
}

func (m *Monitor) recordPublished(status string) {
	if m.metrics != nil {
		m.metrics.RecordEventPublished(status)
	}
}

// GetTimelineEvents returns up to limit events for an execution, oldest
// first (append order).
func (m *Monitor) GetTimelineEvents(_ context.Context, executionID string, limit int) []models.TimelineEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.events[executionID]
	if limit <= 0 || limit >= len(events) {
		out := make([]models.TimelineEvent, len(events))
		copy(out, events)
		return out
	}
	out := make([]models.TimelineEvent, limit)
	copy(out, events[:limit])
	return out
}

// UpdateWorkflowMetrics folds a terminal execution into the per-workflow
// and per-step aggregates, using the incremental running formula
// avg_new = avg_old + (x - avg_old)/n for min/avg/max.
func (m *Monitor) UpdateWorkflowMetrics(_ context.Context, exec *models.WorkflowExecution) {
	if exec.EndTime == nil {
		return // only terminal executions contribute
	}
	duration := exec.EndTime.Sub(exec.StartTime)

	m.mu.Lock()
	defer m.mu.Unlock()

	wf := m.workflowStats[exec.WorkflowID]
	if wf == nil {
		wf = &models.WorkflowMetrics{WorkflowID: exec.WorkflowID}
		m.workflowStats[exec.WorkflowID] = wf
	}
	wf.TotalExecutions++
	if exec.Status == models.ExecutionCompleted {
		wf.SuccessCount++
	} else if exec.Status == models.ExecutionFailed {
		wf.FailureCount++
	}
	applyRunningDuration(&wf.MinDuration, &wf.AvgDuration, &wf.MaxDuration, duration, wf.TotalExecutions)
	wf.LastExecutionAt = *exec.EndTime
	if m.metrics != nil {
		m.metrics.RecordWorkflowExecution(string(exec.Status))
	}

	for _, step := range exec.Steps {
		key := models.StepMetricsKey{WorkflowID: exec.WorkflowID, StepID: step.StepID}
		sm := m.stepStats[key]
		if sm == nil {
			sm = &models.StepMetrics{WorkflowID: exec.WorkflowID, StepID: step.StepID}
			m.stepStats[key] = sm
		}
		sm.TotalRuns++
		sm.RetryCount += int64(step.RetryCount)
		switch step.Status {
		case models.StepCompleted:
			sm.SuccessCount++
		case models.StepFailed:
			sm.FailureCount++
		}
		if step.StartTime != nil && step.EndTime != nil {
			stepDuration := step.EndTime.Sub(*step.StartTime)
			applyRunningDuration(&sm.MinDuration, &sm.AvgDuration, &sm.MaxDuration, stepDuration, sm.TotalRuns)
			if m.metrics != nil {
				m.metrics.ObserveStepDuration(step.StepID, stepDuration.Seconds())
			}
		}
		if m.metrics != nil {
			m.metrics.RecordStepExecution(step.StepID, string(step.Status))
		}

		for _, stepErr := range step.Errors {
			m.recordCommonError(key, sm, stepErr)
		}
	}
}

func (m *Monitor) recordCommonError(key models.StepMetricsKey, sm *models.StepMetrics, stepErr models.ExecutionError) {
	bucket := m.commonErrors[key]
	if bucket == nil {
		bucket = make(map[string]*models.CommonError)
		m.commonErrors[key] = bucket
	}
	errKey := errorBucketKey(stepErr.ErrorType, stepErr.Message)
	ce := bucket[errKey]
	if ce == nil {
		ce = &models.CommonError{ErrorType: stepErr.ErrorType, Message: truncate(stepErr.Message, 120)}
		bucket[errKey] = ce
	}
	ce.Count++

	sm.CommonErrors = sm.CommonErrors[:0]
	for _, ce := range bucket {
		sm.CommonErrors = append(sm.CommonErrors, *ce)
	}
	sort.Slice(sm.CommonErrors, func(i, j int) bool { return sm.CommonErrors[i].Count > sm.CommonErrors[j].Count })
}

func errorBucketKey(errorType, message string) string {
	return errorType + "|" + truncate(message, 120)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// applyRunningDuration updates min/avg/max in place given a new sample and
// the sample count after including it (n).
func applyRunningDuration(min, avg, max *time.Duration, sample time.Duration, n int64) {
	if n == 1 {
		*min, *avg, *max = sample, sample, sample
		return
	}
	if sample < *min {
		*min = sample
	}
	if sample > *max {
		*max = sample
	}
	*avg = *avg + time.Duration(int64(sample-*avg)/n)
}

// GetWorkflowMetrics returns the current aggregate for a workflow, or
// false if no execution has terminated for it yet.
func (m *Monitor) GetWorkflowMetrics(_ context.Context, workflowID string) (models.WorkflowMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflowStats[workflowID]
	if !ok {
		return models.WorkflowMetrics{}, false
	}
	return *wf, true
}

// GetStepMetrics returns the current aggregate for one step of a workflow.
func (m *Monitor) GetStepMetrics(_ context.Context, workflowID, stepID string) (models.StepMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sm, ok := m.stepStats[models.StepMetricsKey{WorkflowID: workflowID, StepID: stepID}]
	if !ok {
		return models.StepMetrics{}, false
	}
	return *sm, true
}
