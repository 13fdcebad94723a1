package monitor

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/etlengine/internal/eventbus"
	"github.com/flowforge/etlengine/internal/models"
)

type recordingMetrics struct {
	stepExecs     []string
	stepDurations []string
	workflowExecs []string
	published     []string
}

func (m *recordingMetrics) RecordStepExecution(stepType, status string) {
	m.stepExecs = append(m.stepExecs, stepType+"/"+status)
}
func (m *recordingMetrics) ObserveStepDuration(stepType string, seconds float64) {
	m.stepDurations = append(m.stepDurations, stepType)
}
func (m *recordingMetrics) RecordWorkflowExecution(status string) {
	m.workflowExecs = append(m.workflowExecs, status)
}
func (m *recordingMetrics) RecordEventPublished(status string) {
	m.published = append(m.published, status)
}

func newTestMonitor(metrics metricsSink) *Monitor {
	return New(eventbus.NopBus{}, metrics, zap.NewNop())
}

func TestRecordTimelineEventAssignsIDAndTimestamp(t *testing.T) {
	m := newTestMonitor(nil)
	event := models.TimelineEvent{ExecutionID: "exec-1", EventType: models.EventWorkflowStarted}
	m.RecordTimelineEvent(context.Background(), event)

	events := m.GetTimelineEvents(context.Background(), "exec-1", 0)
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].ID == "" {
		t.Fatal("expected event ID to be assigned")
	}
	if events[0].Timestamp.IsZero() {
		t.Fatal("expected event timestamp to be assigned")
	}
}

func TestRecordTimelineEventAppendOrderPreserved(t *testing.T) {
	m := newTestMonitor(nil)
	ctx := context.Background()
	m.RecordTimelineEvent(ctx, models.TimelineEvent{ExecutionID: "exec-1", EventType: models.EventStepStarted, StepID: "extract"})
	m.RecordTimelineEvent(ctx, models.TimelineEvent{ExecutionID: "exec-1", EventType: models.EventStepCompleted, StepID: "extract"})

	events := m.GetTimelineEvents(ctx, "exec-1", 0)
	if len(events) != 2 {
		t.Fatalf("expected two events, got %d", len(events))
	}
	if events[0].EventType != models.EventStepStarted || events[1].EventType != models.EventStepCompleted {
		t.Fatalf("expected append order preserved, got %+v", events)
	}
}

func TestRecordTimelineEventPublishesToMetricsSink(t *testing.T) {
	metrics := &recordingMetrics{}
	m := newTestMonitor(metrics)
	m.RecordTimelineEvent(context.Background(), models.TimelineEvent{ExecutionID: "exec-1", EventType: models.EventWorkflowStarted})

	if len(metrics.published) != 1 || metrics.published[0] != "ok" {
		t.Fatalf("expected one 'ok' publish record, got %v", metrics.published)
	}
}

func TestUpdateWorkflowMetricsIgnoresNonTerminalExecutions(t *testing.T) {
	m := newTestMonitor(nil)
	m.UpdateWorkflowMetrics(context.Background(), &models.WorkflowExecution{WorkflowID: "wf-1", Status: models.ExecutionRunning})

	if _, ok := m.GetWorkflowMetrics(context.Background(), "wf-1"); ok {
		t.Fatal("expected no metrics recorded for a non-terminal execution")
	}
}

func TestUpdateWorkflowMetricsAccumulatesRunningAverage(t *testing.T) {
	m := newTestMonitor(nil)
	ctx := context.Background()
	start := time.Now()

	end1 := start.Add(10 * time.Second)
	m.UpdateWorkflowMetrics(ctx, &models.WorkflowExecution{WorkflowID: "wf-1", Status: models.ExecutionCompleted, StartTime: start, EndTime: &end1})

	end2 := start.Add(20 * time.Second)
	m.UpdateWorkflowMetrics(ctx, &models.WorkflowExecution{WorkflowID: "wf-1", Status: models.ExecutionCompleted, StartTime: start, EndTime: &end2})

	wf, ok := m.GetWorkflowMetrics(ctx, "wf-1")
	if !ok {
		t.Fatal("expected workflow metrics to exist")
	}
	if wf.TotalExecutions != 2 || wf.SuccessCount != 2 {
		t.Fatalf("expected 2 total/success executions, got %+v", wf)
	}
	if wf.MinDuration != 10*time.Second || wf.MaxDuration != 20*time.Second {
		t.Fatalf("expected min=10s max=20s, got min=%v max=%v", wf.MinDuration, wf.MaxDuration)
	}
	if wf.AvgDuration != 15*time.Second {
		t.Fatalf("expected avg=15s, got %v", wf.AvgDuration)
	}
}

func TestUpdateWorkflowMetricsTracksFailureCount(t *testing.T) {
	m := newTestMonitor(nil)
	end := time.Now()
	m.UpdateWorkflowMetrics(context.Background(), &models.WorkflowExecution{WorkflowID: "wf-1", Status: models.ExecutionFailed, EndTime: &end})

	wf, ok := m.GetWorkflowMetrics(context.Background(), "wf-1")
	if !ok || wf.FailureCount != 1 || wf.SuccessCount != 0 {
		t.Fatalf("expected 1 failure 0 success, got %+v", wf)
	}
}

func TestUpdateWorkflowMetricsDrivesMetricsSink(t *testing.T) {
	metrics := &recordingMetrics{}
	m := newTestMonitor(metrics)
	start := time.Now()
	end := start.Add(time.Second)
	stepStart := start
	stepEnd := end

	m.UpdateWorkflowMetrics(context.Background(), &models.WorkflowExecution{
		WorkflowID: "wf-1", Status: models.ExecutionCompleted, StartTime: start, EndTime: &end,
		Steps: []models.StepExecution{
			{StepID: "extract", Status: models.StepCompleted, StartTime: &stepStart, EndTime: &stepEnd},
		},
	})

	if len(metrics.workflowExecs) != 1 || metrics.workflowExecs[0] != string(models.ExecutionCompleted) {
		t.Fatalf("expected one workflow execution record, got %v", metrics.workflowExecs)
	}
	if len(metrics.stepExecs) != 1 || metrics.stepExecs[0] != "extract/Completed" {
		t.Fatalf("expected one step execution record, got %v", metrics.stepExecs)
	}
	if len(metrics.stepDurations) != 1 {
		t.Fatalf("expected one step duration observation, got %v", metrics.stepDurations)
	}
}

func TestUpdateWorkflowMetricsTracksCommonErrors(t *testing.T) {
	m := newTestMonitor(nil)
	end := time.Now()
	exec := &models.WorkflowExecution{
		WorkflowID: "wf-1", Status: models.ExecutionFailed, EndTime: &end,
		Steps: []models.StepExecution{
			{StepID: "extract", Status: models.StepFailed, Errors: []models.ExecutionError{
				{ErrorType: "timeout", Message: "connection timed out"},
			}},
		},
	}
	m.UpdateWorkflowMetrics(context.Background(), exec)
	m.UpdateWorkflowMetrics(context.Background(), exec)

	sm, ok := m.GetStepMetrics(context.Background(), "wf-1", "extract")
	if !ok {
		t.Fatal("expected step metrics to exist")
	}
	if len(sm.CommonErrors) != 1 || sm.CommonErrors[0].Count != 2 {
		t.Fatalf("expected one common error counted twice, got %+v", sm.CommonErrors)
	}
}
