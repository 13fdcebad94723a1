// Package observability carries the ambient-stack logging/metrics/tracing
// concerns, adapted from the teacher's internal/observability/*. The
// gRPC-specific and queue-specific metrics are dropped along with the
// teacher's gRPC transport (see DESIGN.md); the rest of the vocabulary --
// step/workflow execution counters, error counters, database connection
// gauges -- is kept and renamed from the teacher's tenant/node-type label
// set to this spec's workflow/step vocabulary, with an event-bus counter
// added for internal/eventbus.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the engine exposes on /metrics.
type Metrics struct {
	StepExecutionsTotal   *prometheus.CounterVec
	StepExecutionDuration *prometheus.HistogramVec
	ActiveStepExecutions  *prometheus.GaugeVec

	WorkflowExecutionsTotal  *prometheus.CounterVec
	ActiveWorkflowExecutions prometheus.Gauge

	EventBusPublished *prometheus.CounterVec

	ErrorsTotal *prometheus.CounterVec

	DatabaseConnections *prometheus.GaugeVec
}

// NewMetrics registers every collector against the default registry via
// promauto, exactly as the teacher's NewMetrics does.
func NewMetrics() *Metrics {
	return &Metrics{
		StepExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etlengine_step_executions_total",
				Help: "Total number of step executions by type and status",
			},
			[]string{"step_type", "status"},
		),
		StepExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "etlengine_step_execution_duration_seconds",
				Help:    "Duration of step executions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"step_type"},
		),
		ActiveStepExecutions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "etlengine_active_step_executions",
				Help: "Number of currently running steps",
			},
			[]string{"step_type"},
		),
		WorkflowExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etlengine_workflow_executions_total",
				Help: "Total number of workflow executions by terminal status",
			},
			[]string{"status"},
		),
		ActiveWorkflowExecutions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "etlengine_active_workflow_executions",
				Help: "Number of currently running workflow executions",
			},
		),
		EventBusPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etlengine_eventbus_published_total",
				Help: "Total number of timeline events published to the event bus",
			},
			[]string{"status"},
		),
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etlengine_errors_total",
				Help: "Total number of errors by component and kind",
			},
			[]string{"component", "error_kind"},
		),
		DatabaseConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "etlengine_database_connections",
				Help: "Database connection pool state",
			},
			[]string{"state"}, // "active", "idle", "open"
		),
	}
}

func (m *Metrics) RecordStepExecution(stepType, status string) {
	m.StepExecutionsTotal.WithLabelValues(stepType, status).Inc()
}

func (m *Metrics) ObserveStepDuration(stepType string, seconds float64) {
	m.StepExecutionDuration.WithLabelValues(stepType).Observe(seconds)
}

func (m *Metrics) SetActiveSteps(stepType string, count float64) {
	m.ActiveStepExecutions.WithLabelValues(stepType).Set(count)
}

func (m *Metrics) RecordWorkflowExecution(status string) {
	m.WorkflowExecutionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) SetActiveWorkflows(count float64) {
	m.ActiveWorkflowExecutions.Set(count)
}

func (m *Metrics) RecordEventPublished(status string) {
	m.EventBusPublished.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordError(component, errorKind string) {
	m.ErrorsTotal.WithLabelValues(component, errorKind).Inc()
}

func (m *Metrics) SetDatabaseConnections(state string, count float64) {
	m.DatabaseConnections.WithLabelValues(state).Set(count)
}
