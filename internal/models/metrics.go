package models

import "time"

// WorkflowMetrics is the per-workflow aggregate, folded in incrementally
// as executions terminate.
type WorkflowMetrics struct {
	WorkflowID      string        `json:"workflowId"`
	TotalExecutions int64         `json:"totalExecutions"`
	SuccessCount    int64         `json:"successCount"`
	FailureCount    int64         `json:"failureCount"`
	MinDuration     time.Duration `json:"minDuration"`
	AvgDuration     time.Duration `json:"avgDuration"`
	MaxDuration     time.Duration `json:"maxDuration"`
	LastExecutionAt time.Time     `json:"lastExecutionAt"`
}

// StepMetricsKey identifies a per-step metrics bucket.
type StepMetricsKey struct {
	WorkflowID string
	StepID     string
}

// CommonError is an aggregated error bucket, keyed by errorType+message.
type CommonError struct {
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
	Count     int64  `json:"count"`
}

// StepMetrics is the per-step aggregate.
type StepMetrics struct {
	WorkflowID   string                 `json:"workflowId"`
	StepID       string                 `json:"stepId"`
	TotalRuns    int64                  `json:"totalRuns"`
	SuccessCount int64                  `json:"successCount"`
	FailureCount int64                  `json:"failureCount"`
	RetryCount   int64                  `json:"retryCount"`
	MinDuration  time.Duration          `json:"minDuration"`
	AvgDuration  time.Duration          `json:"avgDuration"`
	MaxDuration  time.Duration          `json:"maxDuration"`
	CommonErrors []CommonError          `json:"commonErrors,omitempty"`
}

// ExecutionSummary is the projection getExecutionSummaries returns: counts
// per status plus duration stats, without the full step list.
type ExecutionSummary struct {
	ExecutionID string          `json:"executionId"`
	WorkflowID  string          `json:"workflowId"`
	Status      ExecutionStatus `json:"status"`
	StartTime   time.Time       `json:"startTime"`
	EndTime     *time.Time      `json:"endTime,omitempty"`
	Duration    time.Duration   `json:"duration"`
}
