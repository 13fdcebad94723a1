package models

import "time"

// ExecutionStatus is the closed set of WorkflowExecution statuses.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "Pending"
	ExecutionRunning   ExecutionStatus = "Running"
	ExecutionPaused    ExecutionStatus = "Paused"
	ExecutionCompleted ExecutionStatus = "Completed"
	ExecutionFailed    ExecutionStatus = "Failed"
	ExecutionCancelled ExecutionStatus = "Cancelled"
)

// StepStatus is the closed set of StepExecution statuses.
type StepStatus string

const (
	StepNotStarted StepStatus = "NotStarted"
	StepWaiting    StepStatus = "Waiting"
	StepRunning    StepStatus = "Running"
	StepCompleted  StepStatus = "Completed"
	StepFailed     StepStatus = "Failed"
	StepSkipped    StepStatus = "Skipped"
	StepCancelled  StepStatus = "Cancelled"
)

// IsTerminal reports whether status will not transition further (except
// the RetryStep reset back to NotStarted, which is handled by the step
// runner, not by callers inspecting status).
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

// SatisfiesDependency reports whether a step in this status counts as
// "done" for the purposes of a dependent step's readiness.
func (s StepStatus) SatisfiesDependency() bool {
	return s == StepCompleted || s == StepSkipped
}

// ExecutionError is one recorded error against a step or an execution.
type ExecutionError struct {
	StepID    string    `json:"stepId,omitempty"`
	ErrorType string    `json:"errorType"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StepExecution is the state record for one step within one execution.
//
// Invariant: transitions are monotonic except for the RetryStep path,
// which resets Status to NotStarted.
type StepExecution struct {
	ID          string                 `json:"id"`
	StepID      string                 `json:"stepId"`
	Status      StepStatus             `json:"status"`
	StartTime   *time.Time             `json:"startTime,omitempty"`
	EndTime     *time.Time             `json:"endTime,omitempty"`
	RetryCount  int                    `json:"retryCount"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Errors      []ExecutionError       `json:"errors,omitempty"`
}

// WorkflowExecution is a single run of a workflow definition.
type WorkflowExecution struct {
	ID             string                     `json:"id"`
	WorkflowID     string                     `json:"workflowId"`
	WorkflowVersion int                       `json:"workflowVersion"`
	Status         ExecutionStatus            `json:"status"`
	StartTime      time.Time                  `json:"startTime"`
	EndTime        *time.Time                 `json:"endTime,omitempty"`
	Parameters     map[string]interface{}     `json:"parameters,omitempty"`
	Variables      map[string]interface{}     `json:"variables,omitempty"`
	StepOutputs    map[string]interface{}     `json:"stepOutputs,omitempty"`
	Steps          []StepExecution            `json:"steps"`
	Errors         []ExecutionError           `json:"errors,omitempty"`
	TriggerType    string                     `json:"triggerType"`
	Version        int                        `json:"version"` // optimistic-concurrency token, §9
}

// StepExecutionByStepID returns the StepExecution for the given step id.
func (e *WorkflowExecution) StepExecutionByStepID(stepID string) (*StepExecution, bool) {
	for i := range e.Steps {
		if e.Steps[i].StepID == stepID {
			return &e.Steps[i], true
		}
	}
	return nil, false
}
