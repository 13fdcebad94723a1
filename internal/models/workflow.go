// Package models holds the engine's durable data model: workflow
// definitions, executions, step executions, timeline events and metrics,
// per the specification's §3 data model.
package models

import "time"

// StepType is the closed set of step kinds a WorkflowDefinition can use.
type StepType string

const (
	StepExtract   StepType = "Extract"
	StepTransform StepType = "Transform"
	StepLoad      StepType = "Load"
	StepValidate  StepType = "Validate"
	StepEnrich    StepType = "Enrich"
	StepBranch    StepType = "Branch"
	StepJoin      StepType = "Join"
	StepCustom    StepType = "Custom"
)

// ErrorAction is the closed set of per-step error policies.
type ErrorAction string

const (
	StopWorkflow     ErrorAction = "StopWorkflow"
	ContinueWorkflow ErrorAction = "ContinueWorkflow"
	RetryStep        ErrorAction = "RetryStep"
	SkipStep         ErrorAction = "SkipStep"
	ExecuteFallback  ErrorAction = "ExecuteFallback"
)

// ConditionKind is the closed set of guard condition kinds recognized by
// the Condition Evaluator.
type ConditionKind string

const (
	ConditionExpression ConditionKind = "Expression"
	ConditionScript     ConditionKind = "Script"
	ConditionDataBased  ConditionKind = "DataBased"
	ConditionExternal   ConditionKind = "External"
)

// Condition is a single step guard.
type Condition struct {
	Kind       ConditionKind `json:"kind"`
	Expression string        `json:"expression,omitempty"`
}

// StepErrorHandling is the per-step error policy.
type StepErrorHandling struct {
	OnError        ErrorAction `json:"onError"`
	FallbackStepID string      `json:"fallbackStepId,omitempty"`
}

// Step is a single node in a WorkflowDefinition's DAG.
type Step struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Type          StepType               `json:"type"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
	DependsOn     []string               `json:"dependsOn,omitempty"`
	Conditions    []Condition            `json:"conditions,omitempty"`
	RetryCount    int                    `json:"retryCount"`
	RetryInterval time.Duration          `json:"retryInterval"`
	ErrorHandling StepErrorHandling      `json:"errorHandling"`
}

// WorkflowErrorHandling is the execution-wide default error policy.
type WorkflowErrorHandling struct {
	DefaultAction    ErrorAction `json:"defaultAction"`
	MaxErrors        int         `json:"maxErrors"`
	LogDetails       bool        `json:"logDetails"`
	NotifyOnError    bool        `json:"notifyOnError"`
}

// WorkflowDefinition is an immutable, versioned DAG of steps.
//
// Invariant: step ids are unique within a definition; every dependsOn id
// refers to another step in the same definition; the induced graph is
// acyclic. Checked by internal/dag.Validate when a definition is submitted
// for execution and before the HTTP gateway saves one; Repository
// SaveWorkflow does not check it.
type WorkflowDefinition struct {
	ID            string                 `json:"id"`
	Version       int                    `json:"version"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description"`
	Tags          []string               `json:"tags,omitempty"`
	Steps         []Step                 `json:"steps"`
	ErrorHandling WorkflowErrorHandling  `json:"errorHandling"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	IsLatest      bool                   `json:"isLatest"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

// StepByID returns the step with the given id, if present.
func (w *WorkflowDefinition) StepByID(id string) (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i], true
		}
	}
	return nil, false
}
