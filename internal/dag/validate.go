// Package dag validates workflow DAGs and computes ready-step sets. It is
// a pure, engine-agnostic package: no I/O, no concurrency primitives,
// generalized from the teacher's internal/engine/helpers.go
// (validateDAG/checkCircularDependencies) into a standalone unit. The
// Engine calls Validate when a definition is submitted for execution and
// the HTTP gateway calls it before saving a posted definition; the
// Repository implementations do not call it.
package dag

import (
	"fmt"

	"github.com/flowforge/etlengine/internal/enginerr"
	"github.com/flowforge/etlengine/internal/models"
)

// Validate checks that a WorkflowDefinition's steps form a valid DAG: step
// ids unique, every dependsOn id resolvable, fallback targets resolvable,
// and the induced graph acyclic.
func Validate(def *models.WorkflowDefinition) error {
	if def == nil {
		return enginerr.New(enginerr.ConfigurationError, "dag.Validate", fmt.Errorf("workflow definition is nil"))
	}
	if len(def.Steps) == 0 {
		return enginerr.New(enginerr.ConfigurationError, "dag.Validate", fmt.Errorf("workflow must have at least one step"))
	}

	ids := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if ids[s.ID] {
			return enginerr.New(enginerr.ConfigurationError, "dag.Validate", fmt.Errorf("duplicate step id: %s", s.ID))
		}
		ids[s.ID] = true
	}

	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return enginerr.New(enginerr.ConfigurationError, "dag.Validate", fmt.Errorf("step %s depends on unknown step %s", s.ID, dep))
			}
		}
		if s.ErrorHandling.OnError == models.ExecuteFallback {
			if s.ErrorHandling.FallbackStepID == "" {
				return enginerr.New(enginerr.ConfigurationError, "dag.Validate", fmt.Errorf("step %s uses ExecuteFallback but names no fallbackStepId", s.ID))
			}
			if !ids[s.ErrorHandling.FallbackStepID] {
				return enginerr.New(enginerr.ConfigurationError, "dag.Validate", fmt.Errorf("step %s fallback %s does not exist", s.ID, s.ErrorHandling.FallbackStepID))
			}
		}
	}

	if err := checkCycles(def.Steps); err != nil {
		return enginerr.New(enginerr.ConfigurationError, "dag.Validate", err)
	}
	return nil
}

// checkCycles runs a DFS with a recursion stack over the dependsOn edges,
// the same shape as the teacher's checkCircularDependencies.
func checkCycles(steps []models.Step) error {
	byID := make(map[string]*models.Step, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}

	visited := make(map[string]bool, len(steps))
	onStack := make(map[string]bool, len(steps))

	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		defer func() { onStack[id] = false }()

		step := byID[id]
		for _, dep := range step.DependsOn {
			if !visited[dep] {
				if dfs(dep) {
					return true
				}
			} else if onStack[dep] {
				return true
			}
		}
		return false
	}

	for _, s := range steps {
		if !visited[s.ID] {
			if dfs(s.ID) {
				return fmt.Errorf("circular dependency detected involving step %s", s.ID)
			}
		}
	}
	return nil
}
