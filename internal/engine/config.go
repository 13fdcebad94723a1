package engine

import "time"

// Config configures engine-wide limits, generalized from the teacher's
// Config in workflow_engine.go (MaxConcurrentExecutions, timeouts) and
// ExecutorConfig in executor.go (retry backoff).
type Config struct {
	// MaxConcurrentExecutions bounds the number of executions with status
	// Running at any instant (§5, §8 bounded-concurrency invariant).
	MaxConcurrentExecutions int64
	// DefaultWorkflowTimeout bounds a single execution's wall-clock budget.
	DefaultWorkflowTimeout time.Duration
	// DefaultRetryInterval is used when a step does not set RetryInterval.
	DefaultRetryInterval time.Duration
	// ExponentialBackoff multiplies RetryInterval by 2^attempt when true,
	// capped at MaxRetryBackoff, per §4.3's "callers may enable exponential
	// backoff".
	ExponentialBackoff bool
	MaxRetryBackoff    time.Duration
	// LegacyExpressionSemantics is forwarded to the condition.Evaluator,
	// resolving the §9 open question on unknown expression syntax.
	LegacyExpressionSemantics bool
}

// DefaultConfig mirrors the teacher's defaults (config.go's setDefaults):
// modest concurrency, generous per-execution timeout.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentExecutions:   10,
		DefaultWorkflowTimeout:    15 * time.Minute,
		DefaultRetryInterval:      time.Second,
		ExponentialBackoff:        true,
		MaxRetryBackoff:           30 * time.Second,
		LegacyExpressionSemantics: false,
	}
}
