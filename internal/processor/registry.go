// Package processor defines the Processor contract (§6) and a registry
// dispatching by step type, generalized from the teacher's per-node-type
// CircuitBreaker (internal/engine/executor.go) into a per-step-type health
// gate on top of the registry's own Resolve, not the step runner's retry
// policy -- the breaker pre-empts a doomed processor.process call, it never
// changes step status outcomes itself.
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowforge/etlengine/internal/enginerr"
	"github.com/flowforge/etlengine/internal/models"
)

// ExecutionContext is the per-execution mutable view a Processor sees,
// per the Context glossary entry and the §6 Processor contract.
type ExecutionContext struct {
	ExecutionID  string
	WorkflowID   string
	Parameters   map[string]interface{}
	Variables    map[string]interface{}
	StepOutputs  map[string]interface{}
	Cancellation <-chan struct{}
}

// Processor performs the work for one step type.
type Processor interface {
	Process(ctx context.Context, step models.Step, execCtx ExecutionContext) (interface{}, error)
}

// ProcessorFunc adapts a plain function to the Processor interface.
type ProcessorFunc func(ctx context.Context, step models.Step, execCtx ExecutionContext) (interface{}, error)

func (f ProcessorFunc) Process(ctx context.Context, step models.Step, execCtx ExecutionContext) (interface{}, error) {
	return f(ctx, step, execCtx)
}

// BreakerConfig configures the per-step-type health gate.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// DefaultBreakerConfig is applied to any step type with no explicit config.
var DefaultBreakerConfig = BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type breaker struct {
	mu           sync.Mutex
	cfg          BreakerConfig
	state        breakerState
	failures     int
	lastFailure  time.Time
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		if time.Since(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= b.cfg.FailureThreshold {
		b.state = breakerOpen
	}
}

// Registry is an immutable-after-construction dispatch table from step
// type to Processor, per §4.5.
type Registry struct {
	processors map[models.StepType]Processor
	breakers   map[models.StepType]*breaker
	breakerMu  sync.Mutex
	breakerCfg map[models.StepType]BreakerConfig
}

// NewRegistry builds a Registry from a fixed set of processors, supplied
// by the host at engine construction. The registry does not mutate this
// set afterward.
func NewRegistry(processors map[models.StepType]Processor) *Registry {
	return &Registry{
		processors: processors,
		breakers:   make(map[models.StepType]*breaker),
		breakerCfg: make(map[models.StepType]BreakerConfig),
	}
}

// WithBreakerConfig overrides the health-gate config for a step type.
func (r *Registry) WithBreakerConfig(t models.StepType, cfg BreakerConfig) *Registry {
	r.breakerCfg[t] = cfg
	return r
}

// Resolve returns the Processor for a step type, or a ConfigurationError
// if none is registered, or a ProcessorError if the type's health gate is
// open.
func (r *Registry) Resolve(t models.StepType) (Processor, error) {
	p, ok := r.processors[t]
	if !ok {
		return nil, enginerr.New(enginerr.ConfigurationError, "processor.Resolve", fmt.Errorf("no processor registered for step type %q", t))
	}
	b := r.breakerFor(t)
	if !b.allow() {
		return nil, enginerr.New(enginerr.ProcessorError, "processor.Resolve", fmt.Errorf("processor for step type %q is unavailable (circuit open)", t))
	}
	return &gatedProcessor{Processor: p, breaker: b}, nil
}

func (r *Registry) breakerFor(t models.StepType) *breaker {
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()
	if b, ok := r.breakers[t]; ok {
		return b
	}
	cfg, ok := r.breakerCfg[t]
	if !ok {
		cfg = DefaultBreakerConfig
	}
	b := &breaker{cfg: cfg}
	r.breakers[t] = b
	return b
}

// gatedProcessor feeds process outcomes back into the step type's breaker.
type gatedProcessor struct {
	Processor
	breaker *breaker
}

func (g *gatedProcessor) Process(ctx context.Context, step models.Step, execCtx ExecutionContext) (interface{}, error) {
	out, err := g.Processor.Process(ctx, step, execCtx)
	if err != nil {
		g.breaker.recordFailure()
		return nil, err
	}
	g.breaker.recordSuccess()
	return out, nil
}
