// Package builtin supplies the small set of processors a complete repo
// ships for its own tests and examples -- the spec treats Processors as
// external collaborators (§1), but a repo with a registry and no
// implementations to exercise it is not a complete one.
package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
	"github.com/mitchellh/mapstructure"

	"github.com/flowforge/etlengine/internal/models"
	"github.com/flowforge/etlengine/internal/processor"
)

// Passthrough returns its merged input unchanged. cmd/engine registers it
// for the Extract, Transform, Load, Branch and Join step types, so a
// definition runs in dependency order without any real transform logic.
var Passthrough = processor.ProcessorFunc(func(_ context.Context, _ models.Step, execCtx processor.ExecutionContext) (interface{}, error) {
	if len(execCtx.StepOutputs) == 0 {
		return execCtx.Parameters, nil
	}
	return execCtx.StepOutputs, nil
})

// httpConfig is the recognized configuration shape for HTTPProcessor,
// decoded out of Step.Configuration with mapstructure per §9's guidance
// to document recognized keys at the processor boundary rather than
// baking them into the engine.
type httpConfig struct {
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
}

// HTTPProcessor calls the external endpoint named in the step's
// configuration; cmd/engine registers it for Enrich steps.
type HTTPProcessor struct {
	Client *resty.Client
}

// NewHTTPProcessor builds an HTTPProcessor with a default resty client.
func NewHTTPProcessor() *HTTPProcessor {
	return &HTTPProcessor{Client: resty.New().SetTimeout(30 * time.Second)}
}

func (h *HTTPProcessor) Process(ctx context.Context, step models.Step, _ processor.ExecutionContext) (interface{}, error) {
	var cfg httpConfig
	if err := mapstructure.Decode(step.Configuration, &cfg); err != nil {
		return nil, fmt.Errorf("decode http configuration: %w", err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("http processor requires configuration.url")
	}
	method := cfg.Method
	if method == "" {
		method = "GET"
	}

	req := h.Client.R().SetContext(ctx)
	for k, v := range cfg.Headers {
		req.SetHeader(k, v)
	}
	resp, err := req.Execute(method, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("http request returned status %d", resp.StatusCode())
	}
	return map[string]interface{}{
		"status": resp.StatusCode(),
		"body":   string(resp.Body()),
	}, nil
}

// validateConfig is the recognized configuration shape for ValidateProcessor.
type validateConfig struct {
	Required []string `mapstructure:"required"`
}

// ValidateProcessor backs the Validate step type: it checks that the
// configured required fields are present (and non-zero) in the merged
// input, using go-playground/validator's "required" tag rather than
// hand-rolled presence checks.
type ValidateProcessor struct {
	validate *validator.Validate
}

func NewValidateProcessor() *ValidateProcessor {
	return &ValidateProcessor{validate: validator.New()}
}

type requiredFieldSet struct {
	Value interface{} `validate:"required"`
}

func (v *ValidateProcessor) Process(_ context.Context, step models.Step, execCtx processor.ExecutionContext) (interface{}, error) {
	var cfg validateConfig
	if err := mapstructure.Decode(step.Configuration, &cfg); err != nil {
		return nil, fmt.Errorf("decode validate configuration: %w", err)
	}

	merged := make(map[string]interface{})
	for k, val := range execCtx.Parameters {
		merged[k] = val
	}
	for k, val := range execCtx.StepOutputs {
		merged[k] = val
	}

	for _, field := range cfg.Required {
		val, ok := merged[field]
		set := requiredFieldSet{Value: val}
		if !ok {
			return nil, fmt.Errorf("required field %q is missing", field)
		}
		if err := v.validate.Struct(set); err != nil {
			return nil, fmt.Errorf("field %q failed validation: %w", field, err)
		}
	}
	return map[string]interface{}{"validated": cfg.Required}, nil
}

// waitConfig is the recognized configuration shape for WaitProcessor.
type waitConfig struct {
	DurationMillis int `mapstructure:"durationMillis"`
}

// WaitProcessor sleeps for the configured duration, honoring cancellation;
// cmd/engine registers it for Custom steps.
var WaitProcessor = processor.ProcessorFunc(func(ctx context.Context, step models.Step, _ processor.ExecutionContext) (interface{}, error) {
	var cfg waitConfig
	_ = mapstructure.Decode(step.Configuration, &cfg)
	d := time.Duration(cfg.DurationMillis) * time.Millisecond

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]interface{}{"waited_ms": cfg.DurationMillis}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
})
