// Package notifier implements the §6 Notifier contract: a fire-and-forget
// HTTP POST of terminal execution notices. Built on go-resty/resty/v2 (the
// teacher's HTTP client of choice, shared with internal/processor/builtin's
// HTTPProcessor), throttled with golang.org/x/time/rate (generalizing the
// teacher's unused RateLimitConfig into an actual limiter), and guarded by
// internal/resilience's circuit breaker so a dead notification endpoint
// stops eating a full client timeout on every terminal execution.
package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flowforge/etlengine/internal/models"
	"github.com/flowforge/etlengine/internal/resilience"
)

// Notice is the payload posted to the configured endpoint.
type Notice struct {
	ExecutionID string                 `json:"executionId"`
	WorkflowID  string                 `json:"workflowId"`
	Subject     string                 `json:"subject"`
	Message     string                 `json:"message"`
	Status      models.ExecutionStatus `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Notifier posts terminal notices. Failures are logged and swallowed, per
// the §6 contract.
type Notifier interface {
	Notify(ctx context.Context, notice Notice)
}

// HTTPNotifier is the resty-backed Notifier.
type HTTPNotifier struct {
	client  *resty.Client
	url     string
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	logger  *zap.Logger
}

// New builds an HTTPNotifier. ratePerSecond bounds outbound notices; burst
// allows a short spike (e.g. several workflows terminating together)
// without dropping notices outright. The circuit breaker trips after 5
// consecutive delivery failures and stays open for 30s before probing
// again, so a dead endpoint doesn't cost a full client timeout per notice.
func New(url string, ratePerSecond float64, burst int, logger *zap.Logger) *HTTPNotifier {
	log := logger.With(zap.String("component", "notifier"))
	return &HTTPNotifier{
		client:  resty.New().SetTimeout(10 * time.Second),
		url:     url,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:        "notifier",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ShouldTrip: func(m resilience.CircuitBreakerMetrics) bool {
				return m.Counts.ConsecutiveFailures >= 5
			},
		}, log),
		logger: log,
	}
}

// Notify waits for a rate-limit token (bounded by ctx) then POSTs the
// notice through the circuit breaker. Any failure — including the rate
// limiter's own context cancellation or an open circuit — is logged and
// swallowed, never surfaced to the caller.
func (n *HTTPNotifier) Notify(ctx context.Context, notice Notice) {
	if n.url == "" {
		return
	}
	if err := n.limiter.Wait(ctx); err != nil {
		n.logger.Warn("notification dropped: rate limiter wait failed", zap.Error(err))
		return
	}
	_, err := n.breaker.ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
		resp, err := n.client.R().SetContext(ctx).SetBody(notice).Post(n.url)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("notification endpoint returned status %d", resp.StatusCode())
		}
		return resp, nil
	})
	if err != nil {
		n.logger.Warn("notification delivery failed", zap.String("executionId", notice.ExecutionID), zap.Error(err))
	}
}

// NopNotifier discards every notice, used when no endpoint is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notice) {}
