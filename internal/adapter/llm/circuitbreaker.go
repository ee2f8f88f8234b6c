package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"localthreads/internal/domain"
	"localthreads/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerProvider wraps a StreamProvider with circuit breaker
// protection around stream opening. When opening the upstream stream fails
// repeatedly, the circuit opens and subsequent requests fail fast without
// reaching the provider. Failures after the stream is open do not count;
// they already surface to the client as in-stream error events.
type CircuitBreakerProvider struct {
	inner   domain.StreamProvider
	breaker *gobreaker.CircuitBreaker[<-chan domain.ProviderEvent]
	logger  *slog.Logger
}

// NewCircuitBreakerProvider wraps inner with a circuit breaker. Zero-valued
// cfg fields fall back to defaults.
func NewCircuitBreakerProvider(inner domain.StreamProvider, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerProvider {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[<-chan domain.ProviderEvent](gobreaker.Settings{
		Name:        "llm:" + inner.Name(),
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &CircuitBreakerProvider{inner: inner, breaker: cb, logger: logger}
}

// Stream implements domain.StreamProvider.
func (p *CircuitBreakerProvider) Stream(ctx context.Context, req domain.ChatRequest) (<-chan domain.ProviderEvent, error) {
	return p.breaker.Execute(func() (<-chan domain.ProviderEvent, error) {
		return p.inner.Stream(ctx, req)
	})
}

// Name implements domain.StreamProvider.
func (p *CircuitBreakerProvider) Name() string { return p.inner.Name() }
