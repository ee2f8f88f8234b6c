package llm

import (
	"context"
	"fmt"
	"testing"

	"localthreads/internal/domain"
	"localthreads/internal/infra/config"
)

// failingProvider always fails to open a stream.
type failingProvider struct{ calls int }

func (f *failingProvider) Stream(context.Context, domain.ChatRequest) (<-chan domain.ProviderEvent, error) {
	f.calls++
	return nil, fmt.Errorf("%w: connection refused", domain.ErrProviderError)
}

func (f *failingProvider) Name() string { return "failing" }

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	inner := &failingProvider{}
	p := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{MaxFailures: 3}, testLogger())

	req := domain.ChatRequest{Messages: []domain.PromptMessage{{Role: domain.RoleUser, Content: "hi"}}}
	for i := 0; i < 10; i++ {
		if _, err := p.Stream(context.Background(), req); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}

	// After 3 consecutive failures the breaker opens and stops calling
	// through.
	if inner.calls != 3 {
		t.Errorf("inner called %d times, want 3", inner.calls)
	}
}

// okProvider succeeds with an immediately closed stream.
type okProvider struct{}

func (okProvider) Stream(context.Context, domain.ChatRequest) (<-chan domain.ProviderEvent, error) {
	ch := make(chan domain.ProviderEvent)
	close(ch)
	return ch, nil
}

func (okProvider) Name() string { return "ok" }

func TestCircuitBreakerPassesThrough(t *testing.T) {
	p := NewCircuitBreakerProvider(okProvider{}, config.CircuitBreakerConfig{}, testLogger())
	ch, err := p.Stream(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if ch == nil {
		t.Fatal("expected a channel")
	}
	if p.Name() != "ok" {
		t.Errorf("Name = %q", p.Name())
	}
}
