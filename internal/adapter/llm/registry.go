package llm

import (
	"fmt"
	"log/slog"

	"localthreads/internal/domain"
	"localthreads/internal/infra/config"
)

// New builds the StreamProvider for the configured upstream protocol mode,
// wrapped with a circuit breaker when enabled.
func New(cfg *config.Config, logger *slog.Logger) (domain.StreamProvider, error) {
	var provider domain.StreamProvider

	switch cfg.LLM.Mode {
	case config.ModeCompletions:
		provider = NewCompletionsProvider(cfg.LLM, logger)
	case config.ModeAssistants:
		provider = NewAssistantsProvider(cfg.LLM, cfg.Retrieval.VectorStoreID, logger)
	case config.ModeResponses:
		provider = NewResponsesProvider(cfg.LLM, cfg.Retrieval.VectorStoreID, logger)
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.LLM.Mode)
	}

	if cfg.LLM.CircuitBreaker.Enabled {
		provider = NewCircuitBreakerProvider(provider, cfg.LLM.CircuitBreaker, logger)
	}

	return provider, nil
}
