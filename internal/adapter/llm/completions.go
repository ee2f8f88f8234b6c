package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"localthreads/internal/domain"
	"localthreads/internal/infra/config"
	"localthreads/internal/infra/tracer"
)

// CompletionsProvider streams chat-completion deltas, the oldest of the three
// upstream protocol generations. It carries no tool events; streams consist
// of text fragments followed by a finish reason or the [DONE] sentinel.
type CompletionsProvider struct {
	model        string
	systemPrompt string
	temperature  float64
	maxTokens    int
	apiKey       string
	baseURL      string
	client       *http.Client
	logger       *slog.Logger
}

// NewCompletionsProvider creates a provider with configured timeouts.
func NewCompletionsProvider(cfg config.LLMConfig, logger *slog.Logger) *CompletionsProvider {
	return &CompletionsProvider{
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		client:       NewHTTPClient(cfg),
		logger:       logger,
	}
}

// Name implements domain.StreamProvider.
func (p *CompletionsProvider) Name() string { return config.ModeCompletions }

// --- chat-completions wire types ---

type completionsRequest struct {
	Model       string                 `json:"model"`
	Messages    []domain.PromptMessage `json:"messages"`
	Temperature float64                `json:"temperature,omitempty"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
	Stream      bool                   `json:"stream"`
}

type completionsChunk struct {
	Choices []completionsChoice `json:"choices"`
}

type completionsChoice struct {
	Delta        completionsDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

type completionsDelta struct {
	Content string `json:"content,omitempty"`
}

// Stream implements domain.StreamProvider.
func (p *CompletionsProvider) Stream(ctx context.Context, req domain.ChatRequest) (<-chan domain.ProviderEvent, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.mode", p.Name()),
			tracer.StringAttr("llm.model", p.model),
		),
	)
	defer span.End()

	body, err := json.Marshal(completionsRequest{
		Model:       p.model,
		Messages:    withSystemPrompt(p.systemPrompt, req.Messages),
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
		Stream:      true,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, p.client, p.baseURL+"/chat/completions", body, authHeaders(p.apiKey))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)

	return parseEventStream(ctx, httpResp.Body, func(_ string, data []byte) (*domain.ProviderEvent, error) {
		var chunk completionsChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, err
		}
		if len(chunk.Choices) == 0 {
			return nil, nil
		}
		c := chunk.Choices[0]
		ev := &domain.ProviderEvent{Text: c.Delta.Content}
		if c.FinishReason != nil && *c.FinishReason != "" {
			ev.Done = true
		}
		if ev.Text == "" && !ev.Done {
			return nil, nil
		}
		return ev, nil
	}), nil
}

// withSystemPrompt prepends the configured system prompt unless the request
// already carries one.
func withSystemPrompt(prompt string, msgs []domain.PromptMessage) []domain.PromptMessage {
	if prompt == "" {
		return msgs
	}
	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			return msgs
		}
	}
	out := make([]domain.PromptMessage, 0, len(msgs)+1)
	out = append(out, domain.PromptMessage{Role: domain.RoleSystem, Content: prompt})
	return append(out, msgs...)
}
