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

// Tool phase labels surfaced to clients.
const (
	phaseSearchingDocs = "searching documents"
	phaseSearchingWeb  = "searching the web"
)

// ResponsesProvider streams the unified response event protocol, the newest
// of the three upstream generations. Text arrives as output_text deltas and
// file/web search calls surface their own lifecycle sub-events.
type ResponsesProvider struct {
	model         string
	systemPrompt  string
	temperature   float64
	maxTokens     int
	apiKey        string
	baseURL       string
	vectorStoreID string
	client        *http.Client
	logger        *slog.Logger
}

// NewResponsesProvider creates a provider. vectorStoreID may be empty, in
// which case retrieval requests stream without the file_search tool.
func NewResponsesProvider(cfg config.LLMConfig, vectorStoreID string, logger *slog.Logger) *ResponsesProvider {
	return &ResponsesProvider{
		model:         cfg.Model,
		systemPrompt:  cfg.SystemPrompt,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxTokens,
		apiKey:        cfg.APIKey,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		vectorStoreID: vectorStoreID,
		client:        NewHTTPClient(cfg),
		logger:        logger,
	}
}

// Name implements domain.StreamProvider.
func (p *ResponsesProvider) Name() string { return config.ModeResponses }

// --- response API wire types ---

type responsesRequest struct {
	Model           string                 `json:"model"`
	Instructions    string                 `json:"instructions,omitempty"`
	Input           []domain.PromptMessage `json:"input"`
	Temperature     float64                `json:"temperature,omitempty"`
	MaxOutputTokens int                    `json:"max_output_tokens,omitempty"`
	Tools           []responsesTool        `json:"tools,omitempty"`
	Stream          bool                   `json:"stream"`
}

type responsesTool struct {
	Type           string   `json:"type"`
	VectorStoreIDs []string `json:"vector_store_ids,omitempty"`
}

type responsesEvent struct {
	Type     string          `json:"type"`
	Delta    string          `json:"delta,omitempty"`
	Response *responsesError `json:"response,omitempty"`
	Message  string          `json:"message,omitempty"`
}

type responsesError struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Stream implements domain.StreamProvider.
func (p *ResponsesProvider) Stream(ctx context.Context, req domain.ChatRequest) (<-chan domain.ProviderEvent, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.mode", p.Name()),
			tracer.StringAttr("llm.model", p.model),
		),
	)
	defer span.End()

	apiReq := responsesRequest{
		Model:           p.model,
		Instructions:    p.systemPrompt,
		Input:           req.Messages,
		Temperature:     p.temperature,
		MaxOutputTokens: p.maxTokens,
		Stream:          true,
	}
	if req.UseRetrieval && p.vectorStoreID != "" {
		apiReq.Tools = append(apiReq.Tools, responsesTool{
			Type:           "file_search",
			VectorStoreIDs: []string{p.vectorStoreID},
		})
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, p.client, p.baseURL+"/responses", body, authHeaders(p.apiKey))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)

	return parseEventStream(ctx, httpResp.Body, parseResponsesEvent), nil
}

// parseResponsesEvent maps one response-protocol event onto the provider
// event set. Unrecognized event types are skipped for forward compatibility.
func parseResponsesEvent(_ string, data []byte) (*domain.ProviderEvent, error) {
	var ev responsesEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}

	switch ev.Type {
	case "response.output_text.delta":
		if ev.Delta == "" {
			return nil, nil
		}
		return &domain.ProviderEvent{Text: ev.Delta}, nil

	case "response.file_search_call.in_progress",
		"response.file_search_call.searching":
		return &domain.ProviderEvent{ToolPhase: phaseSearchingDocs}, nil

	case "response.web_search_call.in_progress",
		"response.web_search_call.searching":
		return &domain.ProviderEvent{ToolPhase: phaseSearchingWeb}, nil

	case "response.file_search_call.completed",
		"response.web_search_call.completed":
		return &domain.ProviderEvent{ToolDone: true}, nil

	case "response.completed":
		return &domain.ProviderEvent{Done: true}, nil

	case "response.failed", "response.incomplete":
		msg := "upstream response failed"
		if ev.Response != nil && ev.Response.Error != nil && ev.Response.Error.Message != "" {
			msg = ev.Response.Error.Message
		}
		return &domain.ProviderEvent{Err: msg}, nil

	case "error":
		msg := ev.Message
		if msg == "" {
			msg = "upstream error"
		}
		return &domain.ProviderEvent{Err: msg}, nil
	}

	return nil, nil
}
