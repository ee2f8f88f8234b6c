package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"localthreads/internal/domain"
	"localthreads/internal/infra/config"
	"localthreads/internal/infra/tracer"
)

// AssistantsProvider streams assistant-run lifecycle events, the middle
// upstream protocol generation. Each request creates a fresh upstream thread,
// posts the conversation into it, and streams a run against a lazily created
// assistant. The assistant id is cached across requests; time-sensitive
// instruction fields are rebuilt on every request rather than cached.
type AssistantsProvider struct {
	model         string
	systemPrompt  string
	temperature   float64
	apiKey        string
	baseURL       string
	vectorStoreID string
	client        *http.Client
	logger        *slog.Logger

	mu          sync.Mutex
	assistantID string

	// now is injectable for tests.
	now func() time.Time
}

// NewAssistantsProvider creates a provider. vectorStoreID may be empty, in
// which case the assistant is created without the file_search tool.
func NewAssistantsProvider(cfg config.LLMConfig, vectorStoreID string, logger *slog.Logger) *AssistantsProvider {
	return &AssistantsProvider{
		model:         cfg.Model,
		systemPrompt:  cfg.SystemPrompt,
		temperature:   cfg.Temperature,
		apiKey:        cfg.APIKey,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		vectorStoreID: vectorStoreID,
		client:        NewHTTPClient(cfg),
		logger:        logger,
		now:           time.Now,
	}
}

// Name implements domain.StreamProvider.
func (p *AssistantsProvider) Name() string { return config.ModeAssistants }

// --- assistants API wire types ---

type assistantCreateRequest struct {
	Name          string                  `json:"name"`
	Instructions  string                  `json:"instructions"`
	Model         string                  `json:"model"`
	Temperature   float64                 `json:"temperature,omitempty"`
	Tools         []responsesTool         `json:"tools,omitempty"`
	ToolResources *assistantToolResources `json:"tool_resources,omitempty"`
}

type assistantToolResources struct {
	FileSearch struct {
		VectorStoreIDs []string `json:"vector_store_ids"`
	} `json:"file_search"`
}

type assistantObject struct {
	ID string `json:"id"`
}

type threadMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type runStreamRequest struct {
	AssistantID  string `json:"assistant_id"`
	Instructions string `json:"instructions,omitempty"`
	Stream       bool   `json:"stream"`
}

type runEvent struct {
	Delta *struct {
		Content []struct {
			Type string `json:"type"`
			Text *struct {
				Value string `json:"value"`
			} `json:"text,omitempty"`
		} `json:"content"`
	} `json:"delta,omitempty"`
	StepDetails *struct {
		Type string `json:"type"`
	} `json:"step_details,omitempty"`
	LastError *struct {
		Message string `json:"message"`
	} `json:"last_error,omitempty"`
}

// Stream implements domain.StreamProvider.
func (p *AssistantsProvider) Stream(ctx context.Context, req domain.ChatRequest) (<-chan domain.ProviderEvent, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.mode", p.Name()),
			tracer.StringAttr("llm.model", p.model),
		),
	)
	defer span.End()

	assistantID, err := p.ensureAssistant(ctx, req.UseRetrieval)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	threadID, err := p.createThread(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	// The system prompt lives in the assistant instructions; only user and
	// assistant turns go into the upstream thread.
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			continue
		}
		if err := p.addMessage(ctx, threadID, m); err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}
	}

	body, err := json.Marshal(runStreamRequest{
		AssistantID:  assistantID,
		Instructions: p.instructions(),
		Stream:       true,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal run request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, p.client,
		p.baseURL+"/threads/"+threadID+"/runs", body, p.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)

	return parseEventStream(ctx, httpResp.Body, parseRunEvent), nil
}

// parseRunEvent maps one assistant-run lifecycle event onto the provider
// event set. The event name arrives in the SSE `event:` field; unrecognized
// names are skipped for forward compatibility.
func parseRunEvent(event string, data []byte) (*domain.ProviderEvent, error) {
	switch event {
	case "thread.message.delta":
		var ev runEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		if ev.Delta == nil {
			return nil, nil
		}
		var text strings.Builder
		for _, part := range ev.Delta.Content {
			if part.Type == "text" && part.Text != nil {
				text.WriteString(part.Text.Value)
			}
		}
		if text.Len() == 0 {
			return nil, nil
		}
		return &domain.ProviderEvent{Text: text.String()}, nil

	case "thread.run.step.created", "thread.run.step.in_progress":
		var ev runEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		if ev.StepDetails == nil || ev.StepDetails.Type != "tool_calls" {
			return nil, nil
		}
		return &domain.ProviderEvent{ToolPhase: phaseSearchingDocs}, nil

	case "thread.run.step.completed":
		var ev runEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		if ev.StepDetails == nil || ev.StepDetails.Type != "tool_calls" {
			return nil, nil
		}
		return &domain.ProviderEvent{ToolDone: true}, nil

	case "thread.run.completed":
		return &domain.ProviderEvent{Done: true}, nil

	case "thread.run.failed", "thread.run.cancelled", "thread.run.expired":
		msg := "assistant run " + strings.TrimPrefix(event, "thread.run.")
		var ev runEvent
		if err := json.Unmarshal(data, &ev); err == nil && ev.LastError != nil && ev.LastError.Message != "" {
			msg = ev.LastError.Message
		}
		return &domain.ProviderEvent{Err: msg}, nil
	}

	return nil, nil
}

// ensureAssistant returns the cached assistant id, creating the assistant on
// first use. The cached id is verified with a retrieve call; a stale id (the
// upstream object was deleted) is discarded and recreated.
func (p *AssistantsProvider) ensureAssistant(ctx context.Context, useRetrieval bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.assistantID != "" {
		if p.retrieveAssistant(ctx, p.assistantID) == nil {
			return p.assistantID, nil
		}
		p.assistantID = ""
	}

	createReq := assistantCreateRequest{
		Name:         "localthreads assistant",
		Instructions: p.instructions(),
		Model:        p.model,
		Temperature:  p.temperature,
	}
	if useRetrieval && p.vectorStoreID != "" {
		createReq.Tools = append(createReq.Tools, responsesTool{Type: "file_search"})
		res := &assistantToolResources{}
		res.FileSearch.VectorStoreIDs = []string{p.vectorStoreID}
		createReq.ToolResources = res
	}

	body, err := json.Marshal(createReq)
	if err != nil {
		return "", fmt.Errorf("marshal assistant: %w", err)
	}

	respBody, err := doJSONRequest(ctx, p.client, p.baseURL+"/assistants", body, p.headers())
	if err != nil {
		return "", fmt.Errorf("create assistant: %w", err)
	}

	var created assistantObject
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", fmt.Errorf("unmarshal assistant: %w", err)
	}

	p.assistantID = created.ID
	p.logger.Debug("assistant created", "id", created.ID)
	return created.ID, nil
}

func (p *AssistantsProvider) retrieveAssistant(ctx context.Context, id string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/assistants/"+id, nil)
	if err != nil {
		return err
	}
	for k, v := range p.headers() {
		httpReq.Header.Set(k, v)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("assistant %s: status %d", id, resp.StatusCode)
	}
	return nil
}

func (p *AssistantsProvider) createThread(ctx context.Context) (string, error) {
	respBody, err := doJSONRequest(ctx, p.client, p.baseURL+"/threads", []byte("{}"), p.headers())
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	var created assistantObject
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", fmt.Errorf("unmarshal thread: %w", err)
	}
	return created.ID, nil
}

func (p *AssistantsProvider) addMessage(ctx context.Context, threadID string, m domain.PromptMessage) error {
	body, err := json.Marshal(threadMessageRequest{Role: m.Role, Content: m.Content})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := doJSONRequest(ctx, p.client, p.baseURL+"/threads/"+threadID+"/messages", body, p.headers()); err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

// instructions rebuilds the instruction text per request so the current date
// never goes stale in the cached assistant.
func (p *AssistantsProvider) instructions() string {
	return fmt.Sprintf("%s\n\nCurrent date: %s.", p.systemPrompt, p.now().Format("Mon, Jan 2, 2006"))
}

func (p *AssistantsProvider) headers() map[string]string {
	h := authHeaders(p.apiKey)
	h["OpenAI-Beta"] = "assistants=v2"
	return h
}
