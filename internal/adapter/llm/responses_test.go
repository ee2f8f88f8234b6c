package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"localthreads/internal/domain"
	"localthreads/internal/infra/config"
)

func TestResponsesStreamWithRetrieval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req responsesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Tools) != 1 || req.Tools[0].Type != "file_search" {
			t.Errorf("expected file_search tool, got %+v", req.Tools)
		}
		if len(req.Tools) == 1 && len(req.Tools[0].VectorStoreIDs) != 1 {
			t.Errorf("expected vector store id, got %+v", req.Tools)
		}

		sseResponse(w,
			"data: {\"type\":\"response.file_search_call.in_progress\"}\n\n",
			"data: {\"type\":\"response.file_search_call.searching\"}\n\n",
			"data: {\"type\":\"response.file_search_call.completed\"}\n\n",
			"data: {\"type\":\"response.output_text.delta\",\"delta\":\"CMPSC 465 covers\"}\n\n",
			"data: {\"type\":\"response.output_text.delta\",\"delta\":\" algorithms\"}\n\n",
			"data: {\"type\":\"response.completed\"}\n\n",
		)
	}))
	defer srv.Close()

	cfg := testLLMConfig(srv.URL)
	cfg.Mode = config.ModeResponses
	p := NewResponsesProvider(cfg, "vs_123", testLogger())

	ch, err := p.Stream(context.Background(), domain.ChatRequest{
		Messages:     []domain.PromptMessage{{Role: domain.RoleUser, Content: "algorithms?"}},
		UseRetrieval: true,
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	events := collect(ch)
	if len(events) != 6 {
		t.Fatalf("expected 6 events, got %d: %+v", len(events), events)
	}
	if events[0].ToolPhase != phaseSearchingDocs || events[1].ToolPhase != phaseSearchingDocs {
		t.Errorf("expected searching phases, got %+v", events[:2])
	}
	if !events[2].ToolDone {
		t.Errorf("expected tool completion, got %+v", events[2])
	}
	if events[3].Text+events[4].Text != "CMPSC 465 covers algorithms" {
		t.Errorf("unexpected text: %+v", events[3:5])
	}
	if !events[5].Done {
		t.Errorf("expected Done, got %+v", events[5])
	}
}

func TestResponsesStreamNoRetrievalTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req responsesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Tools) != 0 {
			t.Errorf("expected no tools without retrieval, got %+v", req.Tools)
		}
		sseResponse(w, "data: {\"type\":\"response.completed\"}\n\n")
	}))
	defer srv.Close()

	p := NewResponsesProvider(testLLMConfig(srv.URL), "", testLogger())
	ch, err := p.Stream(context.Background(), domain.ChatRequest{
		Messages:     []domain.PromptMessage{{Role: domain.RoleUser, Content: "hi"}},
		UseRetrieval: true, // requested but unconfigured: stream without the tool
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	collect(ch)
}

func TestParseResponsesEventFailure(t *testing.T) {
	ev, err := parseResponsesEvent("", []byte(`{"type":"response.failed","response":{"error":{"message":"run exploded"}}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev == nil || ev.Err != "run exploded" {
		t.Errorf("expected error event, got %+v", ev)
	}
}

func TestParseResponsesEventWebSearch(t *testing.T) {
	ev, err := parseResponsesEvent("", []byte(`{"type":"response.web_search_call.searching"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev == nil || ev.ToolPhase != phaseSearchingWeb {
		t.Errorf("expected web search phase, got %+v", ev)
	}
}

func TestParseResponsesEventIgnoresUnknown(t *testing.T) {
	for _, payload := range []string{
		`{"type":"response.created"}`,
		`{"type":"response.output_item.added"}`,
		`{"type":"response.content_part.done"}`,
	} {
		ev, err := parseResponsesEvent("", []byte(payload))
		if err != nil {
			t.Fatalf("parse %s: %v", payload, err)
		}
		if ev != nil {
			t.Errorf("payload %s should be ignored, got %+v", payload, ev)
		}
	}
}
