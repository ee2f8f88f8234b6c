package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"localthreads/internal/domain"
)

type stubProvider struct {
	events  []domain.ProviderEvent
	openErr error
	lastReq domain.ChatRequest
}

func (p *stubProvider) Stream(ctx context.Context, req domain.ChatRequest) (<-chan domain.ProviderEvent, error) {
	p.lastReq = req
	if p.openErr != nil {
		return nil, p.openErr
	}
	ch := make(chan domain.ProviderEvent, len(p.events))
	for _, ev := range p.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (p *stubProvider) Name() string { return "stub" }

func testChatService(p domain.StreamProvider) *ChatService {
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	relay := NewRelay(logger).WithToolClearDelay(time.Millisecond)
	return NewChatService(p, relay, logger)
}

func TestChatServiceStream(t *testing.T) {
	p := &stubProvider{events: []domain.ProviderEvent{
		{Text: "hi"},
		{Done: true},
	}}
	w := newCaptureWriter()
	req := domain.ChatRequest{Messages: []domain.PromptMessage{{Role: domain.RoleUser, Content: "hello"}}}
	if err := testChatService(p).Stream(context.Background(), req, w); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(w.events) != 2 || w.events[0].Text != "hi" || w.events[1].Kind != domain.EventDone {
		t.Fatalf("events = %+v", w.events)
	}
	if !p.lastReq.UseRetrieval && req.UseRetrieval {
		t.Fatal("request not forwarded")
	}
}

func TestChatServiceValidatesRequest(t *testing.T) {
	cases := []struct {
		name string
		req  domain.ChatRequest
	}{
		{"empty", domain.ChatRequest{}},
		{"unknown role", domain.ChatRequest{Messages: []domain.PromptMessage{{Role: "bot", Content: "x"}}}},
		{"empty content", domain.ChatRequest{Messages: []domain.PromptMessage{{Role: domain.RoleUser}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &stubProvider{}
			w := newCaptureWriter()
			err := testChatService(p).Stream(context.Background(), tc.req, w)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("error = %v, want ErrInvalidInput", err)
			}
			if len(w.events) != 0 {
				t.Fatalf("events written on invalid request: %+v", w.events)
			}
		})
	}
}

func TestChatServiceOpenErrorWritesNothing(t *testing.T) {
	p := &stubProvider{openErr: domain.ErrRateLimit}
	w := newCaptureWriter()
	req := domain.ChatRequest{Messages: []domain.PromptMessage{{Role: domain.RoleUser, Content: "hello"}}}
	err := testChatService(p).Stream(context.Background(), req, w)
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Fatalf("error = %v, want ErrRateLimit", err)
	}
	if len(w.events) != 0 {
		t.Fatalf("events written before stream opened: %+v", w.events)
	}
}
