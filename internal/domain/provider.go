package domain

import "context"

// PromptMessage is a single role/content pair sent to the model backend.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes one streaming chat request against the upstream API.
type ChatRequest struct {
	Messages     []PromptMessage
	UseRetrieval bool
}

// ProviderEvent is one normalized event from an upstream model stream.
// Each upstream protocol generation maps its own wire events into this
// closed set; everything downstream handles only these.
type ProviderEvent struct {
	Text      string // incremental assistant output, appended verbatim
	ToolPhase string // non-empty: an auxiliary tool phase began (label)
	ToolDone  bool   // an auxiliary tool finished
	Done      bool   // explicit upstream completion
	Err       string // explicit upstream failure (diagnostic)
}

// StreamProvider opens a streaming chat request against an upstream model
// backend. The returned channel is closed when the upstream stream ends;
// closure without a Done or Err event means the upstream ended silently.
type StreamProvider interface {
	Stream(ctx context.Context, req ChatRequest) (<-chan ProviderEvent, error)
	// Name returns the provider's identifier (e.g., "completions").
	Name() string
}
