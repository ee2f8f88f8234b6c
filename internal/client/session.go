package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"localthreads/internal/domain"
)

// FallbackReply replaces an assistant message whose stream failed, whatever
// had streamed before the failure.
const FallbackReply = "Sorry, there was an issue generating a reply."

// StreamUpdate is one UI-facing snapshot of an in-flight assistant reply.
type StreamUpdate struct {
	Content    string // assistant content accumulated so far
	ToolStatus string // active tool label, empty when no indicator shows
	Done       bool   // terminal: reply is final
	Err        string // terminal: stream failed, Content holds the fallback
}

type chatPayload struct {
	Messages     []promptPayload `json:"messages"`
	UseRetrieval bool            `json:"useRag"`
}

type promptPayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session owns the client-side thread collection: selection, sending,
// regeneration and feedback. All mutations persist the whole collection, the
// same way the store loads it.
type Session struct {
	serverURL string
	store     domain.ThreadStore
	http      *http.Client
	logger    *slog.Logger

	mu        sync.Mutex
	threads   []domain.Thread
	currentID string
	busy      bool
	retrieval bool
}

func NewSession(serverURL string, store domain.ThreadStore, logger *slog.Logger) *Session {
	return &Session{
		serverURL: serverURL,
		store:     store,
		http:      &http.Client{}, // streaming, no client timeout
		logger:    logger,
	}
}

// Load reads the persisted collection. Call once before use.
func (s *Session) Load(ctx context.Context) error {
	threads, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.threads = threads
	s.mu.Unlock()
	return nil
}

// Threads returns a snapshot of the collection.
func (s *Session) Threads() []domain.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Thread, len(s.threads))
	copy(out, s.threads)
	return out
}

// Current returns the selected thread, if any.
func (s *Session) Current() (domain.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

func (s *Session) currentLocked() (domain.Thread, bool) {
	for _, t := range s.threads {
		if t.ID == s.currentID {
			return t, true
		}
	}
	return domain.Thread{}, false
}

// NewThread clears the selection; the next Send starts a fresh thread.
func (s *Session) NewThread() {
	s.mu.Lock()
	s.currentID = ""
	s.mu.Unlock()
}

// Select makes the given thread current.
func (s *Session) Select(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.threads {
		if t.ID == threadID {
			s.currentID = threadID
			return nil
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrThreadNotFound, threadID)
}

// Busy reports whether a reply is currently streaming.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// SetRetrieval toggles knowledge-base search for subsequent sends.
func (s *Session) SetRetrieval(on bool) {
	s.mu.Lock()
	s.retrieval = on
	s.mu.Unlock()
}

// Feedback toggles a feedback tag on a message in the current thread and
// persists the change.
func (s *Session) Feedback(ctx context.Context, messageID, kind string) error {
	s.mu.Lock()
	t, ok := s.currentLocked()
	if !ok {
		s.mu.Unlock()
		return domain.ErrThreadNotFound
	}
	idx := t.MessageIndex(messageID)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrMessageNotFound, messageID)
	}
	t.Messages[idx].ToggleFeedback(kind)
	s.replaceLocked(t)
	s.mu.Unlock()

	return s.persist(ctx)
}

// Send appends a user message to the current thread (creating one if needed)
// and streams the assistant reply. Updates arrive on the returned channel,
// ending with exactly one terminal update.
func (s *Session) Send(ctx context.Context, content string) (<-chan StreamUpdate, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: empty message", domain.ErrInvalidInput)
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, domain.ErrBusy
	}

	t, ok := s.currentLocked()
	if !ok {
		t = domain.NewThread()
		s.threads = append([]domain.Thread{t}, s.threads...)
		s.currentID = t.ID
	}

	now := time.Now().UTC()
	t = t.Append(domain.Message{ID: domain.NewID(), Role: domain.RoleUser, Content: content, CreatedAt: now})
	placeholder := domain.Message{ID: domain.NewID(), Role: domain.RoleAssistant, CreatedAt: now}
	t = t.Append(placeholder)
	s.replaceLocked(t)

	prompt := promptFrom(t, placeholder.ID)
	s.busy = true
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		s.logger.Warn("persist before send failed", "error", err)
	}

	return s.stream(ctx, t.ID, placeholder.ID, prompt), nil
}

// Regenerate discards an assistant message and everything after it, then
// streams a fresh reply to the user message that prompted it.
func (s *Session) Regenerate(ctx context.Context, assistantMessageID string) (<-chan StreamUpdate, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, domain.ErrBusy
	}

	t, ok := s.currentLocked()
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrThreadNotFound
	}
	idx := t.MessageIndex(assistantMessageID)
	if idx < 0 || t.Messages[idx].Role != domain.RoleAssistant {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrMessageNotFound, assistantMessageID)
	}

	userIdx := idx - 1
	for userIdx >= 0 && t.Messages[userIdx].Role != domain.RoleUser {
		userIdx--
	}
	if userIdx < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: no user message precedes %s", domain.ErrMessageNotFound, assistantMessageID)
	}

	t, _ = t.TruncateThrough(t.Messages[userIdx].ID)
	placeholder := domain.Message{ID: domain.NewID(), Role: domain.RoleAssistant, CreatedAt: time.Now().UTC()}
	t = t.Append(placeholder)
	s.replaceLocked(t)

	prompt := promptFrom(t, placeholder.ID)
	s.busy = true
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		s.logger.Warn("persist before regenerate failed", "error", err)
	}

	return s.stream(ctx, t.ID, placeholder.ID, prompt), nil
}

// promptFrom maps a thread to the wire prompt, skipping the still-empty
// placeholder the reply streams into.
func promptFrom(t domain.Thread, placeholderID string) []promptPayload {
	var prompt []promptPayload
	for _, m := range t.Messages {
		if m.ID == placeholderID {
			continue
		}
		prompt = append(prompt, promptPayload{Role: m.Role, Content: m.Content})
	}
	return prompt
}

func (s *Session) stream(ctx context.Context, threadID, messageID string, prompt []promptPayload) <-chan StreamUpdate {
	updates := make(chan StreamUpdate, 16)

	go func() {
		defer close(updates)
		defer func() {
			s.mu.Lock()
			s.busy = false
			s.mu.Unlock()
		}()

		content, errMsg := s.run(ctx, prompt, messageID, threadID, updates)

		if errMsg != "" {
			content = FallbackReply
		}
		s.setMessageContent(threadID, messageID, content)
		if err := s.persist(ctx); err != nil {
			s.logger.Warn("persist after stream failed", "error", err)
		}
		updates <- StreamUpdate{Content: content, Done: true, Err: errMsg}
	}()

	return updates
}

// run performs the HTTP exchange and decode loop. It returns the accumulated
// content and, when the stream failed, a non-empty error message.
func (s *Session) run(ctx context.Context, prompt []promptPayload, messageID, threadID string, updates chan<- StreamUpdate) (string, string) {
	s.mu.Lock()
	retrieval := s.retrieval
	s.mu.Unlock()

	body, err := json.Marshal(chatPayload{Messages: prompt, UseRetrieval: retrieval})
	if err != nil {
		return "", "encode request: " + err.Error()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", "build request: " + err.Error()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", "connect: " + err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var er struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&er)
		if er.Error == "" {
			er.Error = resp.Status
		}
		return "", er.Error
	}

	var content string
	dec := NewDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if err != nil {
			// Terminal already returned; the loop below exits before this.
			return content, ""
		}
		switch ev.Kind {
		case domain.EventTextDelta:
			content += ev.Text
			s.setMessageContent(threadID, messageID, content)
			updates <- StreamUpdate{Content: content}
		case domain.EventToolStatus:
			updates <- StreamUpdate{Content: content, ToolStatus: ev.Label}
		case domain.EventToolComplete:
			updates <- StreamUpdate{Content: content}
		case domain.EventDone:
			return content, ""
		case domain.EventError:
			s.logger.Warn("reply stream failed", "thread", threadID, "error", ev.Message)
			return content, ev.Message
		}
	}
}

func (s *Session) setMessageContent(threadID, messageID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.threads {
		if t.ID != threadID {
			continue
		}
		if idx := t.MessageIndex(messageID); idx >= 0 {
			s.threads[i].Messages[idx].Content = content
		}
		return
	}
}

// replaceLocked swaps the thread with the same ID. Caller holds s.mu.
func (s *Session) replaceLocked(t domain.Thread) {
	for i := range s.threads {
		if s.threads[i].ID == t.ID {
			s.threads[i] = t
			return
		}
	}
	s.threads = append([]domain.Thread{t}, s.threads...)
}

func (s *Session) persist(ctx context.Context) error {
	s.mu.Lock()
	snapshot := make([]domain.Thread, len(s.threads))
	copy(snapshot, s.threads)
	s.mu.Unlock()
	return s.store.Save(ctx, snapshot)
}

// RetrievalEnabled asks the server whether a knowledge base is configured.
func (s *Session) RetrievalEnabled(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.serverURL+"/api/config", nil)
	if err != nil {
		return false, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("config endpoint: %s", resp.Status)
	}
	var body struct {
		RetrievalEnabled bool `json:"retrievalEnabled"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.RetrievalEnabled, nil
}
