package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"localthreads/internal/domain"
)

// ChatService opens an upstream stream for a prompt and relays it downstream.
type ChatService struct {
	provider domain.StreamProvider
	relay    *Relay
	logger   *slog.Logger
}

func NewChatService(provider domain.StreamProvider, relay *Relay, logger *slog.Logger) *ChatService {
	return &ChatService{provider: provider, relay: relay, logger: logger}
}

// Stream validates the request, opens the upstream stream and pumps it into w.
// Errors before the first event is written are returned without touching w, so
// an HTTP caller can still answer with a status code instead of a broken
// stream.
func (s *ChatService) Stream(ctx context.Context, req domain.ChatRequest, w EventWriter) error {
	if err := validateRequest(req); err != nil {
		return err
	}

	events, err := s.provider.Stream(ctx, req)
	if err != nil {
		return fmt.Errorf("open %s stream: %w", s.provider.Name(), err)
	}
	s.logger.Debug("upstream stream opened", "provider", s.provider.Name(), "messages", len(req.Messages))

	return s.relay.Run(ctx, events, w)
}

func validateRequest(req domain.ChatRequest) error {
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: empty message list", domain.ErrInvalidInput)
	}
	for i, m := range req.Messages {
		switch m.Role {
		case domain.RoleUser, domain.RoleAssistant, domain.RoleSystem:
		default:
			return fmt.Errorf("%w: message %d has unknown role %q", domain.ErrInvalidInput, i, m.Role)
		}
		if m.Content == "" {
			return fmt.Errorf("%w: message %d is empty", domain.ErrInvalidInput, i)
		}
	}
	return nil
}
