package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"localthreads/internal/domain"
)

// DefaultToolClearDelay is how long a tool-status indicator stays visible
// after the tool finishes, so sub-second tool calls do not flicker.
const DefaultToolClearDelay = 1500 * time.Millisecond

// EventWriter is the transport sink the relay writes downstream events into.
// The HTTP channel implements it over an SSE response body.
type EventWriter interface {
	WriteEvent(ev domain.StreamEvent) error
}

// Relay is the stream normalizer: it consumes the closed provider event set
// produced by an upstream adapter and emits the stable downstream contract.
// Every stream it writes ends with exactly one terminal event, regardless of
// how the upstream sequence ends.
type Relay struct {
	logger         *slog.Logger
	toolClearDelay time.Duration
}

// NewRelay creates a relay with the default tool-clear delay.
func NewRelay(logger *slog.Logger) *Relay {
	return &Relay{logger: logger, toolClearDelay: DefaultToolClearDelay}
}

// WithToolClearDelay overrides the tool-clear delay. Used by tests.
func (r *Relay) WithToolClearDelay(d time.Duration) *Relay {
	r.toolClearDelay = d
	return r
}

// Run pumps events until a terminal event is produced or ctx is cancelled.
// Rules, in order of precedence:
//   - text fragments pass through verbatim, in arrival order;
//   - tool phases become status events, deduplicated on consecutive
//     identical labels;
//   - tool completion clears the indicator after toolClearDelay, unless a
//     terminal event arrives first, which suppresses the pending clear;
//   - explicit upstream completion or failure is terminal;
//   - channel closure without an explicit terminal counts as success.
//
// A transport write failure aborts the stream; the error return is for
// logging only, the client sees a closed connection.
func (r *Relay) Run(ctx context.Context, events <-chan domain.ProviderEvent, w EventWriter) error {
	var (
		toolActive bool
		lastLabel  string
		clearTimer *time.Timer
		clearC     <-chan time.Time
	)
	stopClear := func() {
		if clearTimer != nil {
			clearTimer.Stop()
			clearTimer = nil
			clearC = nil
		}
	}
	defer stopClear()

	for {
		select {
		case <-ctx.Done():
			// Client gone or request deadline hit; nothing left to write to.
			return ctx.Err()

		case <-clearC:
			stopClear()
			if err := w.WriteEvent(domain.StreamEvent{Kind: domain.EventToolComplete}); err != nil {
				return fmt.Errorf("write tool complete: %w", err)
			}
			toolActive = false
			lastLabel = ""

		case ev, ok := <-events:
			if !ok {
				// Silent end of the upstream sequence is success.
				stopClear()
				if err := w.WriteEvent(domain.StreamEvent{Kind: domain.EventDone}); err != nil {
					return fmt.Errorf("write done: %w", err)
				}
				return nil
			}

			// A fragment can ride on the same event as a terminal flag
			// (a completions chunk carrying both delta and finish_reason);
			// it must land before the terminal is honored.
			if ev.Text != "" {
				if err := w.WriteEvent(domain.StreamEvent{Kind: domain.EventTextDelta, Text: ev.Text}); err != nil {
					return fmt.Errorf("write delta: %w", err)
				}
			}

			switch {
			case ev.Err != "":
				stopClear()
				if err := w.WriteEvent(domain.StreamEvent{Kind: domain.EventError, Message: ev.Err}); err != nil {
					return fmt.Errorf("write error event: %w", err)
				}
				r.logger.Warn("upstream stream failed", "error", ev.Err)
				return nil

			case ev.Done:
				stopClear()
				if err := w.WriteEvent(domain.StreamEvent{Kind: domain.EventDone}); err != nil {
					return fmt.Errorf("write done: %w", err)
				}
				return nil

			case ev.ToolPhase != "":
				// A new phase while a clear is pending keeps the indicator up.
				stopClear()
				toolActive = true
				if ev.ToolPhase != lastLabel {
					lastLabel = ev.ToolPhase
					if err := w.WriteEvent(domain.StreamEvent{Kind: domain.EventToolStatus, Label: ev.ToolPhase}); err != nil {
						return fmt.Errorf("write tool status: %w", err)
					}
				}

			case ev.ToolDone:
				if toolActive && clearTimer == nil {
					clearTimer = time.NewTimer(r.toolClearDelay)
					clearC = clearTimer.C
				}
			}
		}
	}
}
