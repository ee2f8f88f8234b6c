package channel

import (
	"fmt"
	"net/http"

	"localthreads/internal/domain"
)

// SSEWriter streams downstream events over a server-sent-events response.
// Headers are written lazily on the first event, so callers can still answer
// with a plain status code if the stream never opens.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewSSEWriter wraps w. Returns an error if the ResponseWriter cannot flush,
// which would buffer the whole stream and defeat the point.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Started reports whether any event has been written. Once true, the HTTP
// status and headers are committed.
func (s *SSEWriter) Started() bool { return s.started }

// WriteEvent writes one event as a `data:` frame and flushes it. EventDone is
// written as the bare [DONE] sentinel instead of a JSON payload.
func (s *SSEWriter) WriteEvent(ev domain.StreamEvent) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		// Disable proxy buffering so frames reach the client as they happen.
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	if ev.Kind == domain.EventDone {
		if _, err := fmt.Fprintf(s.w, "data: %s\n\n", domain.DoneSentinel); err != nil {
			return err
		}
		s.flusher.Flush()
		return nil
	}

	payload, err := domain.EncodeFrame(ev)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
