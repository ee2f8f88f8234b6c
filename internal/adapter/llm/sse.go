package llm

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"localthreads/internal/domain"
)

// maxLine bounds a single SSE line from the upstream API.
const maxLine = 1 << 20 // 1 MB

// eventParser converts one upstream data payload into a ProviderEvent. The
// event argument is the most recent `event:` field value, empty for streams
// that only use `data:` lines. Returning (nil, nil) skips the payload.
type eventParser func(event string, data []byte) (*domain.ProviderEvent, error)

// parseEventStream reads SSE-formatted lines from body and converts each data
// payload into a ProviderEvent using the variant-specific parse function.
// The returned channel is closed when the stream ends, a terminal event is
// produced, or ctx is cancelled. An I/O error while reading surfaces as a
// ProviderEvent with Err set.
func parseEventStream(ctx context.Context, body io.ReadCloser, parse eventParser) <-chan domain.ProviderEvent {
	ch := make(chan domain.ProviderEvent, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

		var event string
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()

			// Skip comments; a blank line ends the current event block.
			if len(line) == 0 {
				event = ""
				continue
			}
			if line[0] == ':' {
				continue
			}

			if bytes.HasPrefix(line, []byte("event: ")) {
				event = string(bytes.TrimPrefix(line, []byte("event: ")))
				continue
			}
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			data := bytes.TrimPrefix(line, []byte("data: "))

			// Common termination signal.
			if bytes.Equal(data, []byte("[DONE]")) {
				select {
				case ch <- domain.ProviderEvent{Done: true}:
				case <-ctx.Done():
				}
				return
			}

			ev, err := parse(event, data)
			if err != nil {
				// Skip unparseable payloads.
				continue
			}
			if ev == nil {
				continue
			}

			select {
			case ch <- *ev:
			case <-ctx.Done():
				return
			}

			if ev.Done || ev.Err != "" {
				return
			}
		}
		// An I/O error mid-stream is an upstream failure; plain EOF without
		// a terminal marker leaves the channel to close silently.
		if err := scanner.Err(); err != nil {
			select {
			case ch <- domain.ProviderEvent{Err: "upstream read: " + err.Error()}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}
