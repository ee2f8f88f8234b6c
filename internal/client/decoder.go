package client

import (
	"bufio"
	"io"
	"strings"

	"localthreads/internal/domain"
)

// maxFrameLine bounds a single SSE line; a text delta should never get close.
const maxFrameLine = 1 << 20

// Decoder turns a server-sent-events body into downstream stream events. It
// only looks at `data:` lines, skips frames it cannot parse or does not
// recognize, and guarantees the caller sees exactly one terminal event even
// when the connection drops mid-stream.
type Decoder struct {
	scanner  *bufio.Scanner
	terminal bool
}

func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameLine)
	return &Decoder{scanner: scanner}
}

// Next returns the next event. After a terminal event has been returned, Next
// returns io.EOF. A transport failure or truncated stream is surfaced as a
// synthesized terminal Error event, not as a read error.
func (d *Decoder) Next() (domain.StreamEvent, error) {
	if d.terminal {
		return domain.StreamEvent{}, io.EOF
	}

	for d.scanner.Scan() {
		line := d.scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// Comments, event fields, blank separators.
			continue
		}
		// The space after the colon is optional in SSE.
		data = strings.TrimPrefix(data, " ")
		if strings.TrimSpace(data) == domain.DoneSentinel {
			d.terminal = true
			return domain.StreamEvent{Kind: domain.EventDone}, nil
		}
		ev, ok := domain.DecodeFrame([]byte(data))
		if !ok {
			continue
		}
		if ev.Kind == domain.EventError {
			d.terminal = true
		}
		return ev, nil
	}

	// Stream ended without a terminal frame: the reply is incomplete.
	d.terminal = true
	msg := "connection closed before the response finished"
	if err := d.scanner.Err(); err != nil {
		msg = "stream read failed: " + err.Error()
	}
	return domain.StreamEvent{Kind: domain.EventError, Message: msg}, nil
}
