package client

import (
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"localthreads/internal/domain"
)

func collectEvents(t *testing.T, d *Decoder) []domain.StreamEvent {
	t.Helper()
	var events []domain.StreamEvent
	for {
		ev, err := d.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		events = append(events, ev)
		if ev.Kind == domain.EventDone || ev.Kind == domain.EventError {
			return events
		}
	}
}

func TestDecoderBasicStream(t *testing.T) {
	body := "data: {\"type\":\"response.output_text.delta\",\"delta\":\"Hel\"}\n\n" +
		"data: {\"type\":\"response.output_text.delta\",\"delta\":\"lo\"}\n\n" +
		"data: [DONE]\n\n"

	events := collectEvents(t, NewDecoder(strings.NewReader(body)))
	if len(events) != 3 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Text+events[1].Text != "Hello" {
		t.Fatalf("text = %q%q", events[0].Text, events[1].Text)
	}
	if events[2].Kind != domain.EventDone {
		t.Fatalf("terminal = %+v", events[2])
	}
}

func TestDecoderReassemblesAcrossChunks(t *testing.T) {
	body := "data: {\"type\":\"response.output_text.delta\",\"delta\":\"split across reads\"}\n\ndata: [DONE]\n\n"
	// One byte per Read forces every frame to span chunk boundaries.
	d := NewDecoder(iotest.OneByteReader(strings.NewReader(body)))

	events := collectEvents(t, d)
	if len(events) != 2 || events[0].Text != "split across reads" {
		t.Fatalf("events = %+v", events)
	}
}

func TestDecoderAcceptsDataWithoutSpace(t *testing.T) {
	body := "data:{\"type\":\"response.output_text.delta\",\"delta\":\"tight\"}\n\n" +
		"data:[DONE]\n\n"

	events := collectEvents(t, NewDecoder(strings.NewReader(body)))
	if len(events) != 2 || events[0].Text != "tight" {
		t.Fatalf("events = %+v", events)
	}
	if events[1].Kind != domain.EventDone {
		t.Fatalf("terminal = %+v", events[1])
	}
}

func TestDecoderSkipsNoise(t *testing.T) {
	body := ": comment line\n" +
		"event: something\n" +
		"data: {not json\n\n" +
		"data: {\"type\":\"mystery.frame\",\"delta\":\"x\"}\n\n" +
		"data: {\"type\":\"tool.status\",\"status\":\"searching documents\",\"isProcessing\":true}\n\n" +
		"data: [DONE]\n\n"

	events := collectEvents(t, NewDecoder(strings.NewReader(body)))
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Kind != domain.EventToolStatus || events[0].Label != "searching documents" {
		t.Fatalf("first event = %+v", events[0])
	}
}

func TestDecoderTruncatedStreamIsError(t *testing.T) {
	body := "data: {\"type\":\"response.output_text.delta\",\"delta\":\"partial\"}\n\n"
	d := NewDecoder(strings.NewReader(body))

	events := collectEvents(t, d)
	last := events[len(events)-1]
	if last.Kind != domain.EventError || last.Message == "" {
		t.Fatalf("terminal = %+v, want synthesized error", last)
	}
	if _, err := d.Next(); err != io.EOF {
		t.Fatalf("after terminal err = %v, want io.EOF", err)
	}
}

func TestDecoderErrorFrameIsTerminal(t *testing.T) {
	body := "data: {\"type\":\"error\",\"message\":\"upstream gone\"}\n\n" +
		"data: {\"type\":\"response.output_text.delta\",\"delta\":\"late\"}\n\n"
	d := NewDecoder(strings.NewReader(body))

	ev, err := d.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Kind != domain.EventError || ev.Message != "upstream gone" {
		t.Fatalf("event = %+v", ev)
	}
	if _, err := d.Next(); err != io.EOF {
		t.Fatalf("after error err = %v, want io.EOF", err)
	}
}

func TestDecoderDoneThenEOF(t *testing.T) {
	d := NewDecoder(strings.NewReader("data: [DONE]\n\n"))
	ev, err := d.Next()
	if err != nil || ev.Kind != domain.EventDone {
		t.Fatalf("event = %+v, err = %v", ev, err)
	}
	if _, err := d.Next(); err != io.EOF {
		t.Fatalf("after done err = %v, want io.EOF", err)
	}
}
