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

func testRelay() *Relay {
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	return NewRelay(logger).WithToolClearDelay(10 * time.Millisecond)
}

type captureWriter struct {
	events  []domain.StreamEvent
	failAt  int // write index that fails, -1 for never
	written int
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{failAt: -1}
}

func (w *captureWriter) WriteEvent(ev domain.StreamEvent) error {
	if w.written == w.failAt {
		return errors.New("broken pipe")
	}
	w.written++
	w.events = append(w.events, ev)
	return nil
}

func feed(events ...domain.ProviderEvent) <-chan domain.ProviderEvent {
	ch := make(chan domain.ProviderEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func terminalCount(events []domain.StreamEvent) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == domain.EventDone || ev.Kind == domain.EventError {
			n++
		}
	}
	return n
}

func TestRelayTextOrder(t *testing.T) {
	w := newCaptureWriter()
	err := testRelay().Run(context.Background(), feed(
		domain.ProviderEvent{Text: "Hello"},
		domain.ProviderEvent{Text: ", "},
		domain.ProviderEvent{Text: "world"},
		domain.ProviderEvent{Done: true},
	), w)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var got strings.Builder
	for _, ev := range w.events[:len(w.events)-1] {
		if ev.Kind != domain.EventTextDelta {
			t.Fatalf("unexpected event kind %d before terminal", ev.Kind)
		}
		got.WriteString(ev.Text)
	}
	if got.String() != "Hello, world" {
		t.Fatalf("concatenated text = %q", got.String())
	}
	if last := w.events[len(w.events)-1]; last.Kind != domain.EventDone {
		t.Fatalf("last event kind = %d, want done", last.Kind)
	}
	if n := terminalCount(w.events); n != 1 {
		t.Fatalf("terminal events = %d, want 1", n)
	}
}

func TestRelayKeepsFragmentOnTerminalEvent(t *testing.T) {
	w := newCaptureWriter()
	err := testRelay().Run(context.Background(), feed(
		domain.ProviderEvent{Text: "head"},
		domain.ProviderEvent{Text: "tail", Done: true},
	), w)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var got strings.Builder
	for _, ev := range w.events {
		if ev.Kind == domain.EventTextDelta {
			got.WriteString(ev.Text)
		}
	}
	if got.String() != "headtail" {
		t.Fatalf("concatenated text = %q, want %q", got.String(), "headtail")
	}
	if last := w.events[len(w.events)-1]; last.Kind != domain.EventDone {
		t.Fatalf("last event kind = %d, want done", last.Kind)
	}
	if n := terminalCount(w.events); n != 1 {
		t.Fatalf("terminal events = %d, want 1", n)
	}
}

func TestRelayStopsAtTerminal(t *testing.T) {
	w := newCaptureWriter()
	err := testRelay().Run(context.Background(), feed(
		domain.ProviderEvent{Text: "before"},
		domain.ProviderEvent{Done: true},
		domain.ProviderEvent{Text: "after"},
		domain.ProviderEvent{Err: "late failure"},
	), w)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(w.events) != 2 {
		t.Fatalf("events = %d, want 2 (delta + done)", len(w.events))
	}
	if n := terminalCount(w.events); n != 1 {
		t.Fatalf("terminal events = %d, want 1", n)
	}
}

func TestRelayFallbackDoneOnSilentEnd(t *testing.T) {
	w := newCaptureWriter()
	err := testRelay().Run(context.Background(), feed(
		domain.ProviderEvent{Text: "partial"},
	), w)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if last := w.events[len(w.events)-1]; last.Kind != domain.EventDone {
		t.Fatalf("last event kind = %d, want done fallback", last.Kind)
	}
}

func TestRelayErrorTerminal(t *testing.T) {
	w := newCaptureWriter()
	err := testRelay().Run(context.Background(), feed(
		domain.ProviderEvent{Err: "rate limited"},
	), w)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(w.events) != 1 {
		t.Fatalf("events = %d, want 1", len(w.events))
	}
	if ev := w.events[0]; ev.Kind != domain.EventError || ev.Message != "rate limited" {
		t.Fatalf("event = %+v, want error with message", ev)
	}
}

func TestRelayToolCompleteAfterDelay(t *testing.T) {
	ch := make(chan domain.ProviderEvent)
	w := newCaptureWriter()
	done := make(chan error, 1)
	go func() { done <- testRelay().Run(context.Background(), ch, w) }()

	ch <- domain.ProviderEvent{ToolPhase: "searching documents"}
	ch <- domain.ProviderEvent{ToolDone: true}
	time.Sleep(50 * time.Millisecond)
	ch <- domain.ProviderEvent{Text: "answer"}
	ch <- domain.ProviderEvent{Done: true}
	close(ch)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	kinds := []domain.StreamEventKind{}
	for _, ev := range w.events {
		kinds = append(kinds, ev.Kind)
	}
	want := []domain.StreamEventKind{
		domain.EventToolStatus, domain.EventToolComplete,
		domain.EventTextDelta, domain.EventDone,
	}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event kinds = %v, want %v", kinds, want)
		}
	}
}

func TestRelayTerminalSuppressesPendingClear(t *testing.T) {
	w := newCaptureWriter()
	err := testRelay().Run(context.Background(), feed(
		domain.ProviderEvent{ToolPhase: "searching documents"},
		domain.ProviderEvent{ToolDone: true},
		domain.ProviderEvent{Done: true},
	), w)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, ev := range w.events {
		if ev.Kind == domain.EventToolComplete {
			t.Fatal("tool complete written after terminal")
		}
	}
	if last := w.events[len(w.events)-1]; last.Kind != domain.EventDone {
		t.Fatalf("last event kind = %d, want done", last.Kind)
	}
}

func TestRelayDeduplicatesPhaseLabels(t *testing.T) {
	w := newCaptureWriter()
	err := testRelay().Run(context.Background(), feed(
		domain.ProviderEvent{ToolPhase: "searching documents"},
		domain.ProviderEvent{ToolPhase: "searching documents"},
		domain.ProviderEvent{ToolPhase: "searching the web"},
		domain.ProviderEvent{Done: true},
	), w)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var labels []string
	for _, ev := range w.events {
		if ev.Kind == domain.EventToolStatus {
			labels = append(labels, ev.Label)
		}
	}
	if len(labels) != 2 || labels[0] != "searching documents" || labels[1] != "searching the web" {
		t.Fatalf("status labels = %v", labels)
	}
}

func TestRelayToolCompleteNeverWithoutStatus(t *testing.T) {
	w := newCaptureWriter()
	err := testRelay().Run(context.Background(), feed(
		domain.ProviderEvent{ToolDone: true},
		domain.ProviderEvent{Text: "hi"},
		domain.ProviderEvent{Done: true},
	), w)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, ev := range w.events {
		if ev.Kind == domain.EventToolComplete {
			t.Fatal("tool complete without preceding status")
		}
	}
}

func TestRelayContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan domain.ProviderEvent)
	w := newCaptureWriter()
	done := make(chan error, 1)
	go func() { done <- testRelay().Run(ctx, ch, w) }()

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run error = %v, want context.Canceled", err)
	}
}

func TestRelayWriteFailureAborts(t *testing.T) {
	w := newCaptureWriter()
	w.failAt = 1
	err := testRelay().Run(context.Background(), feed(
		domain.ProviderEvent{Text: "a"},
		domain.ProviderEvent{Text: "b"},
		domain.ProviderEvent{Done: true},
	), w)
	if err == nil {
		t.Fatal("expected write failure error")
	}
}
