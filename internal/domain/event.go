package domain

import "encoding/json"

// Wire type discriminators for downstream SSE frames. Decoders must ignore
// frames whose type is not one of these.
const (
	FrameTextDelta    = "response.output_text.delta"
	FrameToolStatus   = "tool.status"
	FrameToolComplete = "tool.complete"
	FrameError        = "error"
)

// DoneSentinel is the bare terminal frame payload, sent in place of JSON.
const DoneSentinel = "[DONE]"

// StreamEventKind discriminates StreamEvent variants.
type StreamEventKind int

const (
	EventTextDelta StreamEventKind = iota
	EventToolStatus
	EventToolComplete
	EventDone
	EventError
)

// StreamEvent is the stable downstream contract between the relay server and
// any client. A stream is zero or more TextDelta/ToolStatus/ToolComplete
// events followed by exactly one terminal event (Done or Error).
type StreamEvent struct {
	Kind    StreamEventKind
	Text    string // EventTextDelta: the incremental fragment, verbatim
	Label   string // EventToolStatus: human-readable phase description
	Message string // EventError: diagnostic message
}

// frame is the JSON payload carried in a `data:` SSE line.
type frame struct {
	Type         string `json:"type"`
	Delta        string `json:"delta,omitempty"`
	Status       string `json:"status,omitempty"`
	IsProcessing *bool  `json:"isProcessing,omitempty"`
	Message      string `json:"message,omitempty"`
}

// EncodeFrame serializes a non-terminal-sentinel event as a frame payload.
// EventDone has no payload form; callers emit DoneSentinel instead.
func EncodeFrame(ev StreamEvent) ([]byte, error) {
	f := frame{}
	switch ev.Kind {
	case EventTextDelta:
		f.Type = FrameTextDelta
		f.Delta = ev.Text
	case EventToolStatus:
		t := true
		f.Type = FrameToolStatus
		f.Status = ev.Label
		f.IsProcessing = &t
	case EventToolComplete:
		fl := false
		f.Type = FrameToolComplete
		f.IsProcessing = &fl
	case EventError:
		f.Type = FrameError
		f.Message = ev.Message
	}
	return json.Marshal(f)
}

// DecodeFrame parses a frame payload back into a StreamEvent. The second
// return value is false for unrecognized frame types, which callers must
// skip rather than treat as an error.
func DecodeFrame(data []byte) (StreamEvent, bool) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return StreamEvent{}, false
	}
	switch f.Type {
	case FrameTextDelta:
		return StreamEvent{Kind: EventTextDelta, Text: f.Delta}, true
	case FrameToolStatus:
		return StreamEvent{Kind: EventToolStatus, Label: f.Status}, true
	case FrameToolComplete:
		return StreamEvent{Kind: EventToolComplete}, true
	case FrameError:
		return StreamEvent{Kind: EventError, Message: f.Message}, true
	}
	return StreamEvent{}, false
}
