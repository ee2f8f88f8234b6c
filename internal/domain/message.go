package domain

import (
	"time"
	"unicode/utf8"
)

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Feedback values a user may attach to an assistant message.
const (
	FeedbackUp   = "up"
	FeedbackDown = "down"
)

// Message is a single message in a thread. Content is mutable only while a
// stream is writing into it; once the stream terminates it is final.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Feedback  string    `json:"feedback,omitempty"`
}

// ToggleFeedback applies a feedback tag to the message. Re-selecting the
// current value clears it; selecting the other value replaces it.
func (m *Message) ToggleFeedback(kind string) {
	if m.Feedback == kind {
		m.Feedback = ""
		return
	}
	m.Feedback = kind
}

// titleLimit is the maximum rune length of a derived thread title.
const titleLimit = 40

// DeriveTitle builds a thread title from the first user message: the message
// verbatim when it fits, otherwise the first 40 runes plus an ellipsis.
func DeriveTitle(content string) string {
	if utf8.RuneCountInString(content) <= titleLimit {
		return content
	}
	runes := []rune(content)
	return string(runes[:titleLimit]) + "…"
}
