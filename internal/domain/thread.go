package domain

import "time"

// Thread is a persisted, ordered conversation.
type Thread struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Messages  []Message `json:"messages"`
}

// NewThread creates a thread, optionally seeded with a first message. When
// the seed is a user message the title is derived from its content.
func NewThread(seed ...Message) Thread {
	now := time.Now().UTC()
	t := Thread{
		ID:        NewID(),
		Title:     "New Thread",
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, m := range seed {
		t = t.Append(m)
	}
	return t
}

// Append returns the thread with msg appended. The first user message sets
// the thread title.
func (t Thread) Append(msg Message) Thread {
	if t.Title == "" || t.Title == "New Thread" {
		if msg.Role == RoleUser && msg.Content != "" {
			t.Title = DeriveTitle(msg.Content)
		}
	}
	msgs := make([]Message, len(t.Messages), len(t.Messages)+1)
	copy(msgs, t.Messages)
	t.Messages = append(msgs, msg)
	t.UpdatedAt = time.Now().UTC()
	return t
}

// TruncateThrough returns the thread cut down to the messages up to and
// including the one with the given id. The second return value is false when
// the id is not present.
func (t Thread) TruncateThrough(messageID string) (Thread, bool) {
	for i, m := range t.Messages {
		if m.ID == messageID {
			msgs := make([]Message, i+1)
			copy(msgs, t.Messages[:i+1])
			t.Messages = msgs
			t.UpdatedAt = time.Now().UTC()
			return t, true
		}
	}
	return t, false
}

// MessageIndex returns the index of the message with the given id, or -1.
func (t Thread) MessageIndex(messageID string) int {
	for i, m := range t.Messages {
		if m.ID == messageID {
			return i
		}
	}
	return -1
}
