package models

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the transcript roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one transcript entry as rendered to the user. Immutable once created.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

var messageSeq atomic.Uint64

// NewMessage builds a message stamped at ts (truncated to milliseconds, the
// backend's resolution). The id carries a process-wide counter so two
// messages created in the same millisecond never collide.
func NewMessage(role Role, content string, ts time.Time) Message {
	ts = ts.Truncate(time.Millisecond)
	return Message{
		ID:        fmt.Sprintf("%s-%d-%d", role, ts.UnixMilli(), messageSeq.Add(1)),
		Role:      role,
		Content:   content,
		Timestamp: ts,
	}
}

// ChatMessage is a message as stored by the backend.
type ChatMessage struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	UserID    int64     `json:"user_id"`
	Author    Role      `json:"author"`
	Content   string    `json:"content"`
	Timestamp int64     `json:"timestamp"` // client clock, unix milliseconds
	CreatedAt time.Time `json:"created_at"`
}

// View converts a stored message into its rendered form. The id is derived
// from the backend id so that repeated fetches yield identical messages.
func (m ChatMessage) View() Message {
	return Message{
		ID:        fmt.Sprintf("%s-%d-r%d", m.Author, m.Timestamp, m.ID),
		Role:      m.Author,
		Content:   m.Content,
		Timestamp: time.UnixMilli(m.Timestamp),
	}
}
