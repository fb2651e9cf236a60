package models

import "time"

// DefaultChatTitle is used for every chat created by a send or a "new chat" intent.
const DefaultChatTitle = "New Chat"

// ChatSummary is a chat without its messages, used for listing.
type ChatSummary struct {
	ChatID    int64     `json:"chat_id"`
	Title     string    `json:"title"`
	Creator   int64     `json:"creator"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chat is a backend chat record with its ordered messages.
type Chat struct {
	ChatSummary
	Messages []ChatMessage `json:"messages"`
}

// Transcript returns the chat's messages in their rendered form.
func (c *Chat) Transcript() []Message {
	if c == nil {
		return []Message{}
	}
	out := make([]Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		out = append(out, m.View())
	}
	return out
}

// ChatRef is an optional chat identifier. The zero value selects nothing.
type ChatRef struct {
	ID    int64
	Valid bool
}

// NoChat is the empty selection.
var NoChat = ChatRef{}

// SomeChat selects id.
func SomeChat(id int64) ChatRef {
	return ChatRef{ID: id, Valid: true}
}

// Is reports whether r selects id.
func (r ChatRef) Is(id int64) bool {
	return r.Valid && r.ID == id
}
