// Package localstore persists anonymous chat transcripts and the selected
// local chat in a versioned envelope over a plain key-value Storage.
package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"keepchat/internal/models"
)

const (
	ChatsKey    = "chatbot-chats"
	SelectedKey = "chatbot-selected"

	// Version tags the envelope. A stored envelope with any other version is
	// discarded whole on load.
	Version = "1.0"

	// LocalChatID is the single slot anonymous sends are saved under while
	// no local chat is selected.
	LocalChatID int64 = 0
)

var errVersionMismatch = errors.New("local store version mismatch")

// LocalChat is one anonymous transcript.
type LocalChat struct {
	ID        int64            `json:"id"`
	Title     string           `json:"title"`
	Messages  []models.Message `json:"messages"`
	Timestamp int64            `json:"timestamp"` // last write, unix milliseconds
}

type envelope struct {
	Version string              `json:"version"`
	Chats   map[int64]LocalChat `json:"chats"`
}

// Store reads and writes local chats. It never returns partially valid data.
type Store struct {
	storage Storage
	now     func() time.Time
}

func New(storage Storage) *Store {
	return &Store{storage: storage, now: time.Now}
}

// Load returns every stored chat. Missing, unreadable, malformed or
// version-mismatched data yields an empty map; anything but a missing key
// also removes the stored envelope.
func (s *Store) Load() map[int64]LocalChat {
	raw, ok, err := s.storage.GetItem(ChatsKey)
	if err != nil {
		log.Printf("localstore: read chats: %v", err)
		return map[int64]LocalChat{}
	}
	if !ok || raw == "" {
		return map[int64]LocalChat{}
	}
	chats, err := decodeEnvelope(raw)
	if err != nil {
		if !errors.Is(err, errVersionMismatch) {
			log.Printf("localstore: discard chats: %v", err)
		}
		if rmErr := s.storage.RemoveItem(ChatsKey); rmErr != nil {
			log.Printf("localstore: remove chats: %v", rmErr)
		}
		return map[int64]LocalChat{}
	}
	return chats
}

func decodeEnvelope(raw string) (map[int64]LocalChat, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("%w: %q, want %q", errVersionMismatch, env.Version, Version)
	}
	if env.Chats == nil {
		return map[int64]LocalChat{}, nil
	}
	for key, chat := range env.Chats {
		if err := validateChat(key, chat); err != nil {
			return nil, err
		}
	}
	return env.Chats, nil
}

func validateChat(key int64, chat LocalChat) error {
	if chat.ID != key {
		return fmt.Errorf("chat %d stored under key %d", chat.ID, key)
	}
	for i, m := range chat.Messages {
		switch {
		case m.ID == "":
			return fmt.Errorf("chat %d message %d: missing id", key, i)
		case !m.Role.Valid():
			return fmt.Errorf("chat %d message %d: bad role %q", key, i, m.Role)
		case m.Timestamp.IsZero():
			return fmt.Errorf("chat %d message %d: missing timestamp", key, i)
		}
	}
	return nil
}

// Save overwrites the record for id with messages and title.
func (s *Store) Save(id int64, messages []models.Message, title string) error {
	chats := s.Load()
	if messages == nil {
		messages = []models.Message{}
	}
	chats[id] = LocalChat{
		ID:        id,
		Title:     title,
		Messages:  append([]models.Message(nil), messages...),
		Timestamp: s.now().UnixMilli(),
	}
	data, err := json.Marshal(envelope{Version: Version, Chats: chats})
	if err != nil {
		return fmt.Errorf("encode chats: %w", err)
	}
	if err := s.storage.SetItem(ChatsKey, string(data)); err != nil {
		return fmt.Errorf("save chat %d: %w", id, err)
	}
	return nil
}

// Selected returns the stored selection. A garbled value reads as none.
func (s *Store) Selected() models.ChatRef {
	raw, ok, err := s.storage.GetItem(SelectedKey)
	if err != nil {
		log.Printf("localstore: read selection: %v", err)
		return models.NoChat
	}
	if !ok || raw == "" {
		return models.NoChat
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return models.NoChat
	}
	return models.SomeChat(id)
}

// SetSelected stores ref, or clears the selection when ref selects nothing.
func (s *Store) SetSelected(ref models.ChatRef) error {
	if !ref.Valid {
		if err := s.storage.RemoveItem(SelectedKey); err != nil {
			return fmt.Errorf("clear selection: %w", err)
		}
		return nil
	}
	if err := s.storage.SetItem(SelectedKey, strconv.FormatInt(ref.ID, 10)); err != nil {
		return fmt.Errorf("save selection: %w", err)
	}
	return nil
}

// Clear drops all local chats and the selection.
func (s *Store) Clear() error {
	if err := s.storage.RemoveItem(ChatsKey); err != nil {
		return fmt.Errorf("clear chats: %w", err)
	}
	if err := s.storage.RemoveItem(SelectedKey); err != nil {
		return fmt.Errorf("clear selection: %w", err)
	}
	return nil
}
