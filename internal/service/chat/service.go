package chat

import (
	"database/sql"
	"errors"

	"keepchat/internal/redis"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("username already taken")
	ErrForbidden          = errors.New("admin role required")
)

// Service owns accounts, chats, messages, profiles and roles.
type Service struct {
	db    *sql.DB
	cache *transcriptCache
}

// NewService builds the chat service. cache may be nil.
func NewService(db *sql.DB, cache *redis.Client) *Service {
	return &Service{db: db, cache: newTranscriptCache(cache)}
}
