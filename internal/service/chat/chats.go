package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"keepchat/internal/models"
)

// CreateChat inserts a new empty chat owned by userID.
func (s *Service) CreateChat(ctx context.Context, userID int64, title string) (*models.ChatSummary, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = models.DefaultChatTitle
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		userID, title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("chat id: %w", err)
	}
	return &models.ChatSummary{ChatID: id, Title: title, Creator: userID, CreatedAt: now, UpdatedAt: now}, nil
}

// ListChats returns the caller's chats, most recently active first.
func (s *Service) ListChats(ctx context.Context, userID int64) ([]models.ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM chats WHERE user_id = ? ORDER BY updated_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	chats := []models.ChatSummary{}
	for rows.Next() {
		var c models.ChatSummary
		if err := rows.Scan(&c.ChatID, &c.Creator, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns one chat with its messages in send order. Chats that do
// not exist or belong to someone else yield sql.ErrNoRows.
func (s *Service) GetChat(ctx context.Context, userID, chatID int64) (*models.Chat, error) {
	if rec, ok := s.cache.load(ctx, userID, chatID); ok {
		return rec, nil
	}
	ver := s.cache.version(ctx, chatID)

	var rec models.Chat
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM chats WHERE id = ? AND user_id = ?`,
		chatID, userID,
	).Scan(&rec.ChatID, &rec.Creator, &rec.Title, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get chat: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, user_id, author, content, sent_at, created_at FROM messages WHERE chat_id = ? ORDER BY sent_at ASC, id ASC`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	rec.Messages = []models.ChatMessage{}
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.ChatID, &m.UserID, &m.Author, &m.Content, &m.Timestamp, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		rec.Messages = append(rec.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.cache.store(ctx, &rec, ver)
	return &rec, nil
}

// AddMessage appends a message to a chat owned by userID. sentAt is the
// client clock in unix milliseconds; zero means now.
func (s *Service) AddMessage(ctx context.Context, userID, chatID int64, author models.Role, content string, sentAt int64) (*models.ChatMessage, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	if chatID <= 0 {
		return nil, errors.New("chat_id is required")
	}
	if !author.Valid() {
		return nil, fmt.Errorf("invalid author %q", author)
	}
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("content cannot be empty")
	}
	now := time.Now().UTC()
	if sentAt <= 0 {
		sentAt = now.UnixMilli()
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM chats WHERE id = ? AND user_id = ?)`,
		chatID, userID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("verify chat: %w", err)
	}
	if !exists {
		return nil, sql.ErrNoRows
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (user_id, chat_id, author, content, sent_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, chatID, author, content, sentAt, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`, now, chatID); err != nil {
		return nil, fmt.Errorf("touch chat: %w", err)
	}
	s.cache.invalidate(ctx, chatID)
	return &models.ChatMessage{
		ID:        id,
		ChatID:    chatID,
		UserID:    userID,
		Author:    author,
		Content:   content,
		Timestamp: sentAt,
		CreatedAt: now,
	}, nil
}

// DeleteChat removes a chat and its messages. Missing or foreign chats yield sql.ErrNoRows.
func (s *Service) DeleteChat(ctx context.Context, userID, chatID int64) (err error) {
	if chatID <= 0 {
		return errors.New("invalid chat id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ? AND user_id = ?`, chatID, userID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ? AND user_id = ?`, chatID, userID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chat rows affected: %w", err)
	}
	if affected == 0 {
		err = sql.ErrNoRows
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete chat: %w", err)
	}
	s.cache.invalidate(ctx, chatID)
	return nil
}

// UpdateChatTitle renames a chat owned by userID.
func (s *Service) UpdateChatTitle(ctx context.Context, userID, chatID int64, title string) error {
	if chatID <= 0 {
		return errors.New("invalid chat id")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		title, time.Now().UTC(), chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("update chat title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chat rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	s.cache.invalidate(ctx, chatID)
	return nil
}
