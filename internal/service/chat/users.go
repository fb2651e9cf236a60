package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"keepchat/internal/models"

	"golang.org/x/crypto/bcrypt"
)

// RegisterUser creates an account. The first account ever registered becomes admin.
func (s *Service) RegisterUser(ctx context.Context, username, password string) (_ *models.User, err error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var taken bool
	if err = tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username).Scan(&taken); err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if taken {
		err = ErrUserExists
		return nil, err
	}
	var count int
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	role := models.RoleNamed
	if count == 0 {
		role = models.RoleAdmin
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role, created_at) VALUES (?, ?, ?, ?)`,
		username, string(hash), role, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit user: %w", err)
	}
	return &models.User{ID: id, Username: username, PasswordHash: string(hash), Role: role, CreatedAt: now}, nil
}

// Login validates credentials and returns the account.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	user, err := s.queryUser(ctx, `SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?`, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// GetUser loads an account by id.
func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return s.queryUser(ctx, `SELECT id, username, password_hash, role, created_at FROM users WHERE id = ?`, id)
}

func (s *Service) queryUser(ctx context.Context, query string, arg interface{}) (*models.User, error) {
	var user models.User
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}

// DeleteUser removes a user and cascaded data.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid user id")
	}
	var chatIDs []int64
	if s.cache.client.Enabled() {
		rows, err := s.db.QueryContext(ctx, `SELECT id FROM chats WHERE user_id = ?`, id)
		if err != nil {
			return fmt.Errorf("list user chats: %w", err)
		}
		for rows.Next() {
			var chatID int64
			if err := rows.Scan(&chatID); err != nil {
				rows.Close()
				return fmt.Errorf("scan chat id: %w", err)
			}
			chatIDs = append(chatIDs, chatID)
		}
		rows.Close()
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	s.cache.invalidate(ctx, chatIDs...)
	return nil
}

// GetRole reports the account's role. Unknown accounts are guests.
func (s *Service) GetRole(ctx context.Context, userID int64) (models.UserRole, error) {
	var role models.UserRole
	err := s.db.QueryRowContext(ctx, `SELECT role FROM users WHERE id = ?`, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RoleGuest, nil
		}
		return "", fmt.Errorf("query role: %w", err)
	}
	return role, nil
}

// IsAdmin reports whether userID holds the admin role.
func (s *Service) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	role, err := s.GetRole(ctx, userID)
	if err != nil {
		return false, err
	}
	return role == models.RoleAdmin, nil
}

// AssignRole changes another account's role. Only admins may call it.
func (s *Service) AssignRole(ctx context.Context, callerID, targetID int64, role models.UserRole) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	admin, err := s.IsAdmin(ctx, callerID)
	if err != nil {
		return err
	}
	if !admin {
		return ErrForbidden
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET role = ? WHERE id = ?`, role, targetID)
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
