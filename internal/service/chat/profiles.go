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

// GetProfile returns the caller's profile, or sql.ErrNoRows if none was saved.
func (s *Service) GetProfile(ctx context.Context, userID int64) (*models.Profile, error) {
	var p models.Profile
	err := s.db.QueryRowContext(ctx, `SELECT name FROM profiles WHERE user_id = ?`, userID).Scan(&p.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

// SaveProfile creates or replaces the caller's profile.
func (s *Service) SaveProfile(ctx context.Context, userID int64, profile models.Profile) error {
	name := strings.TrimSpace(profile.Name)
	if name == "" {
		return errors.New("name is required")
	}
	now := time.Now().UTC()
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM profiles WHERE user_id = ?)`, userID).Scan(&exists); err != nil {
		return fmt.Errorf("check profile: %w", err)
	}
	if exists {
		if _, err := s.db.ExecContext(ctx, `UPDATE profiles SET name = ?, updated_at = ? WHERE user_id = ?`, name, now, userID); err != nil {
			return fmt.Errorf("update profile: %w", err)
		}
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, name, updated_at) VALUES (?, ?, ?)`,
		userID, name, now,
	); err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

// UserProfile lets an admin read any account's profile.
func (s *Service) UserProfile(ctx context.Context, callerID, targetID int64) (*models.Profile, error) {
	if callerID != targetID {
		admin, err := s.IsAdmin(ctx, callerID)
		if err != nil {
			return nil, err
		}
		if !admin {
			return nil, ErrForbidden
		}
	}
	return s.GetProfile(ctx, targetID)
}
