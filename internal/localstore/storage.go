package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Storage is an untyped string key-value store shared by everything the
// client persists locally.
type Storage interface {
	GetItem(key string) (string, bool, error)
	SetItem(key, value string) error
	RemoveItem(key string) error
}

// MemoryStorage keeps items in process memory.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]string)}
}

func (m *MemoryStorage) GetItem(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *MemoryStorage) SetItem(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *MemoryStorage) RemoveItem(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

const sqlOpTimeout = 5 * time.Second

// SQLStorage persists items in a local_storage table, normally inside a
// sqlite file owned by one client profile.
type SQLStorage struct {
	db *sql.DB
}

// NewSQLStorage creates the backing table when missing.
func NewSQLStorage(db *sql.DB) (*SQLStorage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOpTimeout)
	defer cancel()
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS local_storage (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("create local_storage table: %w", err)
	}
	return &SQLStorage{db: db}, nil
}

func (s *SQLStorage) GetItem(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOpTimeout)
	defer cancel()
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM local_storage WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get item %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLStorage) SetItem(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOpTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO local_storage (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set item %s: %w", key, err)
	}
	return nil
}

func (s *SQLStorage) RemoveItem(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOpTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM local_storage WHERE key = ?`, key); err != nil {
		return fmt.Errorf("remove item %s: %w", key, err)
	}
	return nil
}
