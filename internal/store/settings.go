package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// HealthKey is the settings key read by the startup health check.
const HealthKey = "__health"

// GetSetting returns a setting value or ErrNotFound.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a setting.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// HealthCheck performs a lightweight read of a known key and confirms the
// database is at the resolved schema version.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if _, err := s.GetSetting(ctx, HealthKey); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("health check: %w", err)
	}
	var current int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if current != s.version {
		return fmt.Errorf("health check: user_version %d, registry %d: %w", current, s.version, ErrVersionConflict)
	}
	return nil
}
