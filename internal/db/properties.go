package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kon-rad/llmtrace/internal/store"
)

// GetProperty and SetProperty let a Manager back the client's persisted
// queue snapshot.
func (m *Manager) GetProperty(ctx context.Context, key store.Property) ([]byte, error) {
	var value []byte
	err := m.reader.QueryRowContext(ctx, "SELECT value FROM properties WHERE key = ?", string(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get property %s: %w", key, err)
	}
	return value, nil
}

func (m *Manager) SetProperty(ctx context.Context, key store.Property, value []byte) error {
	if value == nil {
		if _, err := m.writer.ExecContext(ctx, "DELETE FROM properties WHERE key = ?", string(key)); err != nil {
			return fmt.Errorf("delete property %s: %w", key, err)
		}
		return nil
	}
	_, err := m.writer.ExecContext(ctx, `
INSERT INTO properties (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`, string(key), value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set property %s: %w", key, err)
	}
	return nil
}

var _ store.Store = (*Manager)(nil)
