package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/hpungsan/chatsync/internal/errors"
)

// GetSetting returns the stored value for name and whether it exists.
func GetSetting(ctx context.Context, q Querier, name string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM settings WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.NewInternal(err)
	}
	return value, true, nil
}

// PutSetting inserts or replaces the value for name.
func PutSetting(ctx context.Context, q Querier, name, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO settings (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, name, value, time.Now().UnixMilli())
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}
