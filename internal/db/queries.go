package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/hpungsan/chatsync/internal/chat"
	"github.com/hpungsan/chatsync/internal/errors"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside a transaction and commits when fn returns nil.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewInternal(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// InsertBatch stores a batch and its messages.
func InsertBatch(ctx context.Context, q Querier, b *chat.Batch) error {
	query := `
		INSERT INTO batches (
			id, conv_key, platform, url, page_url, method, source, captured_at, data, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		b.ID, b.Key, b.Platform, b.URL, b.PageURL, b.Method, string(b.Source),
		b.CapturedAt, string(b.Data), time.Now().UnixMilli(),
	)
	if err != nil {
		return errors.NewInternal(err)
	}

	for i, m := range b.Messages {
		_, err := q.ExecContext(ctx, `
			INSERT INTO messages (batch_id, position, fingerprint, role, content, observed_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, b.ID, i, m.Fingerprint, string(m.Role), m.Content, m.ObservedAt.UnixMilli())
		if err != nil {
			return errors.NewInternal(err)
		}
	}
	return nil
}

// DeleteByKey removes every batch for key. Returns the number of batches removed.
func DeleteByKey(ctx context.Context, q Querier, key string) (int64, error) {
	if _, err := q.ExecContext(ctx, `
		DELETE FROM messages WHERE batch_id IN (SELECT id FROM batches WHERE conv_key = ?)
	`, key); err != nil {
		return 0, errors.NewInternal(err)
	}
	result, err := q.ExecContext(ctx, `DELETE FROM batches WHERE conv_key = ?`, key)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return rowsAffected(result)
}

// DeleteBatches removes the named batches of key. Unknown ids are ignored.
func DeleteBatches(ctx context.Context, q Querier, key string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, key)
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := q.ExecContext(ctx, `
		DELETE FROM messages WHERE batch_id IN (
			SELECT id FROM batches WHERE conv_key = ? AND id IN (`+placeholders+`)
		)
	`, args...); err != nil {
		return 0, errors.NewInternal(err)
	}
	result, err := q.ExecContext(ctx,
		`DELETE FROM batches WHERE conv_key = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return rowsAffected(result)
}

// DeleteAll removes every cached batch.
func DeleteAll(ctx context.Context, q Querier) (int64, error) {
	if _, err := q.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return 0, errors.NewInternal(err)
	}
	result, err := q.ExecContext(ctx, `DELETE FROM batches`)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return rowsAffected(result)
}

// ListByKey returns the batches for key in insertion order, with messages.
func ListByKey(ctx context.Context, q Querier, key string) ([]*chat.Batch, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, conv_key, platform, url, page_url, method, source, captured_at, data
		FROM batches
		WHERE conv_key = ?
		ORDER BY seq ASC
	`, key)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	batches, err := scanBatches(rows)
	if err != nil {
		return nil, err
	}
	if err := attachMessages(ctx, q, batches); err != nil {
		return nil, err
	}
	return batches, nil
}

// LastUpdate returns the newest created_at (unix millis) for key, or 0.
func LastUpdate(ctx context.Context, q Querier, key string) (int64, error) {
	var last sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT MAX(created_at) FROM batches WHERE conv_key = ?`, key).Scan(&last)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return last.Int64, nil
}

// ListKeys returns every key with at least one batch, oldest first.
func ListKeys(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT conv_key FROM batches GROUP BY conv_key ORDER BY MIN(seq) ASC
	`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.NewInternal(err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return keys, nil
}

// CountBatches returns the number of cached batches.
func CountBatches(ctx context.Context, q Querier) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches`).Scan(&n); err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// ListSummaries returns batch summaries newest first, with the total count.
func ListSummaries(ctx context.Context, q Querier, limit, offset int) ([]chat.BatchSummary, int, error) {
	total, err := CountBatches(ctx, q)
	if err != nil {
		return nil, 0, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT b.id, b.conv_key, b.platform, b.url, b.method, b.source, b.captured_at,
			LENGTH(b.data), (SELECT COUNT(*) FROM messages m WHERE m.batch_id = b.id)
		FROM batches b
		ORDER BY b.seq DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []chat.BatchSummary
	for rows.Next() {
		var (
			s      chat.BatchSummary
			source string
		)
		if err := rows.Scan(&s.ID, &s.Key, &s.Platform, &s.URL, &s.Method, &source,
			&s.CapturedAt, &s.DataBytes, &s.MessageCount); err != nil {
			return nil, 0, errors.NewInternal(err)
		}
		s.Source = chat.Source(source)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.NewInternal(err)
	}
	return out, total, nil
}

// StreamAll calls fn for each batch in insertion order. Messages are attached.
// Stops at the first error returned by fn.
func StreamAll(ctx context.Context, q Querier, fn func(*chat.Batch) error) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, conv_key, platform, url, page_url, method, source, captured_at, data
		FROM batches
		ORDER BY seq ASC
	`)
	if err != nil {
		return errors.NewInternal(err)
	}
	batches, err := scanBatches(rows)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if err := attachMessages(ctx, q, []*chat.Batch{b}); err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

// scanBatches reads and closes rows.
func scanBatches(rows *sql.Rows) ([]*chat.Batch, error) {
	defer rows.Close()
	var out []*chat.Batch
	for rows.Next() {
		var (
			b      chat.Batch
			source string
			data   string
		)
		if err := rows.Scan(&b.ID, &b.Key, &b.Platform, &b.URL, &b.PageURL, &b.Method, &source, &b.CapturedAt, &data); err != nil {
			return nil, errors.NewInternal(err)
		}
		b.Source = chat.Source(source)
		b.Data = []byte(data)
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

func attachMessages(ctx context.Context, q Querier, batches []*chat.Batch) error {
	for _, b := range batches {
		rows, err := q.QueryContext(ctx, `
			SELECT fingerprint, role, content, observed_at
			FROM messages
			WHERE batch_id = ?
			ORDER BY position ASC
		`, b.ID)
		if err != nil {
			return errors.NewInternal(err)
		}
		for rows.Next() {
			var (
				m          chat.Message
				role       string
				observedAt int64
			)
			if err := rows.Scan(&m.Fingerprint, &role, &m.Content, &observedAt); err != nil {
				rows.Close()
				return errors.NewInternal(err)
			}
			m.Role = chat.Role(role)
			m.ObservedAt = time.UnixMilli(observedAt).UTC()
			b.Messages = append(b.Messages, m)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return errors.NewInternal(err)
		}
	}
	return nil
}

func rowsAffected(result sql.Result) (int64, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}
