// Package cache is the local per-conversation capture cache. Every mutation is
// a single SQLite transaction that has committed by the time the call returns.
package cache

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/hpungsan/chatsync/internal/chat"
	"github.com/hpungsan/chatsync/internal/db"
	"github.com/hpungsan/chatsync/internal/errors"
)

// Cache stores batches grouped by conversation key.
type Cache struct {
	db     *sql.DB
	logger *zap.Logger
}

// New returns a Cache over an initialized database. A nil logger disables logging.
func New(database *sql.DB, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{db: database, logger: logger}
}

// Append adds batch to the entry for key. The batch and all of its messages
// are written together or not at all.
func (c *Cache) Append(ctx context.Context, key string, b *chat.Batch) error {
	if key == "" {
		return errors.NewInvalidRequest("conversation key is required")
	}
	if b == nil || b.ID == "" {
		return errors.NewInvalidRequest("batch id is required")
	}
	b.Key = key
	err := db.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		return db.InsertBatch(ctx, tx, b)
	})
	if err != nil {
		return err
	}
	c.logger.Debug("cached batch",
		zap.String("key", key),
		zap.String("batch_id", b.ID),
		zap.String("source", string(b.Source)),
		zap.Int("messages", len(b.Messages)))
	return nil
}

// Clear drops every batch cached for key. Returns the number removed.
func (c *Cache) Clear(ctx context.Context, key string) (int64, error) {
	var n int64
	err := db.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		var err error
		n, err = db.DeleteByKey(ctx, tx, key)
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Debug("cleared conversation", zap.String("key", key), zap.Int64("batches", n))
	}
	return n, nil
}

// ClearAll drops the whole cache. Returns the number of batches removed.
func (c *Cache) ClearAll(ctx context.Context) (int64, error) {
	var n int64
	err := db.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		var err error
		n, err = db.DeleteAll(ctx, tx)
		return err
	})
	return n, err
}

// Remove drops the named batches from key's entry. Batches appended after the
// ids were read are kept.
func (c *Cache) Remove(ctx context.Context, key string, ids []string) (int64, error) {
	var n int64
	err := db.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		var err error
		n, err = db.DeleteBatches(ctx, tx, key, ids)
		return err
	})
	return n, err
}

// Get returns the entry for key. A key with nothing cached yields an empty entry.
func (c *Cache) Get(ctx context.Context, key string) (*chat.Entry, error) {
	batches, err := db.ListByKey(ctx, c.db, key)
	if err != nil {
		return nil, err
	}
	last, err := db.LastUpdate(ctx, c.db, key)
	if err != nil {
		return nil, err
	}
	return &chat.Entry{Key: key, Batches: batches, LastUpdateAt: last}, nil
}

// Keys returns every key with cached batches, oldest first.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	return db.ListKeys(ctx, c.db)
}

// Snapshot returns every non-empty entry.
func (c *Cache) Snapshot(ctx context.Context) (map[string]*chat.Entry, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*chat.Entry, len(keys))
	for _, k := range keys {
		e, err := c.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if !e.Empty() {
			out[k] = e
		}
	}
	return out, nil
}

// PendingCount returns the number of batches waiting for upload.
func (c *Cache) PendingCount(ctx context.Context) (int, error) {
	return db.CountBatches(ctx, c.db)
}

// List returns batch summaries newest first, with the total number cached.
func (c *Cache) List(ctx context.Context, limit, offset int) ([]chat.BatchSummary, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return db.ListSummaries(ctx, c.db, limit, offset)
}

// Stream calls fn for every cached batch in capture order.
func (c *Cache) Stream(ctx context.Context, fn func(*chat.Batch) error) error {
	return db.StreamAll(ctx, c.db, fn)
}
