// Package state persists the global capture state: the consent flag and the
// anonymous identity the ingestion service knows the user by.
package state

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/hpungsan/chatsync/internal/db"
)

const (
	keyEnabled = "enabled"
	keyUserID  = "user_id"
)

// Global is a snapshot of the persisted capture state.
type Global struct {
	Enabled bool   `json:"enabled"`
	UserID  string `json:"userId,omitempty"`
}

// HasIdentity reports whether an anonymous id is available.
func (g Global) HasIdentity() bool {
	return g.UserID != ""
}

// Store reads and writes Global in the settings table.
type Store struct {
	db *sql.DB
}

// NewStore returns a Store. If seedUserID is non-empty and no identity has been
// stored yet, it is persisted as the identity.
func NewStore(ctx context.Context, database *sql.DB, seedUserID string) (*Store, error) {
	s := &Store{db: database}
	seedUserID = strings.TrimSpace(seedUserID)
	if seedUserID == "" {
		return s, nil
	}
	_, ok, err := db.GetSetting(ctx, database, keyUserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := db.PutSetting(ctx, database, keyUserID, seedUserID); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Load returns the current state. Capture is disabled until explicitly enabled.
func (s *Store) Load(ctx context.Context) (Global, error) {
	var g Global
	raw, ok, err := db.GetSetting(ctx, s.db, keyEnabled)
	if err != nil {
		return g, err
	}
	if ok {
		g.Enabled, _ = strconv.ParseBool(raw)
	}
	g.UserID, _, err = db.GetSetting(ctx, s.db, keyUserID)
	if err != nil {
		return Global{}, err
	}
	return g, nil
}

// SetEnabled persists the consent flag.
func (s *Store) SetEnabled(ctx context.Context, enabled bool) error {
	return db.PutSetting(ctx, s.db, keyEnabled, strconv.FormatBool(enabled))
}

// SetUserID persists the anonymous identity. An empty id clears it.
func (s *Store) SetUserID(ctx context.Context, id string) error {
	return db.PutSetting(ctx, s.db, keyUserID, strings.TrimSpace(id))
}
