package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hpungsan/chatsync/internal/cache"
	"github.com/hpungsan/chatsync/internal/config"
	"github.com/hpungsan/chatsync/internal/db"
	"github.com/hpungsan/chatsync/internal/identity"
	"github.com/hpungsan/chatsync/internal/ingest"
	"github.com/hpungsan/chatsync/internal/logging"
	"github.com/hpungsan/chatsync/internal/profile"
	"github.com/hpungsan/chatsync/internal/state"
	"github.com/hpungsan/chatsync/internal/web"
)

// appEnv is what every command needs: the config, the database and a logger.
// Everything else is built on demand from it.
type appEnv struct {
	baseDir string
	cfg     *config.Config
	db      *sql.DB
	logger  *zap.Logger
}

// openEnv loads ~/.chatsync plus the nearest repo config and opens the database.
func openEnv() (*appEnv, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("could not determine home directory: %w", err)
	}
	baseDir := filepath.Join(homeDir, ".chatsync")

	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}
	cfg, err := config.LoadWithRepo(baseDir, cwd)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return newEnv(baseDir, cfg, logger)
}

// newEnv opens the database under baseDir.
func newEnv(baseDir string, cfg *config.Config, logger *zap.Logger) (*appEnv, error) {
	database, err := db.Init(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	db.ConfigurePool(database, cfg)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &appEnv{baseDir: baseDir, cfg: cfg, db: database, logger: logger}, nil
}

// Close closes the database and flushes the logger.
func (e *appEnv) Close() {
	if e == nil {
		return
	}
	if e.db != nil {
		e.db.Close()
	}
	_ = logging.Sync(e.logger)
}

// registry returns the built-in profiles, overlaid with cfg.ProfilesPath and
// minus the disabled platforms.
func (e *appEnv) registry() (*profile.Registry, error) {
	reg, err := profile.Builtin()
	if err != nil {
		return nil, err
	}
	if e.cfg.ProfilesPath != "" {
		extra, err := profile.LoadFile(e.cfg.ProfilesPath)
		if err != nil {
			return nil, fmt.Errorf("load profiles %s: %w", e.cfg.ProfilesPath, err)
		}
		reg = reg.With(extra)
	}
	return reg.Without(e.cfg.DisabledPlatforms), nil
}

func (e *appEnv) resolver(reg *profile.Registry) (*identity.Resolver, error) {
	return identity.New(reg.ConversationPaths()...)
}

func (e *appEnv) store(ctx context.Context) (*state.Store, error) {
	return state.NewStore(ctx, e.db, e.cfg.UserID)
}

func (e *appEnv) cache() *cache.Cache {
	return cache.New(e.db, e.logger)
}

func (e *appEnv) ingest() (*ingest.Client, error) {
	return ingest.New(ingest.Options{
		BaseURL:       e.cfg.BackendURL,
		ClassifierURL: e.cfg.ClassifierBase(),
		Timeout:       e.cfg.HTTPTimeout(),
	})
}

// controller returns a client for the running service at addr, or at
// cfg.Listen when addr is empty.
func (e *appEnv) controller(addr string) (*web.Client, error) {
	if addr == "" {
		addr = e.cfg.Listen
	}
	return web.NewClient(addr, nil)
}
