// Package db opens the SQLite handles backing the sync directory.
package db

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/driftlab/driftsync/internal/utils"
)

// WAL keeps readers unblocked during the save-changes write burst;
// busy_timeout covers the directory manager's flock handoff window.
const defaultPragmas = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA foreign_keys=ON;
PRAGMA temp_store=MEMORY;
PRAGMA cache_size=8000;
PRAGMA mmap_size=268435456;
`

type config struct {
	path            string
	pragmas         string
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
}

type SqliteOption func(*config)

// WithPath points the handle at a file. ":memory:" stays in memory.
func WithPath(path string) SqliteOption {
	return func(c *config) { c.path = path }
}

// WithPragmas replaces the default pragma block.
func WithPragmas(pragmas string) SqliteOption {
	return func(c *config) { c.pragmas = pragmas }
}

func WithMaxOpenConns(n int) SqliteOption {
	return func(c *config) { c.maxOpenConns = n }
}

func WithMaxIdleConns(n int) SqliteOption {
	return func(c *config) { c.maxIdleConns = n }
}

func WithConnMaxLifetime(d time.Duration) SqliteOption {
	return func(c *config) { c.connMaxLifetime = d }
}

// NewSqliteDB opens a sqlx handle, creating parent directories for
// file-backed databases and applying the pragma block.
func NewSqliteDB(opts ...SqliteOption) (*sqlx.DB, error) {
	cfg := &config{
		path:         ":memory:",
		pragmas:      defaultPragmas,
		maxIdleConns: 2,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	dsn := cfg.path
	if cfg.path != ":memory:" {
		if err := utils.EnsureParent(cfg.path); err != nil {
			return nil, fmt.Errorf("db dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", cfg.path)
	}

	slog.Debug("db open", "driver", driverID, "path", cfg.path)
	handle, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}

	if cfg.maxOpenConns > 0 {
		handle.SetMaxOpenConns(cfg.maxOpenConns)
	}
	if cfg.maxIdleConns > 0 {
		handle.SetMaxIdleConns(cfg.maxIdleConns)
	}
	if cfg.connMaxLifetime > 0 {
		handle.SetConnMaxLifetime(cfg.connMaxLifetime)
	}

	if _, err := handle.Exec(cfg.pragmas); err != nil {
		handle.Close()
		return nil, fmt.Errorf("db pragmas: %w", err)
	}
	return handle, nil
}
