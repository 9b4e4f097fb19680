// Package ledger persists run progress so a crashed or stopped run resumes
// where it left off.
//
// The cursor is the index of the next job that has not been resolved. It only
// moves forward; a commit below the stored value fails with
// ErrCursorRegression. Two backends are provided: a plain file holding a
// single integer, and a SQLite database that also journals per-job outcomes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrCursorRegression is returned when a commit would move the cursor back.
var ErrCursorRegression = errors.New("cursor regression")

// Cursor is a durable, non-decreasing progress marker.
type Cursor interface {
	// Read returns the last committed value, or 0 if none.
	Read(ctx context.Context) (int64, error)

	// Commit atomically persists k. k must not be below the stored value.
	Commit(ctx context.Context, k int64) error

	// Reset overwrites the stored value unconditionally.
	Reset(ctx context.Context, k int64) error

	Close() error
}

// Backend selects the cursor storage.
type Backend string

const (
	BackendAuto   Backend = ""
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
)

// Config selects and configures a cursor backend.
type Config struct {
	// Path is the cursor file or SQLite database path.
	Path string

	// Backend forces a backend. Auto picks SQLite for .db/.sqlite/.sqlite3
	// paths and file: or libsql: DSNs, and the file backend otherwise.
	Backend Backend

	// Name distinguishes cursors sharing one SQLite database.
	// Default: "default"
	Name string
}

// Open opens the configured cursor.
func Open(ctx context.Context, cfg Config) (Cursor, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	switch resolveBackend(cfg) {
	case BackendSQLite:
		return OpenSQLite(ctx, SQLiteConfig{Path: cfg.Path, Name: cfg.Name})
	case BackendFile:
		return NewFileCursor(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

func resolveBackend(cfg Config) Backend {
	if cfg.Backend != BackendAuto {
		return cfg.Backend
	}
	p := strings.ToLower(strings.TrimSpace(cfg.Path))
	if strings.HasPrefix(p, "file:") || strings.HasPrefix(p, "libsql:") || p == ":memory:" {
		return BackendSQLite
	}
	switch filepath.Ext(p) {
	case ".db", ".sqlite", ".sqlite3":
		return BackendSQLite
	}
	return BackendFile
}
