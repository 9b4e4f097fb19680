package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// FileCursor stores the cursor as a decimal integer in a text file.
//
// Commits write a temp file in the same directory, fsync it and rename it
// over the old file, so readers see either the old or the new value.
type FileCursor struct {
	path string
	mu   sync.Mutex
}

// NewFileCursor returns a cursor backed by path. The file is created on the
// first commit.
func NewFileCursor(path string) *FileCursor {
	return &FileCursor{path: strings.TrimSpace(path)}
}

// Path returns the backing file path.
func (c *FileCursor) Path() string {
	return c.path
}

func (c *FileCursor) Read(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read()
}

func (c *FileCursor) read() (int64, error) {
	b, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return 0, nil
	}
	k, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor %s: %w", c.path, err)
	}
	return k, nil
}

func (c *FileCursor) Commit(ctx context.Context, k int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.read()
	if err != nil {
		return err
	}
	if k < current {
		return fmt.Errorf("%w: %d < %d", ErrCursorRegression, k, current)
	}
	if k == current {
		if _, statErr := os.Stat(c.path); statErr == nil {
			return nil
		}
	}
	return c.write(k)
}

func (c *FileCursor) Reset(ctx context.Context, k int64) error {
	if k < 0 {
		return fmt.Errorf("cursor must be non-negative: %d", k)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(k)
}

func (c *FileCursor) write(k int64) error {
	dir := filepath.Dir(c.path)
	// #nosec G301 -- state directories use 0755 like other app data
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create cursor dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.WriteString(strconv.FormatInt(k, 10)); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp cursor file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp cursor file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp cursor file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		return fmt.Errorf("rename cursor file: %w", err)
	}
	return nil
}

func (c *FileCursor) Close() error {
	return nil
}
