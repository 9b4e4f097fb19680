// Package disposition routes classified outcomes to their sinks: the result
// stream, the alpha blacklist, the failure log, remote tags and the job
// journal.
package disposition

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Blacklist is an append-only set of alpha ids that must not be checked
// or resubmitted again. The file holds one id per line.
type Blacklist struct {
	path string
	mu   sync.Mutex
	ids  map[string]struct{}
}

// LoadBlacklist reads path if it exists. A missing file is an empty list.
func LoadBlacklist(path string) (*Blacklist, error) {
	b := &Blacklist{path: strings.TrimSpace(path), ids: make(map[string]struct{})}
	if b.path == "" {
		return b, nil
	}

	f, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, fmt.Errorf("open blacklist: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id != "" {
			b.ids[id] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read blacklist: %w", err)
	}
	return b, nil
}

// Contains reports whether id is blacklisted.
func (b *Blacklist) Contains(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.ids[id]
	return ok
}

// Len is the number of ids.
func (b *Blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ids)
}

// Add appends id to the list. Adding a known id is a no-op.
func (b *Blacklist) Add(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.ids[id]; ok {
		return nil
	}

	if b.path != "" {
		if err := os.MkdirAll(filepath.Dir(b.path), 0755); err != nil {
			return fmt.Errorf("create blacklist dir: %w", err)
		}
		// #nosec G304 -- path comes from operator configuration
		f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open blacklist: %w", err)
		}
		if _, err := f.WriteString(id + "\n"); err != nil {
			_ = f.Close()
			return fmt.Errorf("append blacklist: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close blacklist: %w", err)
		}
	}
	b.ids[id] = struct{}{}
	return nil
}
