package disposition

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/3leaps/alphaflow/pkg/sim"
)

var failureHeader = []string{"index", "expression", "settings", "reason", "failed_at"}

// FailureLog appends unresolved jobs to a CSV file so they can be rerun.
type FailureLog struct {
	path string
	mu   sync.Mutex
}

// NewFailureLog returns a log writing to path. The header is written when
// the file is created.
func NewFailureLog(path string) *FailureLog {
	return &FailureLog{path: path}
}

// Append records spec with the reason it was given up on.
func (l *FailureLog) Append(spec sim.JobSpec, reason string) error {
	settings, err := json.Marshal(spec.Request.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("create failure log dir: %w", err)
	}
	_, statErr := os.Stat(l.path)
	isNew := os.IsNotExist(statErr)

	// #nosec G304 -- path comes from operator configuration
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open failure log: %w", err)
	}

	w := csv.NewWriter(f)
	if isNew {
		_ = w.Write(failureHeader)
	}
	_ = w.Write([]string{
		strconv.FormatInt(spec.Index, 10),
		spec.Request.Regular,
		string(settings),
		reason,
		time.Now().UTC().Format(time.RFC3339),
	})
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write failure log: %w", err)
	}
	return f.Close()
}

var queueHeader = []string{"index", "expression", "location", "submitted_at", "resubmits"}

// QueueMirror keeps a CSV snapshot of the in-flight jobs for operators.
// Each write replaces the file atomically.
type QueueMirror struct {
	path string
	mu   sync.Mutex
}

// NewQueueMirror returns a mirror writing to path.
func NewQueueMirror(path string) *QueueMirror {
	return &QueueMirror{path: path}
}

// Write replaces the snapshot with handles.
func (q *QueueMirror) Write(handles []*sim.JobHandle) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	dir := filepath.Dir(q.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create queue mirror dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(q.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	w := csv.NewWriter(tmp)
	_ = w.Write(queueHeader)
	for _, h := range handles {
		_ = w.Write([]string{
			strconv.FormatInt(h.Index(), 10),
			h.Spec.Request.Regular,
			h.Location,
			h.SubmittedAt.UTC().Format(time.RFC3339),
			strconv.Itoa(h.Resubmits),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write queue mirror: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close queue mirror: %w", err)
	}
	if err := os.Rename(tmpName, q.path); err != nil {
		return fmt.Errorf("rename queue mirror: %w", err)
	}
	return nil
}
