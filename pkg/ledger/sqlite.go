package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const schemaVersion = 1

// SQLiteConfig configures a SQLite-backed ledger.
type SQLiteConfig struct {
	// Path is a local file path, file: DSN, or libsql:// URL (cgo builds).
	Path string

	// Name is the cursor row used by Read/Commit. Default: "default"
	Name string
}

// SQLite stores cursors and the job journal in one database.
type SQLite struct {
	db   *sql.DB
	name string
}

// OpenSQLite opens (and creates if needed) a ledger database.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLite, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "default"
	}

	db, err := openDB(ctx, cfg.Path)
	if err != nil {
		return nil, err
	}

	s := &SQLite{db: db, name: name}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ledger_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO ledger_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS cursors (
			name TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS job_journal (
			cursor_name TEXT NOT NULL,
			job_index INTEGER NOT NULL,
			expression TEXT,
			location TEXT,
			alpha_id TEXT,
			kind TEXT NOT NULL,
			reason TEXT,
			correlation REAL,
			attempts INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (cursor_name, job_index)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_journal_kind ON job_journal(cursor_name, kind);`,
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, stmt := range stmts {
		if i == 1 {
			if _, err := s.db.ExecContext(ctx, stmt, schemaVersion, now); err != nil {
				return fmt.Errorf("init schema meta: %w", err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Read(ctx context.Context) (int64, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx, `SELECT position FROM cursors WHERE name = ?`, s.name).Scan(&pos)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return pos, nil
}

func (s *SQLite) Commit(ctx context.Context, k int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (name, position, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			position=excluded.position,
			updated_at=excluded.updated_at
		WHERE excluded.position >= cursors.position
	`, s.name, k, now)
	if err != nil {
		return fmt.Errorf("commit cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit cursor: %w", err)
	}
	if n == 0 {
		current, readErr := s.Read(ctx)
		if readErr != nil {
			return readErr
		}
		return fmt.Errorf("%w: %d < %d", ErrCursorRegression, k, current)
	}
	return nil
}

func (s *SQLite) Reset(ctx context.Context, k int64) error {
	if k < 0 {
		return fmt.Errorf("cursor must be non-negative: %d", k)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (name, position, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			position=excluded.position,
			updated_at=excluded.updated_at
	`, s.name, k, now)
	if err != nil {
		return fmt.Errorf("reset cursor: %w", err)
	}
	return nil
}

// JournalEntry is the recorded disposition of one job.
type JournalEntry struct {
	Index       int64
	Expression  string
	Location    string
	AlphaID     string
	Kind        string
	Reason      string
	Correlation *float64
	Attempts    int
	UpdatedAt   time.Time
}

// Record upserts the journal entry for e.Index.
func (s *SQLite) Record(ctx context.Context, e JournalEntry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	var corr sql.NullFloat64
	if e.Correlation != nil {
		corr = sql.NullFloat64{Float64: *e.Correlation, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_journal (
			cursor_name, job_index, expression, location, alpha_id, kind, reason, correlation, attempts, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cursor_name, job_index) DO UPDATE SET
			expression=excluded.expression,
			location=excluded.location,
			alpha_id=excluded.alpha_id,
			kind=excluded.kind,
			reason=excluded.reason,
			correlation=excluded.correlation,
			attempts=excluded.attempts,
			updated_at=excluded.updated_at
	`,
		s.name, e.Index, e.Expression, e.Location, e.AlphaID, e.Kind, e.Reason, corr, e.Attempts,
		e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record job %d: %w", e.Index, err)
	}
	return nil
}

// Entries returns journal entries ordered by index, at most limit when limit > 0.
func (s *SQLite) Entries(ctx context.Context, limit int) ([]JournalEntry, error) {
	query := `SELECT job_index, expression, location, alpha_id, kind, reason, correlation, attempts, updated_at
		FROM job_journal WHERE cursor_name = ? ORDER BY job_index`
	args := []any{s.name}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []JournalEntry
	for rows.Next() {
		var (
			e                        JournalEntry
			expr, loc, alpha, reason sql.NullString
			corr                     sql.NullFloat64
			updated                  string
		)
		if err := rows.Scan(&e.Index, &expr, &loc, &alpha, &e.Kind, &reason, &corr, &e.Attempts, &updated); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.Expression = expr.String
		e.Location = loc.String
		e.AlphaID = alpha.String
		e.Reason = reason.String
		if corr.Valid {
			v := corr.Float64
			e.Correlation = &v
		}
		if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
			e.UpdatedAt = ts
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns the number of journal entries per kind.
func (s *SQLite) Counts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM job_journal WHERE cursor_name = ? GROUP BY kind`, s.name)
	if err != nil {
		return nil, fmt.Errorf("count journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan journal counts: %w", err)
		}
		out[kind] = n
	}
	return out, rows.Err()
}
