// Package sqlite implements the tailserve access log backed by a SQLite
// database next to the state document.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database holding per-route access records.
type Store struct {
	db *sql.DB
}

// Route kinds recorded in the log.
const (
	KindShare   = "share"
	KindProject = "project"
)

// Entry is one served request.
type Entry struct {
	Kind     string
	Key      string // share id or project name
	Method   string
	Path     string
	Status   int
	Bytes    int64
	Duration time.Duration
	Remote   string
	At       time.Time
}

// RouteCount aggregates the log per route.
type RouteCount struct {
	Kind   string
	Key    string
	Count  int64
	LastAt time.Time
}

// Open creates or opens the access database at path, runs migrations, and
// enables WAL mode so the dashboard can read while the daemon writes.
func Open(path string) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Per-connection PRAGMAs travel in the DSN so every pooled connection
	// gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+"_pragma=synchronous(normal)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// journal_mode and busy_timeout are database-wide; set them once here.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS access_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	key TEXT NOT NULL,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	status INTEGER NOT NULL,
	bytes INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	remote TEXT NOT NULL DEFAULT '',
	at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_access_log_route ON access_log(kind, key);
CREATE INDEX IF NOT EXISTS idx_access_log_at ON access_log(at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate access log: %w", err)
	}
	return nil
}

// Record appends one request to the log.
func (s *Store) Record(ctx context.Context, e Entry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_log (kind, key, method, path, status, bytes, duration_ms, remote, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Kind, e.Key, e.Method, e.Path, e.Status, e.Bytes, e.Duration.Milliseconds(), e.Remote, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record access: %w", err)
	}
	return nil
}

// Counts returns per-route totals across the whole log, most requested
// first.
func (s *Store) Counts(ctx context.Context) ([]RouteCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, key, COUNT(*), MAX(at)
		 FROM access_log GROUP BY kind, key ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("count access: %w", err)
	}
	defer rows.Close()

	var out []RouteCount
	for rows.Next() {
		var rc RouteCount
		var lastMs int64
		if err := rows.Scan(&rc.Kind, &rc.Key, &rc.Count, &lastMs); err != nil {
			return nil, err
		}
		rc.LastAt = time.UnixMilli(lastMs)
		out = append(out, rc)
	}
	return out, rows.Err()
}

// Prune removes entries older than cutoff and reports how many went away.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM access_log WHERE at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune access log: %w", err)
	}
	return res.RowsAffected()
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
