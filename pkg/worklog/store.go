// Package worklog is the append-only audit log written by pipeline workers.
//
// Entries serve two purposes: operator-facing job logs, and the error
// history the retry strategy engine reads to decide whether a failed job
// is worth another attempt.
package worklog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

// Level is the severity of a log entry.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

// Entry is one audit record.
type Entry struct {
	ID         int64
	JobID      string
	WorkerName string
	Level      Level
	Message    string
	ErrorStack string
	Metadata   map[string]interface{}
	CreatedAt  time.Time
}

const driverName = "sqlite"

func init() {
	// modernc registers "sqlite" itself in recent versions, but a second
	// registration panics, so guard by name.
	registered := false
	for _, name := range sql.Drivers() {
		if name == driverName {
			registered = true
			break
		}
	}
	if !registered {
		sql.Register(driverName, &sqlite.Driver{})
	}
}

// Store persists entries in a local sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the worklog database at path.
// ":memory:" is supported for tests. The schema is migrated in place.
func Open(ctx context.Context, path string) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		return nil, fmt.Errorf("worklog path is required")
	}
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create worklog dir: %w", err)
		}
		dsn = "file:" + filepath.Clean(dsn)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open worklog store: %w", err)
	}
	if dsn == ":memory:" {
		// Pooled connections would each see a distinct in-memory database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping worklog store: %w", err)
	}
	if dsn != ":memory:" {
		for _, pragma := range []string{`PRAGMA journal_mode=WAL;`, `PRAGMA busy_timeout=5000;`} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("configure worklog store: %w", err)
			}
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing database handle (shared with the job store).
func NewWithDB(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worker_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT,
			worker_name TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			error_stack TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_worker_logs_job_id ON worker_logs(job_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_worker_logs_level ON worker_logs(job_id, level, id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate worklog: %w", err)
		}
	}
	return nil
}

// Append writes one entry. CreatedAt defaults to now.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if e.WorkerName == "" {
		return fmt.Errorf("worker_name is required")
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var metadata interface{}
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(b)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_logs (job_id, worker_name, level, message, error_stack, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullable(e.JobID), e.WorkerName, string(e.Level), e.Message,
		nullable(e.ErrorStack), metadata, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append worker log: %w", err)
	}
	return nil
}

// RecentErrors returns the newest error-level entries for a job, newest
// first, bounded by limit. This is the retry engine's decision input.
func (s *Store) RecentErrors(ctx context.Context, jobID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, worker_name, level, message, error_stack, metadata, created_at
		 FROM worker_logs
		 WHERE job_id = ? AND level IN ('ERROR', 'FATAL')
		 ORDER BY id DESC
		 LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent errors: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// JobLogs returns entries for a job in append order, bounded by limit
// (0 means the retained history).
func (s *Store) JobLogs(ctx context.Context, jobID string, limit int) ([]Entry, error) {
	q := `SELECT id, job_id, worker_name, level, message, error_stack, metadata, created_at
	      FROM worker_logs WHERE job_id = ? ORDER BY id ASC`
	args := []interface{}{jobID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query job logs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			jobID      sql.NullString
			errorStack sql.NullString
			metadata   sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&e.ID, &jobID, &e.WorkerName, (*string)(&e.Level),
			&e.Message, &errorStack, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan worker log: %w", err)
		}
		e.JobID = jobID.String
		e.ErrorStack = errorStack.String
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &e.Metadata)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
