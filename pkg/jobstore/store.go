// Package jobstore is the durable job registry: job identity, status,
// per-stage history, and remote handles, persisted in sqlite so state
// survives process restarts.
//
// Every status transition is committed before it is observable to
// readers, and transitions are validated against the monotonic lifecycle.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

// ErrNotFound indicates the job id is unknown to the registry.
var ErrNotFound = errors.New("job not found")

// ErrInvalidTransition indicates a status change that violates the
// monotonic lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrStageOrder indicates a stage was started before its predecessor
// completed (or was skipped).
var ErrStageOrder = errors.New("stage started out of order")

const driverName = "sqlite"

func init() {
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

// Store is the sqlite-backed job registry.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the registry database at path.
// ":memory:" is supported for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		return nil, fmt.Errorf("job store path is required")
	}
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create job store dir: %w", err)
		}
		dsn = "file:" + filepath.Clean(dsn)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	if dsn == ":memory:" {
		// Pooled connections would each see a distinct in-memory database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping job store: %w", err)
	}
	if dsn != ":memory:" {
		for _, pragma := range []string{`PRAGMA journal_mode=WAL;`, `PRAGMA busy_timeout=5000;`, `PRAGMA foreign_keys=ON;`} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("configure job store: %w", err)
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

// DB exposes the handle so the worklog can share one database file.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			infrastructure_id TEXT,
			reference_granule TEXT NOT NULL,
			secondary_granule TEXT NOT NULL,
			reference_url TEXT,
			secondary_url TEXT,
			dem_path TEXT,
			bbox TEXT,
			points TEXT,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			processing_time_ms INTEGER NOT NULL DEFAULT 0,
			temporal_baseline_days INTEGER,
			results TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);`,

		`CREATE TABLE IF NOT EXISTS job_stages (
			job_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			name TEXT NOT NULL,
			outcome TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			output TEXT,
			error TEXT,
			skip_reason TEXT,
			PRIMARY KEY(job_id, idx),
			FOREIGN KEY(job_id) REFERENCES jobs(id)
		);`,

		`CREATE TABLE IF NOT EXISTS remote_handles (
			job_id TEXT PRIMARY KEY,
			remote_job_id TEXT NOT NULL,
			remote_status TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY(job_id) REFERENCES jobs(id)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate job store: %w", err)
		}
	}
	return nil
}

// Create persists a new job in PENDING.
func (s *Store) Create(ctx context.Context, job *Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("job id is required")
	}
	if job.Mode == "" {
		job.Mode = ModeLocal
	}
	job.Status = StatusPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	bbox, err := marshalJSON(job.BBox)
	if err != nil {
		return err
	}
	points, err := marshalJSON(job.Points)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, infrastructure_id, reference_granule, secondary_granule,
			reference_url, secondary_url, dem_path, bbox, points, mode, status,
			retry_count, processing_time_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)`,
		job.ID, nullable(job.InfrastructureID), job.ReferenceGranule, job.SecondaryGranule,
		nullable(job.ReferenceURL), nullable(job.SecondaryURL), nullable(job.DEMPath),
		bbox, points, string(job.Mode), string(StatusPending),
		job.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// Get loads a job and its full stage history.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, infrastructure_id, reference_granule, secondary_granule,
			reference_url, secondary_url, dem_path, bbox, points, mode, status,
			error, retry_count, processing_time_ms, temporal_baseline_days,
			results, created_at, started_at, completed_at
		 FROM jobs WHERE id = ?`, jobID)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, err
	}

	stages, err := s.stages(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Stages = stages
	return job, nil
}

// List returns jobs newest first, bounded by limit (0 means 100).
func (s *Store) List(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, infrastructure_id, reference_granule, secondary_granule,
			reference_url, secondary_url, dem_path, bbox, points, mode, status,
			error, retry_count, processing_time_ms, temporal_baseline_days,
			results, created_at, started_at, completed_at
		 FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// transitions lists the legal status moves. Terminal states have none.
var transitions = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true, StatusFailed: true, StatusCancelled: true},
	StatusProcessing: {StatusSucceeded: true, StatusFailed: true, StatusCancelled: true},
}

// transition atomically validates and applies a status change, running
// apply inside the same transaction for any dependent writes.
func (s *Store) transition(ctx context.Context, jobID string, to Status, apply func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return fmt.Errorf("read status: %w", err)
	}
	from := Status(current)
	if !transitions[from][to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ? WHERE id = ?`, string(to), jobID); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if apply != nil {
		if err := apply(tx); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkProcessing moves PENDING -> PROCESSING and stamps started_at.
func (s *Store) MarkProcessing(ctx context.Context, jobID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.transition(ctx, jobID, StatusProcessing, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE jobs SET started_at = ? WHERE id = ?`, now, jobID)
		return err
	})
}

// MarkSucceeded seals the job with its results and processing time.
func (s *Store) MarkSucceeded(ctx context.Context, jobID string, processingTime time.Duration, baselineDays int, results *ResultSet) error {
	res, err := marshalJSON(results)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.transition(ctx, jobID, StatusSucceeded, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE jobs SET completed_at = ?, processing_time_ms = ?,
				temporal_baseline_days = ?, results = ?, error = NULL
			 WHERE id = ?`,
			now, processingTime.Milliseconds(), baselineDays, res, jobID)
		return err
	})
}

// MarkFailed seals the job with the last stage's error string.
func (s *Store) MarkFailed(ctx context.Context, jobID, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.transition(ctx, jobID, StatusFailed, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE jobs SET completed_at = ?, error = ? WHERE id = ?`, now, errMsg, jobID)
		return err
	})
}

// CancelledByUser is the terminal error recorded on user cancellation.
const CancelledByUser = "Cancelled by user"

// Cancel moves a PROCESSING job to CANCELLED and seals any running stage
// with the cancellation error. Jobs in any other state are left untouched
// and the current record is returned; cancellation is idempotent.
func (s *Store) Cancel(ctx context.Context, jobID string) (*Job, error) {
	err := s.transition(ctx, jobID, StatusCancelled, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET completed_at = ?, error = ? WHERE id = ?`,
			now, CancelledByUser, jobID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE job_stages SET outcome = ?, completed_at = ?, error = ?
			 WHERE job_id = ? AND outcome = ?`,
			string(OutcomeFailed), now, CancelledByUser, jobID, string(OutcomeRunning))
		return err
	})
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		return nil, err
	}
	return s.Get(ctx, jobID)
}

// IncrementRetry bumps the persisted attempt counter.
func (s *Store) IncrementRetry(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET retry_count = retry_count + 1 WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("increment retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return nil
}

// StartStage appends a running stage row, enforcing the ordering
// invariant: stage idx may only start once stage idx-1 is completed or
// skipped. A stage row from an earlier attempt of the same index is
// replaced, since a retried job re-runs the failed stage.
func (s *Store) StartStage(ctx context.Context, jobID string, idx int, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if idx > 1 {
		var outcome string
		err := tx.QueryRowContext(ctx,
			`SELECT outcome FROM job_stages WHERE job_id = ? AND idx = ?`, jobID, idx-1).Scan(&outcome)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: stage %d has no predecessor record", ErrStageOrder, idx)
		}
		if err != nil {
			return fmt.Errorf("read predecessor stage: %w", err)
		}
		if StageOutcome(outcome) != OutcomeCompleted && StageOutcome(outcome) != OutcomeSkipped {
			return fmt.Errorf("%w: stage %d predecessor is %s", ErrStageOrder, idx, outcome)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_stages (job_id, idx, name, outcome, started_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, idx) DO UPDATE SET
			outcome = excluded.outcome,
			started_at = excluded.started_at,
			completed_at = NULL, output = NULL, error = NULL, skip_reason = NULL`,
		jobID, idx, name, string(OutcomeRunning), now)
	if err != nil {
		return fmt.Errorf("start stage: %w", err)
	}
	return tx.Commit()
}

// SealStage records the final outcome of a started stage.
func (s *Store) SealStage(ctx context.Context, jobID string, idx int, outcome StageOutcome, output, errMsg, skipReason string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_stages SET outcome = ?, completed_at = ?, output = ?, error = ?, skip_reason = ?
		 WHERE job_id = ? AND idx = ?`,
		string(outcome), now, nullable(output), nullable(errMsg), nullable(skipReason), jobID, idx)
	if err != nil {
		return fmt.Errorf("seal stage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("seal stage: no such stage %s/%d", jobID, idx)
	}
	return nil
}

func (s *Store) stages(ctx context.Context, jobID string) ([]Stage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, name, outcome, started_at, completed_at, output, error, skip_reason
		 FROM job_stages WHERE job_id = ? ORDER BY idx ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Stage
	for rows.Next() {
		var (
			st          Stage
			outcome     string
			startedAt   string
			completedAt sql.NullString
			output      sql.NullString
			errMsg      sql.NullString
			skipReason  sql.NullString
		)
		if err := rows.Scan(&st.Index, &st.Name, &outcome, &startedAt,
			&completedAt, &output, &errMsg, &skipReason); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		st.Outcome = StageOutcome(outcome)
		st.Completed = st.Outcome == OutcomeCompleted
		st.Output = output.String
		st.Error = errMsg.String
		st.SkipReason = skipReason.String
		if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			st.StartedAt = t
		}
		if completedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
				st.CompletedAt = &t
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpsertRemoteHandle records (or refreshes) the remote job mapping.
func (s *Store) UpsertRemoteHandle(ctx context.Context, h RemoteHandle) error {
	if h.JobID == "" || h.RemoteJobID == "" {
		return fmt.Errorf("remote handle requires job_id and remote_job_id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO remote_handles (job_id, remote_job_id, remote_status, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
			remote_job_id = excluded.remote_job_id,
			remote_status = excluded.remote_status,
			updated_at = excluded.updated_at`,
		h.JobID, h.RemoteJobID, h.RemoteStatus, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert remote handle: %w", err)
	}
	return nil
}

// GetRemoteHandle loads the remote mapping for a job.
func (s *Store) GetRemoteHandle(ctx context.Context, jobID string) (*RemoteHandle, error) {
	var (
		h         RemoteHandle
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, remote_job_id, remote_status, updated_at
		 FROM remote_handles WHERE job_id = ?`, jobID).
		Scan(&h.JobID, &h.RemoteJobID, &h.RemoteStatus, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: remote handle for %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get remote handle: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		h.UpdatedAt = t
	}
	return &h, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job              Job
		infrastructureID sql.NullString
		referenceURL     sql.NullString
		secondaryURL     sql.NullString
		demPath          sql.NullString
		bbox             sql.NullString
		points           sql.NullString
		mode             string
		status           string
		errMsg           sql.NullString
		baselineDays     sql.NullInt64
		results          sql.NullString
		createdAt        string
		startedAt        sql.NullString
		completedAt      sql.NullString
	)
	if err := row.Scan(&job.ID, &infrastructureID, &job.ReferenceGranule, &job.SecondaryGranule,
		&referenceURL, &secondaryURL, &demPath, &bbox, &points, &mode, &status,
		&errMsg, &job.RetryCount, &job.ProcessingTimeMs, &baselineDays,
		&results, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	job.InfrastructureID = infrastructureID.String
	job.ReferenceURL = referenceURL.String
	job.SecondaryURL = secondaryURL.String
	job.DEMPath = demPath.String
	job.Mode = Mode(mode)
	job.Status = Status(status)
	job.Error = errMsg.String
	job.TemporalBaselineDays = int(baselineDays.Int64)

	if bbox.Valid && bbox.String != "" {
		var b BBox
		if err := json.Unmarshal([]byte(bbox.String), &b); err == nil {
			job.BBox = &b
		}
	}
	if points.Valid && points.String != "" {
		_ = json.Unmarshal([]byte(points.String), &job.Points)
	}
	if results.Valid && results.String != "" {
		var r ResultSet
		if err := json.Unmarshal([]byte(results.String), &r); err == nil {
			job.Results = &r
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		job.CreatedAt = t
	}
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
			job.StartedAt = &t
		}
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			job.CompletedAt = &t
		}
	}
	return &job, nil
}

func marshalJSON(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	str := string(b)
	if str == "null" {
		return nil, nil
	}
	return str, nil
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
