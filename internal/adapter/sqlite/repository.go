package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/cwygoda/fetcher/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS history (
    session     TEXT NOT NULL,
    job_id      INTEGER NOT NULL,
    url         TEXT NOT NULL,
    path        TEXT NOT NULL DEFAULT '',
    outcome     TEXT NOT NULL DEFAULT 'running',
    status_code INTEGER NOT NULL DEFAULT 0,
    message     TEXT,
    written     INTEGER NOT NULL DEFAULT 0,
    total       INTEGER NOT NULL DEFAULT 0,
    retries     INTEGER NOT NULL DEFAULT 0,
    started_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL,
    PRIMARY KEY (session, job_id)
);
CREATE INDEX IF NOT EXISTS idx_history_updated ON history(updated_at);
CREATE INDEX IF NOT EXISTS idx_history_outcome ON history(outcome);
`

// Repository implements domain.HistoryRepository using SQLite.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Listener callbacks write from one goroutine; a single connection
	// keeps SQLite from returning SQLITE_BUSY to concurrent readers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) timestamp() time.Time {
	return r.now().UTC()
}

// Begin records that a job started transferring.
func (r *Repository) Begin(ctx context.Context, session string, id int64, url, path string, total int64) error {
	now := r.timestamp()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO history (session, job_id, url, path, outcome, total, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session, job_id) DO UPDATE SET
		     url = excluded.url, path = excluded.path, outcome = excluded.outcome,
		     total = excluded.total, updated_at = excluded.updated_at`,
		session, id, url, path, domain.OutcomeRunning, total, now, now,
	)
	return err
}

// Progress stores the latest byte counts of a running job.
func (r *Repository) Progress(ctx context.Context, session string, id int64, written, total int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE history SET written = ?, total = ?, updated_at = ? WHERE session = ? AND job_id = ?`,
		written, total, r.timestamp(), session, id,
	)
	return err
}

// Retry counts a retry of a job.
func (r *Repository) Retry(ctx context.Context, session string, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE history SET retries = retries + 1, updated_at = ? WHERE session = ? AND job_id = ?`,
		r.timestamp(), session, id,
	)
	return err
}

// Finish stores a job's terminal outcome. Jobs that never started, such as
// ones canceled while waiting, get a row here.
func (r *Repository) Finish(ctx context.Context, session string, id int64, url, path string, outcome domain.Outcome, code int, message string) error {
	now := r.timestamp()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO history (session, job_id, url, path, outcome, status_code, message, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session, job_id) DO UPDATE SET
		     url = excluded.url, path = excluded.path, outcome = excluded.outcome,
		     status_code = excluded.status_code, message = excluded.message,
		     updated_at = excluded.updated_at`,
		session, id, url, path, outcome, code, message, now, now,
	)
	return err
}

const selectRecord = `SELECT session, job_id, url, path, outcome, status_code, COALESCE(message, ''),
	written, total, retries, started_at, updated_at FROM history`

// Get retrieves one record.
func (r *Repository) Get(ctx context.Context, session string, id int64) (*domain.Record, error) {
	row := r.db.QueryRowContext(ctx, selectRecord+` WHERE session = ? AND job_id = ?`, session, id)
	return scanRecord(row)
}

// Recent returns up to limit records, most recently updated first.
func (r *Repository) Recent(ctx context.Context, limit int) ([]domain.Record, error) {
	rows, err := r.db.QueryContext(ctx,
		selectRecord+` ORDER BY updated_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// RecoverStale marks rows left running by a previous process as interrupted.
func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE history SET outcome = ?, message = 'interrupted by shutdown', updated_at = ?
		 WHERE outcome = ?`,
		domain.OutcomeInterrupted, r.timestamp(), domain.OutcomeRunning,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*domain.Record, error) {
	var rec domain.Record
	var outcome string
	err := row.Scan(&rec.Session, &rec.JobID, &rec.URL, &rec.Path, &outcome, &rec.StatusCode, &rec.Message,
		&rec.Written, &rec.Total, &rec.Retries, &rec.StartedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Outcome = domain.Outcome(outcome)
	return &rec, nil
}

var _ domain.HistoryRepository = (*Repository)(nil)
