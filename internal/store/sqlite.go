package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/buildforge/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Timestamps are stored as unix milliseconds so ordering and the conditional
// upsert compare numbers rather than formatted strings.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'queued',
	instruction TEXT NOT NULL,
	doc         TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_limits (
	provider_id TEXT PRIMARY KEY,
	reset_at    INTEGER NOT NULL,
	marked_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveJob upserts the job document.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *model.Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, instruction, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET status = excluded.status, doc = excluded.doc, updated_at = excluded.updated_at`,
		job.ID, string(job.Status), job.Instruction, string(doc), job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli(),
	)
	return eris.Wrapf(err, "sqlite: save job %s", job.ID)
}

// GetJob returns a job by ID, or ErrNotFound.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT doc FROM jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close() //nolint:errcheck

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list jobs")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

// SaveRateLimit upserts a record only when it extends the stored reset time.
func (s *SQLiteStore) SaveRateLimit(ctx context.Context, rec model.RateLimitRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limits (provider_id, reset_at, marked_at) VALUES (?, ?, ?)
		 ON CONFLICT (provider_id) DO UPDATE SET reset_at = excluded.reset_at, marked_at = excluded.marked_at
		 WHERE excluded.reset_at > rate_limits.reset_at`,
		rec.ProviderID, ceilUnixMilli(rec.ResetAt), rec.MarkedAt.UnixMilli(),
	)
	return eris.Wrapf(err, "sqlite: save rate limit %s", rec.ProviderID)
}

// LoadRateLimits returns every stored record, expired or not.
func (s *SQLiteStore) LoadRateLimits(ctx context.Context) ([]model.RateLimitRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT provider_id, reset_at, marked_at FROM rate_limits ORDER BY provider_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load rate limits")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RateLimitRecord
	for rows.Next() {
		var rec model.RateLimitRecord
		var resetMs, markedMs int64
		if err := rows.Scan(&rec.ProviderID, &resetMs, &markedMs); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rate limit")
		}
		rec.ResetAt = time.UnixMilli(resetMs).UTC()
		rec.MarkedAt = time.UnixMilli(markedMs).UTC()
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load rate limits iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.Job, error) {
	var doc string
	err := row.Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan job")
	}
	return decodeJob([]byte(doc))
}

func decodeJob(doc []byte) (*model.Job, error) {
	var j model.Job
	if err := json.Unmarshal(doc, &j); err != nil {
		return nil, eris.Wrap(err, "unmarshal job")
	}
	return &j, nil
}

// ceilUnixMilli rounds up so a stored reset never precedes the caller's.
func ceilUnixMilli(t time.Time) int64 {
	ms := t.UnixMilli()
	if t.After(time.UnixMilli(ms)) {
		ms++
	}
	return ms
}
