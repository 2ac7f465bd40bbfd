package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/buildforge/internal/model"
)

// Pool is the subset of pgxpool.Pool used by PostgresStore. pgxmock pools
// satisfy it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlSaveJob = `INSERT INTO jobs (id, status, instruction, doc, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`

	sqlGetJob = `SELECT doc FROM jobs WHERE id = $1`

	sqlSaveRateLimit = `INSERT INTO rate_limits (provider_id, reset_at, marked_at) VALUES ($1, $2, $3)
		 ON CONFLICT (provider_id) DO UPDATE SET reset_at = EXCLUDED.reset_at, marked_at = EXCLUDED.marked_at
		 WHERE EXCLUDED.reset_at > rate_limits.reset_at`

	sqlLoadRateLimits = `SELECT provider_id, reset_at, marked_at FROM rate_limits ORDER BY provider_id`
)

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"save_job":         sqlSaveJob,
	"get_job":          sqlGetJob,
	"save_rate_limit":  sqlSaveRateLimit,
	"load_rate_limits": sqlLoadRateLimits,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'queued',
	instruction TEXT NOT NULL,
	doc         JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rate_limits (
	provider_id TEXT PRIMARY KEY,
	reset_at    TIMESTAMPTZ NOT NULL,
	marked_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at DESC);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// SaveJob upserts the job document.
func (s *PostgresStore) SaveJob(ctx context.Context, job *model.Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job")
	}
	_, err = s.pool.Exec(ctx, sqlSaveJob,
		job.ID, string(job.Status), job.Instruction, doc, job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save job %s", job.ID)
}

// GetJob returns a job by ID, or ErrNotFound.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, sqlGetJob, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	j, err := decodeJob(doc)
	return j, eris.Wrapf(err, "postgres: get job %s", id)
}

// ListJobs returns jobs newest first.
func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT doc FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		j, err := decodeJob(doc)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list jobs")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

// SaveRateLimit upserts a record only when it extends the stored reset time.
func (s *PostgresStore) SaveRateLimit(ctx context.Context, rec model.RateLimitRecord) error {
	_, err := s.pool.Exec(ctx, sqlSaveRateLimit, rec.ProviderID, rec.ResetAt.UTC(), rec.MarkedAt.UTC())
	return eris.Wrapf(err, "postgres: save rate limit %s", rec.ProviderID)
}

// LoadRateLimits returns every stored record, expired or not.
func (s *PostgresStore) LoadRateLimits(ctx context.Context) ([]model.RateLimitRecord, error) {
	rows, err := s.pool.Query(ctx, sqlLoadRateLimits)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load rate limits")
	}
	defer rows.Close()

	var out []model.RateLimitRecord
	for rows.Next() {
		var rec model.RateLimitRecord
		if err := rows.Scan(&rec.ProviderID, &rec.ResetAt, &rec.MarkedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rate limit")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: load rate limits iterate")
}
