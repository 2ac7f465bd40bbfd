package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/buildforge/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS jobs`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &model.Job{ID: "job-1", Status: model.JobStatusQueued, Instruction: "x", CreatedAt: now, UpdatedAt: now}

	mock.ExpectExec(`INSERT INTO jobs .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("job-1", "queued", "x", pgxmock.AnyArg(), now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveJob(context.Background(), job))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	doc, err := json.Marshal(model.Job{ID: "job-1", Status: model.JobStatusApproved, AttemptCount: 2})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT doc FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(doc))

	got, err := s.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusApproved, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT doc FROM jobs WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "get job")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListJobs_StatusFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	doc, err := json.Marshal(model.Job{ID: "job-1", Status: model.JobStatusFailed})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT doc FROM jobs WHERE true AND status = \$1 ORDER BY created_at DESC LIMIT \$2`).
		WithArgs("failed", 5).
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(doc))

	jobs, err := s.ListJobs(context.Background(), JobFilter{Status: model.JobStatusFailed, Limit: 5})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRateLimit_ConditionalUpsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	marked := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reset := marked.Add(192 * time.Second)

	mock.ExpectExec(`ON CONFLICT \(provider_id\) DO UPDATE .* WHERE EXCLUDED.reset_at > rate_limits.reset_at`).
		WithArgs("a", reset, marked).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveRateLimit(context.Background(), model.RateLimitRecord{ProviderID: "a", ResetAt: reset, MarkedAt: marked})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadRateLimits(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	marked := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT provider_id, reset_at, marked_at FROM rate_limits`).
		WillReturnRows(pgxmock.NewRows([]string{"provider_id", "reset_at", "marked_at"}).
			AddRow("a", marked.Add(time.Minute), marked).
			AddRow("b", marked.Add(time.Hour), marked))

	recs, err := s.LoadRateLimits(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[1].ProviderID)
	assert.Equal(t, marked.Add(time.Hour), recs[1].ResetAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRateLimit_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO rate_limits`).
		WithArgs("a", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection refused"))

	err := s.SaveRateLimit(context.Background(), model.RateLimitRecord{ProviderID: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save rate limit a")
	assert.NoError(t, mock.ExpectationsWereMet())
}
