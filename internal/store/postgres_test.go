package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-qualifier/internal/db"
	"github.com/sells-group/lead-qualifier/internal/dedupe"
	"github.com/sells-group/lead-qualifier/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return &PostgresStore{pool: mock}, mock
}

var runCols = []string{"id", "source", "status", "stats", "error", "created_at", "updated_at"}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS runs`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs(pgxmock.AnyArg(), "leads.csv", "running", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.CreateRun(context.Background(), "leads.csv")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET stats = \$1, status = \$2`).
		WithArgs(pgxmock.AnyArg(), "complete", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	stats := model.NewRunStats()
	err := s.CompleteRun(context.Background(), "missing", &stats)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET error = \$1, status = \$2`).
		WithArgs("boom", "failed", pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.FailRun(context.Background(), "run-1", "boom"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, source, status, stats, error, created_at, updated_at FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(mock.NewRows(runCols).
			AddRow("run-1", "leads.csv", "complete", []byte(`{"intake":4,"qualified":2}`), "", now, now))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	require.NotNil(t, run.Stats)
	assert.Equal(t, 4, run.Stats.Intake)
	assert.Equal(t, 2, run.Stats.Qualified)
	assert.Equal(t, now, run.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE true AND status = \$1 AND source = \$2 ORDER BY created_at DESC, id LIMIT \$3 OFFSET \$4`).
		WithArgs("failed", "leads.csv", 10, 5).
		WillReturnRows(mock.NewRows(runCols).
			AddRow("run-9", "leads.csv", "failed", nil, "disk full", now, now))

	runs, err := s.ListRuns(context.Background(), RunFilter{
		Status: model.RunStatusFailed,
		Source: "leads.csv",
		Limit:  10,
		Offset: 5,
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "disk full", runs[0].Error)
	assert.Nil(t, runs[0].Stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_DefaultLimit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WHERE true ORDER BY created_at DESC, id LIMIT \$1$`).
		WithArgs(defaultListLimit).
		WillReturnRows(mock.NewRows(runCols))

	runs, err := s.ListRuns(context.Background(), RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveLeads(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM leads WHERE run_id = \$1`).
		WithArgs("run-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"leads"}, leadColumns).WillReturnResult(2)
	mock.ExpectCommit()

	require.NoError(t, s.SaveLeads(context.Background(), "run-1", sampleLeads()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveLeads_CopyError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM leads`).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"leads"}, leadColumns).WillReturnError(errors.New("copy failed"))
	mock.ExpectRollback()

	err := s.SaveLeads(context.Background(), "run-1", sampleLeads())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save leads for run run-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListLeads(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	leads := sampleLeads()
	rows := mock.NewRows([]string{"payload"})
	for _, l := range leads {
		b, err := json.Marshal(l)
		require.NoError(t, err)
		rows.AddRow(b)
	}
	mock.ExpectQuery(`SELECT payload FROM leads WHERE run_id = \$1 ORDER BY position`).
		WithArgs("run-1").
		WillReturnRows(rows)

	got, err := s.ListLeads(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, leads, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Lookup(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	keys := []string{"acme.com", "beta.io"}
	mock.ExpectQuery(`FROM identity_index WHERE key = ANY\(\$1\)`).
		WithArgs(keys).
		WillReturnRows(mock.NewRows([]string{"key", "domain", "name", "region", "score", "tier", "last_run_id", "seen_at"}).
			AddRow("acme.com", "acme.com", "Acme", "FL", 72, "HIGH", "run-1", seen))

	got, err := s.Lookup(context.Background(), keys)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.TierHigh, got["acme.com"].Tier)
	assert.Equal(t, 72, got["acme.com"].Score)
	assert.NoError(t, mock.ExpectationsWereMet())

	empty, err := s.Lookup(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPostgresStore_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{db.TempTable("identity_index")}, indexUpsert.Columns).WillReturnResult(2)
	mock.ExpectExec(`DELETE FROM`).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO "identity_index"`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	err := s.Upsert(context.Background(), []dedupe.IndexEntry{
		{Key: "acme.com", Domain: "acme.com", Name: "Acme", Score: 72, Tier: model.TierHigh, LastRunID: "run-1"},
		{Key: "name:acme|FL", Domain: "acme.com", Name: "Acme", Region: "FL", Score: 72, Tier: model.TierHigh, LastRunID: "run-1"},
		{Key: ""},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	// Nothing to write means no round trip.
	require.NoError(t, s.Upsert(context.Background(), nil))
}
