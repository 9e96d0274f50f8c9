package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-qualifier/internal/db"
	"github.com/sells-group/lead-qualifier/internal/dedupe"
	"github.com/sells-group/lead-qualifier/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

var _ Store = (*PostgresStore)(nil)

// NewPostgres connects a pool to connString. A nil poolCfg keeps pgx
// defaults.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	source     TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'running',
	stats      JSONB,
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS leads (
	run_id         TEXT NOT NULL REFERENCES runs(id),
	position       INTEGER NOT NULL,
	identity_key   TEXT NOT NULL,
	name           TEXT NOT NULL,
	domain         TEXT NOT NULL DEFAULT '',
	score          INTEGER NOT NULL,
	tier           TEXT NOT NULL,
	low_confidence BOOLEAN NOT NULL DEFAULT false,
	payload        JSONB NOT NULL,
	PRIMARY KEY (run_id, position)
);

CREATE TABLE IF NOT EXISTS identity_index (
	key         TEXT PRIMARY KEY,
	domain      TEXT NOT NULL DEFAULT '',
	name        TEXT NOT NULL DEFAULT '',
	region      TEXT NOT NULL DEFAULT '',
	score       INTEGER NOT NULL DEFAULT 0,
	tier        TEXT NOT NULL DEFAULT '',
	last_run_id TEXT NOT NULL DEFAULT '',
	seen_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_source ON runs(source);
CREATE INDEX IF NOT EXISTS idx_leads_identity_key ON leads(identity_key);
CREATE INDEX IF NOT EXISTS idx_identity_index_domain ON identity_index(domain);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, source string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, source, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, source, string(model.RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		Source:    source,
		Status:    model.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, stats *model.RunStats) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stats")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET stats = $1, status = $2, updated_at = $3 WHERE id = $4`,
		statsJSON, string(model.RunStatusComplete), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET error = $1, status = $2, updated_at = $3 WHERE id = $4`,
		reason, string(model.RunStatusFailed), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	return nil
}

const runColumns = `id, source, status, stats, error, created_at, updated_at`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID)
	r, err := scanPostgresRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Source != "" {
		query += fmt.Sprintf(` AND source = $%d`, argIdx)
		args = append(args, filter.Source)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

var leadColumns = []string{
	"run_id", "position", "identity_key", "name", "domain", "score", "tier", "low_confidence", "payload",
}

// SaveLeads replaces the leads stored for runID in one transaction, streaming
// the new rows with COPY.
func (s *PostgresStore) SaveLeads(ctx context.Context, runID string, leads []model.QualifiedLead) error {
	rows := make([][]any, len(leads))
	for i, l := range leads {
		payload, err := json.Marshal(l)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal lead %s", l.IdentityKey)
		}
		rows[i] = []any{runID, i, l.IdentityKey, l.Name, l.Domain, l.Score, string(l.Tier), l.LowConfidence, payload}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save leads")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM leads WHERE run_id = $1`, runID); err != nil {
		return eris.Wrapf(err, "postgres: clear leads for run %s", runID)
	}
	if _, err := db.CopyFrom(ctx, tx, "leads", leadColumns, rows); err != nil {
		return eris.Wrapf(err, "postgres: save leads for run %s", runID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit leads")
}

func (s *PostgresStore) ListLeads(ctx context.Context, runID string) ([]model.QualifiedLead, error) {
	rows, err := s.pool.Query(ctx, `SELECT payload FROM leads WHERE run_id = $1 ORDER BY position`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list leads for run %s", runID)
	}
	defer rows.Close()

	leads := []model.QualifiedLead{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		var l model.QualifiedLead
		if err := json.Unmarshal(payload, &l); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal lead")
		}
		leads = append(leads, l)
	}
	return leads, eris.Wrap(rows.Err(), "postgres: list leads iterate")
}

func (s *PostgresStore) Lookup(ctx context.Context, keys []string) (map[string]dedupe.IndexEntry, error) {
	out := make(map[string]dedupe.IndexEntry)
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT key, domain, name, region, score, tier, last_run_id, seen_at
		 FROM identity_index WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: lookup identities")
	}
	defer rows.Close()

	for rows.Next() {
		var e dedupe.IndexEntry
		var tier string
		if err := rows.Scan(&e.Key, &e.Domain, &e.Name, &e.Region, &e.Score, &tier, &e.LastRunID, &e.SeenAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan identity")
		}
		e.Tier = model.PriorityTier(tier)
		out[e.Key] = e
	}
	return out, eris.Wrap(rows.Err(), "postgres: lookup identities iterate")
}

var indexUpsert = db.UpsertConfig{
	Table:        "identity_index",
	Columns:      []string{"key", "domain", "name", "region", "score", "tier", "last_run_id", "seen_at"},
	ConflictKeys: []string{"key"},
}

func (s *PostgresStore) Upsert(ctx context.Context, entries []dedupe.IndexEntry) error {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		rows = append(rows, []any{e.Key, e.Domain, e.Name, e.Region, e.Score, string(e.Tier), e.LastRunID, e.SeenAt.UTC()})
	}
	if _, err := db.BulkUpsert(ctx, s.pool, indexUpsert, rows); err != nil {
		return eris.Wrap(err, "postgres: upsert identities")
	}
	return nil
}

func scanPostgresRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status string
	var stats []byte

	if err := row.Scan(&r.ID, &r.Source, &status, &stats, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if len(stats) > 0 {
		r.Stats = &model.RunStats{}
		if err := json.Unmarshal(stats, r.Stats); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal stats")
		}
	}
	return &r, nil
}
