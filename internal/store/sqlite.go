package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/lead-qualifier/internal/dedupe"
	"github.com/sells-group/lead-qualifier/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens a SQLite database at dsn in WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	source     TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'running',
	stats      TEXT,
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS leads (
	run_id         TEXT NOT NULL REFERENCES runs(id),
	position       INTEGER NOT NULL,
	identity_key   TEXT NOT NULL,
	name           TEXT NOT NULL,
	domain         TEXT NOT NULL DEFAULT '',
	score          INTEGER NOT NULL,
	tier           TEXT NOT NULL,
	low_confidence INTEGER NOT NULL DEFAULT 0,
	payload        TEXT NOT NULL,
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
	seen_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_source ON runs(source);
CREATE INDEX IF NOT EXISTS idx_leads_identity_key ON leads(identity_key);
CREATE INDEX IF NOT EXISTS idx_identity_index_domain ON identity_index(domain);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, source string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, source, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, source, string(model.RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		Source:    source,
		Status:    model.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, stats *model.RunStats) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stats")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET stats = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(statsJSON), string(model.RunStatusComplete), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET error = ?, status = ?, updated_at = ? WHERE id = ?`,
		reason, string(model.RunStatusFailed), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source, status, stats, error, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, source, status, stats, error, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// SaveLeads replaces the leads stored for runID, keeping their order.
func (s *SQLiteStore) SaveLeads(ctx context.Context, runID string, leads []model.QualifiedLead) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save leads")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM leads WHERE run_id = ?`, runID); err != nil {
		return eris.Wrapf(err, "sqlite: clear leads for run %s", runID)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO leads (run_id, position, identity_key, name, domain, score, tier, low_confidence, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert lead")
	}
	defer stmt.Close() //nolint:errcheck

	for i, l := range leads {
		payload, err := json.Marshal(l)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal lead %s", l.IdentityKey)
		}
		if _, err := stmt.ExecContext(ctx,
			runID, i, l.IdentityKey, l.Name, l.Domain, l.Score, string(l.Tier), l.LowConfidence, string(payload),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert lead %s", l.IdentityKey)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit leads")
}

func (s *SQLiteStore) ListLeads(ctx context.Context, runID string) ([]model.QualifiedLead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM leads WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list leads for run %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	leads := []model.QualifiedLead{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		var l model.QualifiedLead
		if err := json.Unmarshal([]byte(payload), &l); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal lead")
		}
		leads = append(leads, l)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: list leads iterate")
}

// lookupBatch stays well below SQLite's bound-parameter limit.
const lookupBatch = 500

func (s *SQLiteStore) Lookup(ctx context.Context, keys []string) (map[string]dedupe.IndexEntry, error) {
	out := make(map[string]dedupe.IndexEntry)
	for start := 0; start < len(keys); start += lookupBatch {
		batch := keys[start:min(start+lookupBatch, len(keys))]

		args := make([]any, len(batch))
		for i, k := range batch {
			args[i] = k
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")

		rows, err := s.db.QueryContext(ctx,
			`SELECT key, domain, name, region, score, tier, last_run_id, seen_at
			 FROM identity_index WHERE key IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: lookup identities")
		}
		for rows.Next() {
			e, err := scanIndexEntry(rows)
			if err != nil {
				rows.Close() //nolint:errcheck
				return nil, err
			}
			out[e.Key] = e
		}
		err = rows.Err()
		rows.Close() //nolint:errcheck
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: lookup identities iterate")
		}
	}
	return out, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, entries []dedupe.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert identities")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO identity_index (key, domain, name, region, score, tier, last_run_id, seen_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			domain = excluded.domain,
			name = excluded.name,
			region = excluded.region,
			score = excluded.score,
			tier = excluded.tier,
			last_run_id = excluded.last_run_id,
			seen_at = excluded.seen_at`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare upsert identity")
	}
	defer stmt.Close() //nolint:errcheck

	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			e.Key, e.Domain, e.Name, e.Region, e.Score, string(e.Tier), e.LastRunID, e.SeenAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert identity %s", e.Key)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit identities")
}

// helpers

func checkRowsAffected(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var stats sql.NullString

	err := row.Scan(&r.ID, &r.Source, &r.Status, &stats, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if stats.Valid {
		r.Stats = &model.RunStats{}
		if err := json.Unmarshal([]byte(stats.String), r.Stats); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal stats")
		}
	}
	return &r, nil
}

func scanIndexEntry(row scannable) (dedupe.IndexEntry, error) {
	var e dedupe.IndexEntry
	var tier string
	if err := row.Scan(&e.Key, &e.Domain, &e.Name, &e.Region, &e.Score, &tier, &e.LastRunID, &e.SeenAt); err != nil {
		return e, eris.Wrap(err, "sqlite: scan identity")
	}
	e.Tier = model.PriorityTier(tier)
	return e, nil
}
