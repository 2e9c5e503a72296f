package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/screener-cli/internal/model"
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

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS coins (
	symbol      TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	category    INTEGER,
	volume_24h  REAL NOT NULL DEFAULT 0,
	data        TEXT NOT NULL,
	analyzed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS blacklist (
	symbol   TEXT PRIMARY KEY,
	reason   TEXT NOT NULL DEFAULT '',
	added_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	stage       TEXT NOT NULL,
	data        TEXT NOT NULL,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_coins_volume ON coins(volume_24h DESC);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Persist replaces every stored record with records in one transaction.
func (s *SQLiteStore) Persist(ctx context.Context, records []model.Record) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin persist")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM coins`); err != nil {
		_ = tx.Rollback()
		return 0, eris.Wrap(err, "sqlite: clear coins")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO coins (symbol, source, category, volume_24h, data, analyzed_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return 0, eris.Wrap(err, "sqlite: prepare insert coin")
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range records {
		data, err := encodeRecord(r)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		var category any
		if r.Category > 0 {
			category = r.Category
		}
		if _, err := stmt.ExecContext(ctx, r.Symbol, r.Source, category, r.Volume24h, string(data), r.AnalyzedAt.UTC()); err != nil {
			_ = tx.Rollback()
			return 0, eris.Wrapf(err, "sqlite: insert coin %s", r.Symbol)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit persist")
	}
	return len(records), nil
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM coins ORDER BY volume_24h DESC, symbol`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load coins")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan coin")
		}
		r, err := decodeRecord([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate coins")
}

func (s *SQLiteStore) AddBlacklist(ctx context.Context, entry BlacklistEntry) error {
	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blacklist (symbol, reason, added_at) VALUES (?, ?, ?)
		 ON CONFLICT(symbol) DO UPDATE SET reason = excluded.reason`,
		NormalizeSymbol(entry.Symbol), entry.Reason, entry.AddedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: add blacklist %s", entry.Symbol)
}

func (s *SQLiteStore) RemoveBlacklist(ctx context.Context, symbol string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blacklist WHERE symbol = ?`, NormalizeSymbol(symbol))
	if err != nil {
		return eris.Wrapf(err, "sqlite: remove blacklist %s", symbol)
	}
	return checkRowsAffected(res, "blacklist entry", symbol)
}

func (s *SQLiteStore) ListBlacklist(ctx context.Context) ([]BlacklistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, reason, added_at FROM blacklist ORDER BY symbol`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list blacklist")
	}
	defer rows.Close() //nolint:errcheck

	var out []BlacklistEntry
	for rows.Next() {
		var e BlacklistEntry
		if err := rows.Scan(&e.Symbol, &e.Reason, &e.AddedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan blacklist")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate blacklist")
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run *model.Run) error {
	data, err := encodeRun(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, stage, data, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, stage = excluded.stage,
		 data = excluded.data, finished_at = excluded.finished_at`,
		run.ID, string(run.Status), string(run.Stage), string(data), run.StartedAt.UTC(), nullableTime(run.FinishedAt),
	)
	return eris.Wrapf(err, "sqlite: save run %s", run.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return decodeRun([]byte(data))
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT data FROM runs`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, listLimit(filter), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Run
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r, err := decodeRun([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
