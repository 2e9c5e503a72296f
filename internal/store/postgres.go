package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/screener-cli/internal/db"
	"github.com/sells-group/screener-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `mapstructure:"max_conns"`
	MinConns int32 `mapstructure:"min_conns"`
}

var coinColumns = []string{"symbol", "source", "category", "volume_24h", "data", "analyzed_at"}

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

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS coins (
	symbol      TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	category    SMALLINT,
	volume_24h  DOUBLE PRECISION NOT NULL DEFAULT 0,
	data        JSONB NOT NULL,
	analyzed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS blacklist (
	symbol   TEXT PRIMARY KEY,
	reason   TEXT NOT NULL DEFAULT '',
	added_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	stage       TEXT NOT NULL,
	data        JSONB NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_coins_volume ON coins(volume_24h DESC);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

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

// Persist replaces the coins table with records via DELETE + COPY in one
// transaction.
func (s *PostgresStore) Persist(ctx context.Context, records []model.Record) (int, error) {
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		data, err := encodeRecord(r)
		if err != nil {
			return 0, err
		}
		var category *int16
		if r.Category > 0 {
			c := int16(r.Category)
			category = &c
		}
		rows = append(rows, []any{r.Symbol, r.Source, category, r.Volume24h, data, r.AnalyzedAt.UTC()})
	}

	n, err := db.ReplaceAll(ctx, s.pool, "coins", coinColumns, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: persist")
	}
	return int(n), nil
}

func (s *PostgresStore) LoadAll(ctx context.Context) ([]model.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM coins ORDER BY volume_24h DESC, symbol`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load coins")
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan coin")
		}
		r, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate coins")
}

func (s *PostgresStore) AddBlacklist(ctx context.Context, entry BlacklistEntry) error {
	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO blacklist (symbol, reason, added_at) VALUES ($1, $2, $3)
		 ON CONFLICT (symbol) DO UPDATE SET reason = EXCLUDED.reason`,
		NormalizeSymbol(entry.Symbol), entry.Reason, entry.AddedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: add blacklist %s", entry.Symbol)
}

func (s *PostgresStore) RemoveBlacklist(ctx context.Context, symbol string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM blacklist WHERE symbol = $1`, NormalizeSymbol(symbol))
	if err != nil {
		return eris.Wrapf(err, "postgres: remove blacklist %s", symbol)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "blacklist entry %s", symbol)
	}
	return nil
}

func (s *PostgresStore) ListBlacklist(ctx context.Context) ([]BlacklistEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT symbol, reason, added_at FROM blacklist ORDER BY symbol`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list blacklist")
	}
	defer rows.Close()

	var out []BlacklistEntry
	for rows.Next() {
		var e BlacklistEntry
		if err := rows.Scan(&e.Symbol, &e.Reason, &e.AddedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan blacklist")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate blacklist")
}

func (s *PostgresStore) SaveRun(ctx context.Context, run *model.Run) error {
	data, err := encodeRun(run)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, stage, data, started_at, finished_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, stage = EXCLUDED.stage,
		 data = EXCLUDED.data, finished_at = EXCLUDED.finished_at`,
		run.ID, string(run.Status), string(run.Stage), data, run.StartedAt.UTC(), nullableTime(run.FinishedAt),
	)
	return eris.Wrapf(err, "postgres: save run %s", run.ID)
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM runs WHERE id = $1`, runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return decodeRun(data)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT data FROM runs`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(filter.Status))
	}
	args = append(args, listLimit(filter), filter.Offset)
	if filter.Status != "" {
		query += ` ORDER BY started_at DESC LIMIT $2 OFFSET $3`
	} else {
		query += ` ORDER BY started_at DESC LIMIT $1 OFFSET $2`
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r, err := decodeRun(data)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate runs")
}
