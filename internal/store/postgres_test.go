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

	"github.com/sells-group/screener-cli/internal/model"
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

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS coins`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Persist(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "coins"`).WillReturnResult(pgxmock.NewResult("DELETE", 10))
	mock.ExpectCopyFrom(pgx.Identifier{"coins"}, coinColumns).WillReturnResult(2)
	mock.ExpectCommit()

	n, err := s.Persist(context.Background(), []model.Record{record("AAA/USDT:USDT", 5e6, 2), record("BBB/USDT:USDT", 9e6, 0)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PersistRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "coins"`).WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	_, err := s.Persist(context.Background(), []model.Record{record("AAA/USDT:USDT", 5e6, 2)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: persist")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadAll(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	data, err := json.Marshal(record("AAA/USDT:USDT", 5e6, 3))
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT data FROM coins ORDER BY volume_24h DESC`).
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(data))

	got, err := s.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "AAA/USDT:USDT", got[0].Symbol)
	assert.Equal(t, 3, got[0].Category)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT data FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRun_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	run := model.NewRun("run-1", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	mock.ExpectExec(`ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("run-1", "running", "init", pgxmock.AnyArg(), run.StartedAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveRun(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_StatusFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	data, err := json.Marshal(model.NewRun("run-1", time.Now().UTC()))
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT data FROM runs WHERE status = \$1 ORDER BY started_at DESC LIMIT \$2 OFFSET \$3`).
		WithArgs("complete", 100, 0).
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(data))

	runs, err := s.ListRuns(context.Background(), RunFilter{Status: model.RunStatusComplete})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Blacklist(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()
	added := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO blacklist`).
		WithArgs("LUNA", "delisted", added).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT symbol, reason, added_at FROM blacklist`).
		WillReturnRows(pgxmock.NewRows([]string{"symbol", "reason", "added_at"}).AddRow("LUNA", "delisted", added))
	mock.ExpectExec(`DELETE FROM blacklist`).
		WithArgs("LUNA").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, s.AddBlacklist(ctx, BlacklistEntry{Symbol: "luna", Reason: "delisted", AddedAt: added}))
	got, err := s.ListBlacklist(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "LUNA", got[0].Symbol)

	err = s.RemoveBlacklist(ctx, "luna")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}
