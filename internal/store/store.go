// Package store persists analysed records, the blacklist and the run log.
package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/screener-cli/internal/model"
)

// ErrNotFound is returned when a looked-up entity does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// BlacklistEntry excludes an asset from discovery. Symbol is either a
// unified id (LUNA/USDT:USDT) or a bare base asset (LUNA).
type BlacklistEntry struct {
	Symbol  string    `json:"symbol"`
	Reason  string    `json:"reason,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// Store defines the persistence interface for the screener.
type Store interface {
	// Records
	Persist(ctx context.Context, records []model.Record) (int, error)
	LoadAll(ctx context.Context) ([]model.Record, error)

	// Blacklist
	AddBlacklist(ctx context.Context, entry BlacklistEntry) error
	RemoveBlacklist(ctx context.Context, symbol string) error
	ListBlacklist(ctx context.Context) ([]BlacklistEntry, error)

	// Runs
	SaveRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// NormalizeSymbol upper-cases and trims a blacklist symbol.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func listLimit(filter RunFilter) int {
	if filter.Limit <= 0 {
		return 100
	}
	return filter.Limit
}

func encodeRecord(r model.Record) ([]byte, error) {
	b, err := json.Marshal(r)
	return b, eris.Wrapf(err, "store: marshal record %s", r.Symbol)
}

func decodeRecord(b []byte) (model.Record, error) {
	var r model.Record
	err := json.Unmarshal(b, &r)
	return r, eris.Wrap(err, "store: unmarshal record")
}

func encodeRun(r *model.Run) ([]byte, error) {
	b, err := json.Marshal(r)
	return b, eris.Wrapf(err, "store: marshal run %s", r.ID)
}

func decodeRun(b []byte) (*model.Run, error) {
	var r model.Run
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal run")
	}
	return &r, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// Open builds the store named by driver: "sqlite", "postgres" or "memory".
func Open(ctx context.Context, driver, dsn string, poolCfg *PoolConfig) (Store, error) {
	switch driver {
	case "sqlite", "":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, dsn, poolCfg)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}
