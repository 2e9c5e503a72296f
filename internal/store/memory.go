package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sells-group/screener-cli/internal/model"
)

// MemoryStore keeps everything in process memory. Used for dry runs and
// tests.
type MemoryStore struct {
	mu        sync.RWMutex
	records   []model.Record
	blacklist map[string]BlacklistEntry
	runs      map[string]model.Run
	order     []string

	// PersistErr, when set, makes Persist fail.
	PersistErr error
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		blacklist: make(map[string]BlacklistEntry),
		runs:      make(map[string]model.Run),
	}
}

func (s *MemoryStore) Persist(_ context.Context, records []model.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PersistErr != nil {
		return 0, s.PersistErr
	}
	s.records = append([]model.Record(nil), records...)
	return len(records), nil
}

func (s *MemoryStore) LoadAll(_ context.Context) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]model.Record(nil), s.records...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Volume24h > out[j].Volume24h })
	return out, nil
}

func (s *MemoryStore) AddBlacklist(_ context.Context, entry BlacklistEntry) error {
	entry.Symbol = NormalizeSymbol(entry.Symbol)
	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklist[entry.Symbol] = entry
	return nil
}

func (s *MemoryStore) RemoveBlacklist(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	symbol = NormalizeSymbol(symbol)
	if _, ok := s.blacklist[symbol]; !ok {
		return ErrNotFound
	}
	delete(s.blacklist, symbol)
	return nil
}

func (s *MemoryStore) ListBlacklist(_ context.Context) ([]BlacklistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BlacklistEntry, 0, len(s.blacklist))
	for _, e := range s.blacklist {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run *model.Run) error {
	b, err := encodeRun(run)
	if err != nil {
		return err
	}
	cp, err := decodeRun(b)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		s.order = append(s.order, run.ID)
	}
	s.runs[run.ID] = *cp
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Run
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.runs[s.order[i]]
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if limit := listLimit(filter); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
