package main

import (
	"context"
	"errors"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/screener-cli/internal/resilience"
	"github.com/sells-group/screener-cli/internal/store"
)

type flakyMigrateStore struct {
	*store.MemoryStore
	failures []error
	calls    atomic.Int32
}

func (s *flakyMigrateStore) Migrate(ctx context.Context) error {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.failures) {
		return s.failures[n]
	}
	return s.MemoryStore.Migrate(ctx)
}

func fastMigrateRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 2}
}

func TestMigrateStore_RetriesWhileDatabaseStarts(t *testing.T) {
	t.Parallel()

	st := &flakyMigrateStore{
		MemoryStore: store.NewMemory(),
		failures:    []error{syscall.ECONNREFUSED, syscall.ECONNREFUSED},
	}
	require.NoError(t, migrateStore(context.Background(), st, fastMigrateRetry()))
	assert.Equal(t, int32(3), st.calls.Load())
}

func TestMigrateStore_FatalNotRetried(t *testing.T) {
	t.Parallel()

	st := &flakyMigrateStore{
		MemoryStore: store.NewMemory(),
		failures:    []error{resilience.NewKindError(resilience.KindNotFound, errors.New("no such schema"))},
	}
	err := migrateStore(context.Background(), st, fastMigrateRetry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate store")
	assert.Equal(t, int32(1), st.calls.Load())
}

func TestMigrateStore_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	refused := []error{syscall.ECONNREFUSED, syscall.ECONNREFUSED, syscall.ECONNREFUSED, syscall.ECONNREFUSED}
	st := &flakyMigrateStore{MemoryStore: store.NewMemory(), failures: refused}
	err := migrateStore(context.Background(), st, fastMigrateRetry())
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Equal(t, int32(3), st.calls.Load())
}
