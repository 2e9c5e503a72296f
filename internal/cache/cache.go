// Package cache holds the latest result set in memory and refreshes it at
// most once at a time.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Snapshot is an immutable result set. It is replaced wholesale, never
// modified.
type Snapshot[T any] struct {
	Records  []T
	LoadedAt time.Time
}

// Loaded reports whether the snapshot came from a successful load.
func (s *Snapshot[T]) Loaded() bool {
	return s != nil && !s.LoadedAt.IsZero()
}

// Loader fetches a fresh result set.
type Loader[T any] func(ctx context.Context) ([]T, error)

// Cache is a single-flight TTL cache over one result set.
type Cache[T any] struct {
	loader     Loader[T]
	defaultTTL time.Duration

	current     atomic.Pointer[Snapshot[T]]
	invalidated atomic.Bool
	// attempts counts finished refresh attempts so waiters can tell that
	// someone refreshed while they queued on mu.
	attempts atomic.Uint64
	mu       sync.Mutex

	// OnLoad is called after every refresh attempt.
	OnLoad func(ok bool, records int, took time.Duration)

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a cache. ttl is used when Get is called with a zero ttl.
func New[T any](loader Loader[T], ttl time.Duration) *Cache[T] {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Cache[T]{loader: loader, defaultTTL: ttl, nowFunc: time.Now}
}

// Get returns the current snapshot, refreshing it when stale or when
// forceReload is set. Concurrent callers share one refresh. When a refresh
// fails or loads nothing the previous snapshot is served; without one, an
// empty snapshot with a zero LoadedAt is returned and nothing is stored.
func (c *Cache[T]) Get(ctx context.Context, forceReload bool, ttl time.Duration) *Snapshot[T] {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if !forceReload {
		if s := c.current.Load(); c.fresh(s, ttl) {
			return s
		}
	}

	seen := c.attempts.Load()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attempts.Load() != seen {
		return c.currentOrEmpty()
	}
	if !forceReload {
		if s := c.current.Load(); c.fresh(s, ttl) {
			return s
		}
	}
	return c.refresh(ctx)
}

// Invalidate makes the next Get reload. The current snapshot keeps being
// served if that reload fails.
func (c *Cache[T]) Invalidate() {
	c.invalidated.Store(true)
}

// Peek returns the current snapshot without loading, or nil.
func (c *Cache[T]) Peek() *Snapshot[T] {
	return c.current.Load()
}

// refresh runs the loader. Caller holds mu.
func (c *Cache[T]) refresh(ctx context.Context) *Snapshot[T] {
	defer c.attempts.Add(1)

	start := c.nowFunc()
	records, err := c.loader(ctx)
	took := c.nowFunc().Sub(start)

	if err == nil && len(records) > 0 {
		s := &Snapshot[T]{Records: records, LoadedAt: c.nowFunc()}
		c.current.Store(s)
		c.invalidated.Store(false)
		if c.OnLoad != nil {
			c.OnLoad(true, len(records), took)
		}
		return s
	}

	if c.OnLoad != nil {
		c.OnLoad(false, 0, took)
	}
	prev := c.current.Load()
	if prev.Loaded() {
		zap.L().Warn("cache: refresh failed, serving stale snapshot",
			zap.Time("loaded_at", prev.LoadedAt),
			zap.Int("records", len(prev.Records)),
			zap.Error(err),
		)
		return prev
	}
	zap.L().Warn("cache: refresh failed and no snapshot available",
		zap.Bool("empty_result", err == nil),
		zap.Error(err),
	)
	return &Snapshot[T]{}
}

func (c *Cache[T]) fresh(s *Snapshot[T], ttl time.Duration) bool {
	if !s.Loaded() || c.invalidated.Load() {
		return false
	}
	return c.nowFunc().Sub(s.LoadedAt) < ttl
}

func (c *Cache[T]) currentOrEmpty() *Snapshot[T] {
	if s := c.current.Load(); s != nil {
		return s
	}
	return &Snapshot[T]{}
}
