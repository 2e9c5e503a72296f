// Package ratelimit budgets remote calls per source inside a fixed one-minute
// window so that concurrent workers stay under each exchange's weight limit.
package ratelimit

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config controls the governor.
type Config struct {
	// Limits maps source id to the weight allowed per window.
	Limits map[string]int
	// DefaultLimit applies to sources missing from Limits. Default: 1000.
	DefaultLimit int
	// Window is the budget window length. Default: 1m.
	Window time.Duration
	// Grace is added to every wait so the remote window has surely rolled. Default: 1s.
	Grace time.Duration
	// SafetyMargin is the fraction of the limit kept in reserve. Default: 0.05.
	SafetyMargin float64

	// OnWait is called each time a caller is suspended.
	OnWait func(source string, wait time.Duration)
}

// DefaultLimits returns the per-minute weight limits of the known exchanges.
func DefaultLimits() map[string]int {
	return map[string]int{
		"binanceusdm": 2400,
		"bybit":       120,
	}
}

// DefaultConfig returns the production governor configuration.
func DefaultConfig() Config {
	return Config{
		Limits:       DefaultLimits(),
		DefaultLimit: 1000,
		Window:       time.Minute,
		Grace:        time.Second,
		SafetyMargin: 0.05,
	}
}

// Budget is a point-in-time copy of one source's window.
type Budget struct {
	Source        string        `json:"source"`
	Used          int           `json:"used"`
	Max           int           `json:"max"`
	Available     int           `json:"available"`
	WindowResetAt time.Time     `json:"window_reset_at"`
	TotalCalls    int64         `json:"total_calls"`
	TotalWeight   int64         `json:"total_weight"`
	Waits         int64         `json:"waits"`
	WaitTime      time.Duration `json:"wait_time"`
}

// Governor hands out request weight per source. Safe for concurrent use.
type Governor struct {
	cfg     Config
	mu      sync.Mutex
	budgets map[string]*Budget

	// nowFunc and sleepFunc allow test injection of time.
	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// New creates a governor. Zero Limits, DefaultLimit, Window and Grace take
// their defaults (Grace: 1s); a zero SafetyMargin keeps no reserve.
func New(cfg Config) *Governor {
	def := DefaultConfig()
	if cfg.Limits == nil {
		cfg.Limits = def.Limits
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if cfg.SafetyMargin < 0 || cfg.SafetyMargin >= 1 {
		cfg.SafetyMargin = def.SafetyMargin
	}
	return &Governor{
		cfg:       cfg,
		budgets:   make(map[string]*Budget),
		nowFunc:   time.Now,
		sleepFunc: sleepCtx,
	}
}

// Acquire blocks until weight fits in the source's current window and then
// charges it. The lock is never held while sleeping, so other sources and
// other waiters keep moving. A weight larger than the whole budget is only
// admitted into an empty window. The only error is ctx's.
func (g *Governor) Acquire(ctx context.Context, source string, weight int) error {
	if weight <= 0 {
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		g.mu.Lock()
		now := g.nowFunc()
		b := g.budget(source)
		g.roll(b, now)
		if b.Used == 0 || b.Used+weight <= b.Available {
			b.Used += weight
			b.TotalCalls++
			b.TotalWeight += int64(weight)
			g.mu.Unlock()
			return nil
		}
		wait := b.WindowResetAt.Sub(now) + g.cfg.Grace
		b.Waits++
		b.WaitTime += wait
		used, avail := b.Used, b.Available
		g.mu.Unlock()

		zap.L().Debug("ratelimit: budget exhausted, waiting for window reset",
			zap.String("source", source),
			zap.Int("used", used),
			zap.Int("available", avail),
			zap.Int("weight", weight),
			zap.Duration("wait", wait),
		)
		if g.cfg.OnWait != nil {
			g.cfg.OnWait(source, wait)
		}
		if err := g.sleepFunc(ctx, wait); err != nil {
			return err
		}
	}
}

// WaitForReset marks the source's window as exhausted and sleeps until it
// rolls. Used after the remote side reports a rate limit despite our
// accounting.
func (g *Governor) WaitForReset(ctx context.Context, source string) error {
	g.mu.Lock()
	now := g.nowFunc()
	b := g.budget(source)
	g.roll(b, now)
	if b.Used < b.Max {
		b.Used = b.Max
	}
	wait := b.WindowResetAt.Sub(now) + g.cfg.Grace
	b.Waits++
	b.WaitTime += wait
	g.mu.Unlock()

	zap.L().Warn("ratelimit: remote rate limit hit, waiting for window reset",
		zap.String("source", source),
		zap.Duration("wait", wait),
	)
	if g.cfg.OnWait != nil {
		g.cfg.OnWait(source, wait)
	}
	return g.sleepFunc(ctx, wait)
}

// Stats returns a copy of every known budget ordered by source.
func (g *Governor) Stats() []Budget {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Budget, 0, len(g.budgets))
	for _, b := range g.budgets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// LogSummary writes one log line per source with its usage for the process.
func (g *Governor) LogSummary() {
	for _, b := range g.Stats() {
		zap.L().Info("ratelimit: usage summary",
			zap.String("source", b.Source),
			zap.Int64("calls", b.TotalCalls),
			zap.Int64("weight", b.TotalWeight),
			zap.Int("window_used", b.Used),
			zap.Int("window_max", b.Max),
			zap.Int64("waits", b.Waits),
			zap.Duration("wait_time", b.WaitTime),
		)
	}
}

// Limit returns the configured per-window limit for source.
func (g *Governor) Limit(source string) int {
	if n, ok := g.cfg.Limits[source]; ok && n > 0 {
		return n
	}
	return g.cfg.DefaultLimit
}

// budget returns the state for source, creating it on first use. Caller holds mu.
func (g *Governor) budget(source string) *Budget {
	b, ok := g.budgets[source]
	if !ok {
		limit := g.Limit(source)
		b = &Budget{
			Source:    source,
			Max:       limit,
			Available: int(math.Floor(float64(limit) * (1 - g.cfg.SafetyMargin))),
		}
		g.budgets[source] = b
	}
	return b
}

// roll starts a new window once the current one has expired. Caller holds mu.
func (g *Governor) roll(b *Budget, now time.Time) {
	if !now.Before(b.WindowResetAt) {
		b.Used = 0
		b.WindowResetAt = now.Add(g.cfg.Window)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
