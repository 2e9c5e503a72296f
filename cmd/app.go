package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/screener-cli/internal/cache"
	"github.com/sells-group/screener-cli/internal/config"
	"github.com/sells-group/screener-cli/internal/model"
	"github.com/sells-group/screener-cli/internal/observability"
	"github.com/sells-group/screener-cli/internal/pipeline"
	"github.com/sells-group/screener-cli/internal/ratelimit"
	"github.com/sells-group/screener-cli/internal/resilience"
	"github.com/sells-group/screener-cli/internal/source"
	"github.com/sells-group/screener-cli/internal/store"
)

// appEnv holds everything the run and serve commands share.
type appEnv struct {
	Store     store.Store
	Conductor *pipeline.Conductor
	Governor  *ratelimit.Governor
	Breakers  *resilience.Breakers
	Metrics   *observability.Metrics
	// Records serves the read API and is invalidated after every handoff.
	Records *cache.Cache[model.Record]
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured result store.
func initStore(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
}

// initApp validates the configuration for mode, migrates the store and wires
// the governor, executor, source registry, conductor and read cache.
// Callers should defer env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	pcfg, err := pipelineConfig(cfg)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := migrateStore(ctx, st, migrateRetryConfig()); err != nil {
		_ = st.Close()
		return nil, err
	}

	registry, err := source.NewDefault(cfg.Sources.Enabled, source.Options{
		BinanceBaseURL: cfg.Sources.BinanceBaseURL,
		BybitBaseURL:   cfg.Sources.BybitBaseURL,
		BinanceSpacing: time.Duration(cfg.Sources.BinanceSpacingMs) * time.Millisecond,
		BybitSpacing:   time.Duration(cfg.Sources.BybitSpacingMs) * time.Millisecond,
		HTTPTimeout:    time.Duration(cfg.Sources.HTTPTimeoutSecs) * time.Second,
	})
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init sources")
	}

	env := &appEnv{
		Store:   st,
		Metrics: observability.New(prometheus.NewRegistry()),
	}
	env.Governor = newGovernor(cfg.RateLimit, env.Metrics)
	env.Breakers = newBreakers(cfg.Retry, env.Metrics)
	executor := newExecutor(cfg.Retry, env.Governor, env.Breakers, env.Metrics)

	env.Records = cache.New[model.Record](st.LoadAll, time.Duration(cfg.Cache.TTLMins)*time.Minute)
	env.Records.OnLoad = func(ok bool, records int, took time.Duration) {
		env.Metrics.RecordCacheLoad(ok, records)
		zap.L().Debug("cache: load finished",
			zap.Bool("ok", ok), zap.Int("records", records), zap.Duration("took", took))
	}

	env.Conductor = pipeline.New(pcfg, registry, executor, st,
		pipeline.WithMetrics(env.Metrics),
		pipeline.WithOnHandoff(func(int) { env.Records.Invalidate() }),
	)
	return env, nil
}

func newGovernor(rl config.RateLimitConfig, m *observability.Metrics) *ratelimit.Governor {
	return ratelimit.New(ratelimit.Config{
		Limits:       rl.Limits,
		DefaultLimit: rl.DefaultLimit,
		Window:       time.Duration(rl.WindowSecs) * time.Second,
		Grace:        time.Duration(rl.GraceMs) * time.Millisecond,
		SafetyMargin: rl.SafetyMargin,
		OnWait:       m.RecordGovernorWait,
	})
}

func newBreakers(rc config.RetryConfig, m *observability.Metrics) *resilience.Breakers {
	b := resilience.NewBreakers(time.Duration(rc.BreakerCooldownSecs) * time.Second)
	b.OnStateChange = func(src string, from, to resilience.CircuitState) {
		m.RecordBreaker(src, to.String())
		zap.L().Info("resilience: breaker state changed",
			zap.String("source", src),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return b
}

func newExecutor(rc config.RetryConfig, limiter resilience.Limiter, b *resilience.Breakers, m *observability.Metrics) *resilience.Executor {
	ecfg := resilience.FromExecutorConfig(rc.MaxAttempts, rc.BaseBackoffMs, rc.MaxBackoffMs, rc.OpTimeoutSecs)
	ecfg.OnRetry = func(req resilience.Request, attempt int, kind resilience.Kind, err error) {
		m.RecordRetry(req.Source, kind.String())
		zap.L().Debug("resilience: retrying call",
			zap.String("source", req.Source),
			zap.String("op", req.Op),
			zap.String("detail", req.Detail),
			zap.Int("attempt", attempt),
			zap.String("kind", kind.String()),
			zap.Error(err),
		)
	}
	return resilience.NewExecutor(ecfg, limiter, b)
}

// pipelineConfig converts the screener settings into a conductor config.
func pipelineConfig(c *config.Config) (pipeline.Config, error) {
	timeframes := make(map[model.Interval]time.Duration, len(c.Screener.Timeframes))
	for tf, lookback := range c.Screener.Lookbacks() {
		iv := model.Interval(tf)
		if !iv.Valid() {
			return pipeline.Config{}, eris.Errorf("config: unsupported timeframe %q", tf)
		}
		timeframes[iv] = lookback
	}

	ir := c.ItemRetry
	return pipeline.Config{
		Sources:              c.Sources.Enabled,
		QuoteCurrencies:      c.Screener.QuoteCurrencies,
		MinVolumeUSD:         c.Screener.MinVolumeUSD,
		MinHistory:           c.Screener.MinHistory,
		HistoryLookback:      time.Duration(c.Screener.HistoryDays) * 24 * time.Hour,
		Timeframes:           timeframes,
		ReferenceSymbol:      c.Screener.ReferenceSymbol,
		Blacklist:            c.Screener.Blacklist,
		BatchSize:            c.Screener.BatchSize,
		BatchTimeout:         time.Duration(c.Screener.BatchTimeoutSecs) * time.Second,
		ItemRetry:            resilience.FromRetryConfig(ir.MaxAttempts, ir.InitialBackoffMs, ir.MaxBackoffMs, ir.Multiplier, ir.JitterFraction),
		RunTimeout:           time.Duration(c.Screener.RunTimeoutMins) * time.Minute,
		TimeframeConcurrency: c.Screener.TimeframeFetchConc,
	}, nil
}
