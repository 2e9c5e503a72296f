package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Sources   SourcesConfig   `yaml:"sources" mapstructure:"sources"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	ItemRetry ItemRetryConfig `yaml:"item_retry" mapstructure:"item_retry"`
	Screener  ScreenerConfig  `yaml:"screener" mapstructure:"screener"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SourcesConfig lists the exchanges to query, in priority order.
type SourcesConfig struct {
	Enabled          []string `yaml:"enabled" mapstructure:"enabled"`
	BinanceBaseURL   string   `yaml:"binance_base_url" mapstructure:"binance_base_url"`
	BybitBaseURL     string   `yaml:"bybit_base_url" mapstructure:"bybit_base_url"`
	BinanceSpacingMs int      `yaml:"binance_spacing_ms" mapstructure:"binance_spacing_ms"`
	BybitSpacingMs   int      `yaml:"bybit_spacing_ms" mapstructure:"bybit_spacing_ms"`
	HTTPTimeoutSecs  int      `yaml:"http_timeout_secs" mapstructure:"http_timeout_secs"`
}

// RateLimitConfig configures the per-source request weight governor.
type RateLimitConfig struct {
	Limits       map[string]int `yaml:"limits" mapstructure:"limits"`
	DefaultLimit int            `yaml:"default_limit" mapstructure:"default_limit"`
	WindowSecs   int            `yaml:"window_secs" mapstructure:"window_secs"`
	GraceMs      int            `yaml:"grace_ms" mapstructure:"grace_ms"`
	SafetyMargin float64        `yaml:"safety_margin" mapstructure:"safety_margin"`
}

// RetryConfig configures per-call retries of remote operations.
type RetryConfig struct {
	MaxAttempts   int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseBackoffMs int `yaml:"base_backoff_ms" mapstructure:"base_backoff_ms"`
	MaxBackoffMs  int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	OpTimeoutSecs int `yaml:"op_timeout_secs" mapstructure:"op_timeout_secs"`
	// BreakerCooldownSecs lets a tripped source be tried again. Zero keeps
	// it excluded until the next run.
	BreakerCooldownSecs int `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// ItemRetryConfig configures whole-item retries in the analysis waves.
type ItemRetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// ScreenerConfig configures the acquisition pipeline.
type ScreenerConfig struct {
	QuoteCurrencies    []string       `yaml:"quote_currencies" mapstructure:"quote_currencies"`
	MinVolumeUSD       float64        `yaml:"min_volume_usd" mapstructure:"min_volume_usd"`
	MinHistory         int            `yaml:"min_history" mapstructure:"min_history"`
	BatchSize          int            `yaml:"batch_size" mapstructure:"batch_size"`
	BatchTimeoutSecs   int            `yaml:"batch_timeout_secs" mapstructure:"batch_timeout_secs"`
	ReferenceSymbol    string         `yaml:"reference_symbol" mapstructure:"reference_symbol"`
	HistoryDays        int            `yaml:"history_days" mapstructure:"history_days"`
	Timeframes         map[string]int `yaml:"timeframes" mapstructure:"timeframes"`
	Blacklist          []string       `yaml:"blacklist" mapstructure:"blacklist"`
	RunTimeoutMins     int            `yaml:"run_timeout_mins" mapstructure:"run_timeout_mins"`
	TimeframeFetchConc int            `yaml:"timeframe_fetch_concurrency" mapstructure:"timeframe_fetch_concurrency"`
}

// Lookbacks converts the timeframe table from days to durations.
func (s ScreenerConfig) Lookbacks() map[string]time.Duration {
	out := make(map[string]time.Duration, len(s.Timeframes))
	for tf, days := range s.Timeframes {
		out[tf] = time.Duration(days) * 24 * time.Hour
	}
	return out
}

// CacheConfig configures the read-side record cache.
type CacheConfig struct {
	TTLMins int `yaml:"ttl_mins" mapstructure:"ttl_mins"`
}

// ServerConfig configures the read API and the run scheduler.
type ServerConfig struct {
	Port            int      `yaml:"port" mapstructure:"port"`
	RunIntervalMins int      `yaml:"run_interval_mins" mapstructure:"run_interval_mins"`
	RunOnStart      bool     `yaml:"run_on_start" mapstructure:"run_on_start"`
	CORSOrigins     []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SCREENER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "screener.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)

	v.SetDefault("sources.enabled", []string{"binanceusdm", "bybit"})
	v.SetDefault("sources.binance_base_url", "https://fapi.binance.com")
	v.SetDefault("sources.bybit_base_url", "https://api.bybit.com")
	v.SetDefault("sources.binance_spacing_ms", 250)
	v.SetDefault("sources.bybit_spacing_ms", 500)
	v.SetDefault("sources.http_timeout_secs", 30)

	v.SetDefault("rate_limit.limits", map[string]int{"binanceusdm": 2400, "bybit": 120})
	v.SetDefault("rate_limit.default_limit", 1000)
	v.SetDefault("rate_limit.window_secs", 60)
	v.SetDefault("rate_limit.grace_ms", 1000)
	v.SetDefault("rate_limit.safety_margin", 0.05)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.op_timeout_secs", 30)
	v.SetDefault("retry.breaker_cooldown_secs", 0)

	v.SetDefault("item_retry.max_attempts", 2)
	v.SetDefault("item_retry.initial_backoff_ms", 2000)
	v.SetDefault("item_retry.max_backoff_ms", 10000)
	v.SetDefault("item_retry.multiplier", 2.0)
	v.SetDefault("item_retry.jitter_fraction", 0.1)

	v.SetDefault("screener.quote_currencies", []string{"USDT"})
	v.SetDefault("screener.min_volume_usd", 3_000_000.0)
	v.SetDefault("screener.min_history", 180)
	v.SetDefault("screener.batch_size", 50)
	v.SetDefault("screener.batch_timeout_secs", 300)
	v.SetDefault("screener.reference_symbol", "BTC/USDT:USDT")
	v.SetDefault("screener.history_days", 181)
	v.SetDefault("screener.timeframes", map[string]int{
		"1h":  30,
		"2h":  60,
		"4h":  90,
		"12h": 55,
		"1d":  181,
	})
	v.SetDefault("screener.blacklist", []string{})
	v.SetDefault("screener.run_timeout_mins", 60)
	v.SetDefault("screener.timeframe_fetch_concurrency", 5)

	v.SetDefault("cache.ttl_mins", 15)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.run_interval_mins", 60)
	v.SetDefault("server.run_on_start", true)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks the settings a command mode depends on. Mode is one of
// "run", "serve" or "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string
	require := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Sprintf(format, args...))
		}
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
		require(c.Store.DatabaseURL != "", "store.database_url is required for driver %s", c.Store.Driver)
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	switch mode {
	case "migrate":
	case "run", "serve":
		c.validateScreener(require)
		if mode == "serve" {
			require(c.Server.Port > 0 && c.Server.Port <= 65535, "server.port must be 1-65535, got %d", c.Server.Port)
			require(c.Server.RunIntervalMins >= 0, "server.run_interval_mins must not be negative")
		}
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateScreener(require func(bool, string, ...any)) {
	require(len(c.Sources.Enabled) > 0, "sources.enabled is required")
	require(len(c.Screener.QuoteCurrencies) > 0, "screener.quote_currencies is required")
	require(c.Screener.MinHistory > 0, "screener.min_history must be positive")
	require(c.Screener.BatchSize > 0, "screener.batch_size must be positive")
	require(c.Screener.ReferenceSymbol != "", "screener.reference_symbol is required")
	require(c.Screener.HistoryDays >= c.Screener.MinHistory,
		"screener.history_days (%d) must cover screener.min_history (%d)", c.Screener.HistoryDays, c.Screener.MinHistory)
	require(len(c.Screener.Timeframes) > 0, "screener.timeframes is required")
	require(c.RateLimit.SafetyMargin >= 0 && c.RateLimit.SafetyMargin < 1,
		"rate_limit.safety_margin must be in [0, 1), got %v", c.RateLimit.SafetyMargin)
	require(c.Retry.MaxAttempts > 0, "retry.max_attempts must be positive")
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
