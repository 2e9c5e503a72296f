package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "screener.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 60, cfg.Server.RunIntervalMins)
	assert.Equal(t, []string{"binanceusdm", "bybit"}, cfg.Sources.Enabled)
	assert.Equal(t, 250, cfg.Sources.BinanceSpacingMs)
	assert.Equal(t, 500, cfg.Sources.BybitSpacingMs)
	assert.Equal(t, 2400, cfg.RateLimit.Limits["binanceusdm"])
	assert.Equal(t, 120, cfg.RateLimit.Limits["bybit"])
	assert.Equal(t, 1000, cfg.RateLimit.DefaultLimit)
	assert.InDelta(t, 0.05, cfg.RateLimit.SafetyMargin, 1e-9)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 30, cfg.Retry.OpTimeoutSecs)
	assert.Equal(t, []string{"USDT"}, cfg.Screener.QuoteCurrencies)
	assert.InDelta(t, 3_000_000, cfg.Screener.MinVolumeUSD, 1e-6)
	assert.Equal(t, 180, cfg.Screener.MinHistory)
	assert.Equal(t, 50, cfg.Screener.BatchSize)
	assert.Equal(t, "BTC/USDT:USDT", cfg.Screener.ReferenceSymbol)
	assert.Equal(t, 55, cfg.Screener.Timeframes["12h"])
	assert.Equal(t, 15, cfg.Cache.TTLMins)
	assert.NoError(t, cfg.Validate("serve"))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/screener
log:
  level: debug
  format: console
server:
  port: 9090
screener:
  min_history: 90
  blacklist: [LUNA, FTT]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 90, cfg.Screener.MinHistory)
	assert.Equal(t, []string{"LUNA", "FTT"}, cfg.Screener.Blacklist)
	// Defaults still apply for unset values
	assert.Equal(t, 50, cfg.Screener.BatchSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("SCREENER_STORE_DRIVER", "memory")
	t.Setenv("SCREENER_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("SCREENER_SERVER_PORT", "3000")
	t.Setenv("SCREENER_SCREENER_MIN_VOLUME_USD", "5000000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.InDelta(t, 5_000_000, cfg.Screener.MinVolumeUSD, 1e-6)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestLookbacks(t *testing.T) {
	s := ScreenerConfig{Timeframes: map[string]int{"1h": 30, "1d": 181}}
	got := s.Lookbacks()
	assert.Equal(t, 30*24*time.Hour, got["1h"])
	assert.Equal(t, 181*24*time.Hour, got["1d"])
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

func validDefaults(t *testing.T) *Config {
	t.Helper()
	chdirTemp(t)
	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Server.Port = 70000

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateRun_MissingFields(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Sources.Enabled = nil
	cfg.Screener.BatchSize = 0
	cfg.Screener.HistoryDays = 100

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sources.enabled is required")
	assert.Contains(t, err.Error(), "screener.batch_size must be positive")
	assert.Contains(t, err.Error(), "must cover screener.min_history")
}

func TestValidateStore(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = ""
	err := cfg.Validate("migrate")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.Driver = "mongo"
	err = cfg.Validate("migrate")
	assert.Contains(t, err.Error(), `store.driver "mongo" is not supported`)

	cfg.Store.Driver = "memory"
	assert.NoError(t, cfg.Validate("migrate"))
}

func TestValidateSafetyMargin(t *testing.T) {
	cfg := validDefaults(t)
	cfg.RateLimit.SafetyMargin = 1.5
	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit.safety_margin")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults(t)
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown validation mode")
}
