package main

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/screener-cli/internal/config"
	"github.com/sells-group/screener-cli/internal/model"
	"github.com/sells-group/screener-cli/internal/observability"
	"github.com/sells-group/screener-cli/internal/resilience"
)

func testScreenerConfig() *config.Config {
	return &config.Config{
		Sources: config.SourcesConfig{Enabled: []string{"binanceusdm", "bybit"}},
		ItemRetry: config.ItemRetryConfig{
			MaxAttempts:      2,
			InitialBackoffMs: 100,
			MaxBackoffMs:     1000,
			Multiplier:       2,
			JitterFraction:   0.1,
		},
		Screener: config.ScreenerConfig{
			QuoteCurrencies:    []string{"USDT"},
			MinVolumeUSD:       3_000_000,
			MinHistory:         180,
			BatchSize:          50,
			BatchTimeoutSecs:   120,
			ReferenceSymbol:    "BTC/USDT:USDT",
			HistoryDays:        181,
			Timeframes:         map[string]int{"1h": 30, "1d": 181},
			Blacklist:          []string{"LUNA"},
			RunTimeoutMins:     30,
			TimeframeFetchConc: 3,
		},
	}
}

func TestPipelineConfig(t *testing.T) {
	t.Parallel()
	pc, err := pipelineConfig(testScreenerConfig())
	require.NoError(t, err)

	assert.Equal(t, []string{"binanceusdm", "bybit"}, pc.Sources)
	assert.Equal(t, 30*24*time.Hour, pc.Timeframes[model.Interval1h])
	assert.Equal(t, 181*24*time.Hour, pc.Timeframes[model.Interval1d])
	assert.Equal(t, 181*24*time.Hour, pc.HistoryLookback)
	assert.Equal(t, 2*time.Minute, pc.BatchTimeout)
	assert.Equal(t, 30*time.Minute, pc.RunTimeout)
	assert.Equal(t, 3, pc.TimeframeConcurrency)
	assert.Equal(t, 2, pc.ItemRetry.MaxAttempts)
	assert.Equal(t, []string{"LUNA"}, pc.Blacklist)
}

func TestPipelineConfig_UnsupportedTimeframe(t *testing.T) {
	t.Parallel()
	c := testScreenerConfig()
	c.Screener.Timeframes["3m"] = 5

	_, err := pipelineConfig(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3m")
}

func TestNewBreakers_RecordsStateChanges(t *testing.T) {
	t.Parallel()
	m := observability.New(prometheus.NewRegistry())
	b := newBreakers(config.RetryConfig{}, m)

	b.Trip("bybit", assert.AnError)
	assert.Equal(t, resilience.CircuitOpen, b.States()["bybit"])
}
