package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/screener-cli/internal/model"
	"github.com/sells-group/screener-cli/internal/store"
)

func TestComputeRunStats(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runs := []model.Run{
		{ID: "a", Status: model.RunStatusComplete, StartedAt: now, Persisted: 100, DurationMs: 60_000, FallbackSuccess: 3},
		{ID: "b", Status: model.RunStatusComplete, StartedAt: now.Add(-time.Hour), Persisted: 50, DurationMs: 30_000, FallbackSuccess: 1},
		{ID: "c", Status: model.RunStatusAborted, StartedAt: now.Add(-2 * time.Hour)},
		{ID: "d", Status: model.RunStatusFailed, StartedAt: now.Add(-3 * time.Hour)},
		{ID: "e", Status: model.RunStatusRunning, StartedAt: now},
		{ID: "old", Status: model.RunStatusComplete, StartedAt: now.Add(-48 * time.Hour), Persisted: 999},
	}

	s := computeRunStats(runs, now.Add(-24*time.Hour))

	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 2, s.Complete)
	assert.Equal(t, 1, s.Aborted)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Running)
	assert.Equal(t, 4, s.FallbackTotal)
	assert.InDelta(t, 75, s.AvgPersisted, 1e-9)
	assert.InDelta(t, 45, s.AvgDurSecs, 1e-9)
}

func TestComputeRunStats_NoComplete(t *testing.T) {
	t.Parallel()
	s := computeRunStats([]model.Run{{Status: model.RunStatusAborted}}, time.Time{})
	assert.Equal(t, 1, s.Total)
	assert.Zero(t, s.AvgPersisted)

	var buf bytes.Buffer
	formatRunStats(&buf, s)
	assert.Contains(t, buf.String(), "Aborted:")
	assert.NotContains(t, buf.String(), "Avg persisted")
}

func TestFormatRunsList(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	formatRunsList(&buf, []model.Run{{
		ID:         "0123456789abcdef",
		Status:     model.RunStatusAborted,
		StartedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		DurationMs: 1500,
		Reason:     "reference series unavailable: all sources failed for BTC",
	}})

	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "01234567")
	assert.NotContains(t, out, "0123456789")
	assert.Contains(t, out, "2026-03-01 12:00")
	assert.Contains(t, out, "...")
}

func TestTruncateID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abcdefgh", truncateID("abcdefghijkl"))
	assert.Equal(t, "abc", truncateID("abc"))
}

func TestSortedReasons(t *testing.T) {
	t.Parallel()
	got := sortedReasons(map[string]int{
		model.ReasonVolume:                     40,
		model.ReasonBlacklist:                  2,
		"Maturity (Need 180, Got 50 on bybit)": 2,
	})
	assert.Equal(t, []string{model.ReasonVolume, model.ReasonBlacklist, "Maturity (Need 180, Got 50 on bybit)"}, got)
}

func TestFormatRunSummary(t *testing.T) {
	t.Parallel()
	run := &model.Run{
		ID:        "run-1",
		Status:    model.RunStatusComplete,
		Found:     10,
		Mature:    8,
		Analyzed:  7,
		Persisted: 7,
		Skipped:   map[string]int{model.ReasonVolume: 5, model.ReasonBlacklist: 1},
		Waves:     map[string]int{"bybit": 3, "binanceusdm": 5},
	}
	run.SkippedTotal = 6

	var buf bytes.Buffer
	formatRunSummary(&buf, run)
	out := buf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "Processed:")
	assert.Contains(t, out, "16")
	assert.Contains(t, out, model.ReasonVolume)
	assert.NotContains(t, out, "Reason:")
	assert.Regexp(t, `Wave binanceusdm:\s+5\n\s+Wave bybit:\s+3`, out)
}

func TestFormatBlacklist(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	formatBlacklist(&buf, []store.BlacklistEntry{
		{Symbol: "LUNA", Reason: "delisted", AddedAt: time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)},
	}, []string{"ftt"})

	out := buf.String()
	assert.Contains(t, out, "LUNA")
	assert.Contains(t, out, "delisted")
	assert.Contains(t, out, "2026-01-02 03:04")
	assert.Contains(t, out, "FTT")
	assert.Contains(t, out, "config")
}
