package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/screener-cli/internal/batch"
	"github.com/sells-group/screener-cli/internal/model"
	"github.com/sells-group/screener-cli/internal/resilience"
	"github.com/sells-group/screener-cli/internal/source"
	"github.com/sells-group/screener-cli/internal/stats"
)

// wave is the set of mature items analysed against one source.
type wave struct {
	source string
	items  []matured
}

// waveSplit assigns each mature item to the first of its active sources
// whose breaker is not open. Assignment follows source priority, never race
// timing. Waves are ordered by source priority.
func (c *Conductor) waveSplit(_ context.Context, st *runState) (int, error) {
	breakers := c.executor.Breakers()
	bySource := make(map[string][]matured)
	for _, m := range st.mature {
		src := waveSource(m, st.active, breakers)
		bySource[src] = append(bySource[src], m)
	}

	waves := make([]wave, 0, len(bySource))
	var n int
	for _, src := range c.cfg.Sources {
		items, ok := bySource[src]
		if !ok {
			continue
		}
		waves = append(waves, wave{source: src, items: items})
		n += len(items)
		delete(bySource, src)
	}
	// Sources outside the configured list only appear when a client lists
	// them; keep them rather than drop items silently.
	for src, items := range bySource {
		waves = append(waves, wave{source: src, items: items})
		n += len(items)
	}
	st.waves = waves

	st.run.Waves = make(map[string]int, len(waves))
	for _, w := range waves {
		st.run.Waves[w.source] = len(w.items)
		st.log.Info("pipeline: wave planned",
			zap.String("source", w.source), zap.Int("items", len(w.items)))
	}
	return n, nil
}

// waveSource picks the analysis source for m, falling back to the maturity
// winner when no preferred source qualifies.
func waveSource(m matured, active []string, breakers *resilience.Breakers) string {
	for _, src := range activeFor(m.cand, active) {
		if breakers != nil && breakers.State(src) == resilience.CircuitOpen {
			continue
		}
		return src
	}
	return m.source
}

// waveAnalysis runs one batch pass per wave and builds the records.
func (c *Conductor) waveAnalysis(ctx context.Context, st *runState) (int, error) {
	var records []model.Record
	for i, w := range st.waves {
		if ctx.Err() != nil {
			for _, m := range w.items {
				st.ledger.Add(model.ReasonCancelled, m.cand.ID)
			}
			continue
		}
		rep := batch.Run(ctx, w.items, batch.Options{
			Size:    c.cfg.BatchSize,
			Timeout: c.cfg.BatchTimeout,
			Label:   fmt.Sprintf("analysis[%s]", w.source),
		}, maturedKey, func(ctx context.Context, m matured) (model.Record, error) {
			return c.analyzeItem(ctx, st, w.source, m)
		})
		st.ledger.Merge(rep.Skipped)
		records = append(records, rep.Results...)

		st.log.Info("pipeline: wave complete",
			zap.Int("wave", i+1),
			zap.String("source", w.source),
			zap.Int("succeeded", rep.Succeeded),
			zap.Int("failed", rep.Failed),
			zap.Int("retryable", rep.Retryable),
			zap.Duration("elapsed", rep.Elapsed),
		)
	}
	st.records = records
	st.run.Analyzed = len(records)
	st.run.FallbackSuccess = countFallbacks(records, st.active)
	c.metrics.RecordFallback(st.run.FallbackSuccess)
	return len(records), nil
}

// countFallbacks counts records analysed on a source other than the
// asset's primary source.
func countFallbacks(records []model.Record, active []string) int {
	var n int
	for _, r := range records {
		for _, src := range r.Sources {
			if slices.Contains(active, src) {
				if src != r.Source {
					n++
				}
				break
			}
		}
	}
	return n
}

// analyzeItem analyses m on its wave source. When the wave source is not
// the maturity winner its daily history is fetched and checked first; if
// the wave source cannot serve the item it is analysed on the winner.
func (c *Conductor) analyzeItem(ctx context.Context, st *runState, src string, m matured) (model.Record, error) {
	if src == m.source {
		return c.analyzeWithRetry(ctx, st, src, m)
	}
	rec, err := c.analyzeOn(ctx, st, src, m)
	if err == nil || ctx.Err() != nil {
		return rec, err
	}
	st.log.Debug("pipeline: wave source could not serve item, using maturity source",
		zap.String("symbol", m.cand.ID),
		zap.String("wave_source", src),
		zap.String("source", m.source),
		zap.Error(err),
	)
	return c.analyzeWithRetry(ctx, st, m.source, m)
}

func (c *Conductor) analyzeOn(ctx context.Context, st *runState, src string, m matured) (model.Record, error) {
	daily, err := c.fetchSeries(ctx, src, seriesSymbol(m.cand, src), model.Interval1d, c.cfg.HistoryLookback)
	if err != nil {
		return model.Record{}, err
	}
	if len(daily) < c.cfg.MinHistory {
		return model.Record{}, resilience.NewKindError(resilience.KindDataInsufficient,
			&historyError{Need: c.cfg.MinHistory, Got: len(daily), Source: src})
	}
	m.source, m.daily = src, daily
	return c.analyzeWithRetry(ctx, st, src, m)
}

func (c *Conductor) analyzeWithRetry(ctx context.Context, st *runState, src string, m matured) (model.Record, error) {
	cfg := c.cfg.ItemRetry
	cfg.ShouldRetry = retryItem
	cfg.OnRetry = func(attempt int, err error) {
		st.log.Debug("pipeline: retrying analysis",
			zap.String("symbol", m.cand.ID),
			zap.String("source", src),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	rec, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (model.Record, error) {
		return c.analyze(ctx, st, src, m)
	})
	if err == nil {
		return rec, nil
	}
	if ctx.Err() != nil {
		return model.Record{}, err
	}
	return model.Record{}, model.Skip(fmt.Sprintf("Analysis (%s)", resilience.Classify(err)), err)
}

// retryItem reports whether a whole-item analysis failure is worth another
// attempt. Answers about the asset itself and open breakers are final.
func retryItem(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch resilience.Classify(err) {
	case resilience.KindNotFound, resilience.KindDataInsufficient, resilience.KindUnavailable:
		return false
	default:
		return true
	}
}

// analyze fetches every timeframe from src and computes the record.
func (c *Conductor) analyze(ctx context.Context, st *runState, src string, m matured) (model.Record, error) {
	tfs := c.timeframes()
	series := make([]model.Series, len(tfs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.TimeframeConcurrency)
	for i, tf := range tfs {
		lookback := c.cfg.Timeframes[tf]
		if tf == model.Interval1d {
			series[i] = tail(m.daily, source.CandleLimit(tf, lookback))
			continue
		}
		g.Go(func() error {
			s, err := c.fetchSeries(gctx, src, seriesSymbol(m.cand, src), tf, lookback)
			if err != nil {
				return err
			}
			series[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.Record{}, err
	}

	bundle := make(model.Bundle, len(tfs))
	for i, tf := range tfs {
		bundle[tf] = series[i]
	}
	metrics, err := c.computeMetrics(bundle, st.reference)
	if err != nil {
		kind := resilience.KindOther
		if errors.Is(err, stats.ErrNoData) {
			kind = resilience.KindDataInsufficient
		}
		return model.Record{}, resilience.NewKindError(kind, eris.Wrapf(err, "pipeline: metrics for %s", m.cand.ID))
	}
	return model.NewRecord(m.cand, src, metrics, c.nowFunc().UTC()), nil
}

// tail returns at most the last n candles of s.
func tail(s model.Series, n int) model.Series {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func maturedKey(m matured) string { return m.cand.ID }

// rank assigns volume sextile categories. It never drops a record.
func (c *Conductor) rank(_ context.Context, st *runState) (int, error) {
	volumes := make([]float64, len(st.records))
	for i, r := range st.records {
		volumes[i] = r.Volume24h
	}
	cats, err := stats.Sextiles(volumes)
	if err != nil {
		st.log.Warn("pipeline: volume ranking skipped", zap.Error(err))
		return len(st.records), nil
	}

	ranked := make([]model.Record, len(st.records))
	for i, r := range st.records {
		r.Category = cats[i]
		ranked[i] = r
	}
	st.records = ranked
	return len(ranked), nil
}

// handoff persists the records. A failure leaves the run failed with nothing
// persisted.
func (c *Conductor) handoff(ctx context.Context, st *runState) (int, error) {
	n, err := c.sink.Persist(ctx, st.records)
	if err != nil {
		st.run.Persisted = 0
		st.log.Error("pipeline: handoff failed",
			zap.Int("records", len(st.records)), zap.Error(err))
		return 0, eris.Wrapf(ErrHandoffFailed, "persist %d records: %v", len(st.records), err)
	}
	st.run.Persisted = n
	if c.onHandoff != nil {
		c.onHandoff(n)
	}
	return n, nil
}
