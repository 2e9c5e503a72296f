package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/screener-cli/internal/batch"
	"github.com/sells-group/screener-cli/internal/fallback"
	"github.com/sells-group/screener-cli/internal/model"
	"github.com/sells-group/screener-cli/internal/resilience"
)

// matured is a candidate with enough daily history on at least one source.
type matured struct {
	cand model.Candidate
	// source won the maturity race and daily came from it.
	source string
	daily  model.Series
}

// historyError reports a series shorter than the required history.
type historyError struct {
	Need   int
	Got    int
	Source string
}

func (e *historyError) Error() string {
	return fmt.Sprintf("maturity: need %d candles, got %d on %s", e.Need, e.Got, e.Source)
}

func (e *historyError) reason() string {
	return fmt.Sprintf("Maturity (Need %d, Got %d on %s)", e.Need, e.Got, e.Source)
}

// maturityFilter keeps candidates with at least MinHistory daily candles on
// one of their sources.
func (c *Conductor) maturityFilter(ctx context.Context, st *runState) (int, error) {
	rep := batch.Run(ctx, st.candidates, batch.Options{
		Size:    c.cfg.BatchSize,
		Timeout: c.cfg.BatchTimeout,
		Label:   string(model.StageMaturityFilter),
	}, candidateKey, func(ctx context.Context, cand model.Candidate) (matured, error) {
		return c.checkMaturity(ctx, st, cand)
	})
	st.ledger.Merge(rep.Skipped)

	st.mature = rep.Results
	st.run.Mature = len(st.mature)
	for _, m := range st.mature {
		c.metrics.RecordRaceWin(m.source)
	}
	logMaturity(st, rep)
	return len(st.mature), nil
}

func (c *Conductor) checkMaturity(ctx context.Context, st *runState, cand model.Candidate) (matured, error) {
	sources := activeFor(cand, st.active)
	res, err := fallback.Race(ctx, sources, func(ctx context.Context, src string) (model.Series, error) {
		series, err := c.fetchSeries(ctx, src, seriesSymbol(cand, src), model.Interval1d, c.cfg.HistoryLookback)
		if err != nil {
			return nil, err
		}
		if len(series) < c.cfg.MinHistory {
			return nil, resilience.NewKindError(resilience.KindDataInsufficient,
				&historyError{Need: c.cfg.MinHistory, Got: len(series), Source: src})
		}
		return series, nil
	})
	if err != nil {
		return matured{}, maturitySkip(ctx, err)
	}
	return matured{cand: cand, source: res.Source, daily: res.Value}, nil
}

// maturitySkip maps a lost race to its ledger reason.
func maturitySkip(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	var all *fallback.AllFailedError
	if errors.As(err, &all) {
		best := all.MostSpecific()
		var he *historyError
		if best.Kind == resilience.KindDataInsufficient && errors.As(best.Err, &he) {
			return model.Skip(he.reason(), err)
		}
	}
	return model.Skip(model.ReasonNoSupportedSource, err)
}

// activeFor returns the candidate's sources that are active this run, in the
// candidate's order.
func activeFor(cand model.Candidate, active []string) []string {
	out := make([]string, 0, len(cand.Sources))
	for _, src := range cand.Sources {
		for _, a := range active {
			if a == src {
				out = append(out, src)
				break
			}
		}
	}
	return out
}

func candidateKey(c model.Candidate) string { return c.ID }

func logMaturity(st *runState, rep batch.Report[matured]) {
	if len(rep.Results) == 0 {
		st.log.Warn("pipeline: no candidate passed the maturity filter",
			zap.Int("failed", rep.Failed), zap.Int("timed_out", rep.TimedOut))
		return
	}

	counts := make([]int, len(rep.Results))
	usage := make(map[string]int)
	var sum int
	for i, m := range rep.Results {
		counts[i] = len(m.daily)
		sum += counts[i]
		usage[m.source]++
	}
	sort.Ints(counts)
	median := float64(counts[len(counts)/2])
	if len(counts)%2 == 0 {
		median = float64(counts[len(counts)/2-1]+counts[len(counts)/2]) / 2
	}

	fields := []zap.Field{
		zap.Int("mature", len(rep.Results)),
		zap.Int("failed", rep.Failed),
		zap.Int("retryable", rep.Retryable),
		zap.Int("timed_out", rep.TimedOut),
		zap.Float64("candles_mean", float64(sum)/float64(len(counts))),
		zap.Float64("candles_median", median),
		zap.Int("candles_min", counts[0]),
		zap.Int("candles_max", counts[len(counts)-1]),
	}
	for src, n := range usage {
		fields = append(fields, zap.Int("source_"+src, n))
	}
	st.log.Info("pipeline: maturity diagnostics", fields...)
}
