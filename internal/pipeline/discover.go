package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/screener-cli/internal/fallback"
	"github.com/sells-group/screener-cli/internal/model"
	"github.com/sells-group/screener-cli/internal/ratelimit"
	"github.com/sells-group/screener-cli/internal/resilience"
	"github.com/sells-group/screener-cli/internal/source"
	"github.com/sells-group/screener-cli/internal/store"
)

// prereqs loads the reference series and the blacklist.
func (c *Conductor) prereqs(ctx context.Context, st *runState) (int, error) {
	if len(c.cfg.Sources) == 0 {
		return 0, abort("no sources configured")
	}

	res, err := fallback.Race(ctx, c.cfg.Sources, func(ctx context.Context, src string) (model.Series, error) {
		series, err := c.fetchSeries(ctx, src, c.cfg.ReferenceSymbol, model.Interval1d, c.cfg.HistoryLookback)
		if err != nil {
			return nil, err
		}
		if len(series) < 2 {
			return nil, resilience.NewKindError(resilience.KindDataInsufficient,
				eris.Errorf("reference %s on %s: %d candles", c.cfg.ReferenceSymbol, src, len(series)))
		}
		return series, nil
	})
	if err != nil {
		st.log.Error("pipeline: reference series unavailable",
			zap.String("symbol", c.cfg.ReferenceSymbol), zap.Error(err))
		return 0, abort("reference series unavailable: %s", c.cfg.ReferenceSymbol)
	}
	st.reference = res.Value
	st.log.Info("pipeline: reference series loaded",
		zap.String("symbol", c.cfg.ReferenceSymbol),
		zap.String("source", res.Source),
		zap.Int("candles", len(res.Value)),
	)

	st.blacklist = make(map[string]struct{})
	for _, s := range c.cfg.Blacklist {
		st.blacklist[store.NormalizeSymbol(s)] = struct{}{}
	}
	entries, err := c.sink.ListBlacklist(ctx)
	if err != nil {
		st.log.Warn("pipeline: blacklist unavailable, using configured entries only", zap.Error(err))
	}
	for _, e := range entries {
		st.blacklist[store.NormalizeSymbol(e.Symbol)] = struct{}{}
	}
	return len(st.reference), nil
}

// discover fetches every source's catalog and merges them into candidates.
func (c *Conductor) discover(ctx context.Context, st *runState) (int, error) {
	catalogs := make([][]model.Ticker, len(c.cfg.Sources))
	failed := make([]error, len(c.cfg.Sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range c.cfg.Sources {
		g.Go(func() error {
			weight := ratelimit.RequestWeight(src, ratelimit.EndpointMarkets, 0) +
				ratelimit.RequestWeight(src, ratelimit.EndpointTickers, 0)
			tickers, err := resilience.Execute(gctx, c.executor, resilience.Request{
				Source: src,
				Op:     "fetch_catalog",
				Weight: weight,
			}, func(ctx context.Context) ([]model.Ticker, error) {
				defer c.observeCall(src, "fetch_catalog", time.Now())
				return c.source.FetchCatalog(ctx, src)
			})
			catalogs[i], failed[i] = tickers, err
			return nil
		})
	}
	_ = g.Wait()

	st.active = nil
	for i, src := range c.cfg.Sources {
		if failed[i] != nil {
			st.log.Warn("pipeline: source inactive for this run",
				zap.String("source", src),
				zap.String("kind", resilience.Classify(failed[i]).String()),
				zap.Error(failed[i]),
			)
			continue
		}
		st.active = append(st.active, src)
	}
	if len(st.active) == 0 {
		return 0, abort("no active sources")
	}

	merged := c.mergeCatalogs(c.cfg.Sources, catalogs, failed)

	candidates := make([]model.Candidate, 0, len(merged))
	for _, cand := range merged {
		switch {
		case st.blacklisted(cand):
			st.ledger.Add(model.ReasonBlacklist, cand.ID)
		case cand.Volume24h < c.cfg.MinVolumeUSD:
			st.ledger.Add(model.ReasonVolume, cand.ID)
		default:
			candidates = append(candidates, cand)
		}
	}
	st.candidates = candidates
	st.run.Found = len(candidates)

	st.log.Info("pipeline: discovery complete",
		zap.Strings("active_sources", st.active),
		zap.Int("listed", len(merged)),
		zap.Int("candidates", len(candidates)),
		zap.Int("blacklisted", st.ledger.Len(model.ReasonBlacklist)),
		zap.Int("low_volume", st.ledger.Len(model.ReasonVolume)),
	)
	return len(candidates), nil
}

// mergeCatalogs joins tickers of the same unified id. Sources are visited in
// priority order so each candidate lists them that way; the listing with the
// highest quote volume supplies price and volume.
func (c *Conductor) mergeCatalogs(sources []string, catalogs [][]model.Ticker, failed []error) []model.Candidate {
	quotes := make(map[string]struct{}, len(c.cfg.QuoteCurrencies))
	for _, q := range c.cfg.QuoteCurrencies {
		quotes[strings.ToUpper(q)] = struct{}{}
	}

	byID := make(map[string]*model.Candidate)
	var order []string
	for i, src := range sources {
		if failed[i] != nil {
			continue
		}
		for _, t := range catalogs[i] {
			if len(quotes) > 0 {
				if _, ok := quotes[strings.ToUpper(t.Quote)]; !ok {
					continue
				}
			}
			id := t.UnifiedID()
			cand, ok := byID[id]
			if !ok {
				cand = &model.Candidate{
					ID:             id,
					Base:           strings.ToUpper(t.Base),
					Quote:          strings.ToUpper(t.Quote),
					Name:           t.Name,
					Native:         make(map[string]string),
					VolumeBySource: make(map[string]float64),
				}
				byID[id] = cand
				order = append(order, id)
			}
			if cand.ServedBy(src) {
				continue
			}
			cand.Sources = append(cand.Sources, src)
			cand.Native[src] = t.Symbol
			cand.VolumeBySource[src] = t.QuoteVolume
			if cand.Name == "" {
				cand.Name = t.Name
			}
			if len(cand.Sources) == 1 || t.QuoteVolume > cand.Volume24h {
				cand.PriceUSD = t.LastPrice
				cand.Volume24h = t.QuoteVolume
				cand.BaseVolume = t.BaseVolume
				cand.Change24h = t.ChangePct
			}
		}
	}

	out := make([]model.Candidate, 0, len(order))
	for _, id := range order {
		cand := byID[id]
		if cand.Name == "" {
			cand.Name = cand.Base
		}
		out = append(out, *cand)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Volume24h != out[j].Volume24h {
			return out[i].Volume24h > out[j].Volume24h
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (st *runState) blacklisted(cand model.Candidate) bool {
	for _, key := range []string{cand.ID, cand.Base, cand.Base + cand.Quote} {
		if _, ok := st.blacklist[key]; ok {
			return true
		}
	}
	return false
}

// seriesSymbol is the symbol to request from src: the source's own listing
// when discovery saw one, the unified id otherwise.
func seriesSymbol(cand model.Candidate, src string) string {
	if native := cand.Native[src]; native != "" {
		return native
	}
	return cand.ID
}

// fetchSeries fetches one series through the executor so the call is
// governed, retried and breaker-checked.
func (c *Conductor) fetchSeries(ctx context.Context, src, asset string, tf model.Interval, lookback time.Duration) (model.Series, error) {
	limit := source.CandleLimit(tf, lookback)
	return resilience.Execute(ctx, c.executor, resilience.Request{
		Source: src,
		Op:     "fetch_series",
		Weight: ratelimit.RequestWeight(src, ratelimit.EndpointKlines, limit),
		Detail: fmt.Sprintf("%s %s", asset, tf),
	}, func(ctx context.Context) (model.Series, error) {
		defer c.observeCall(src, "fetch_series", time.Now())
		return c.source.FetchSeries(ctx, src, asset, tf, lookback)
	})
}

func (c *Conductor) observeCall(src, op string, started time.Time) {
	c.metrics.RecordSourceCall(src, op, time.Since(started))
}
