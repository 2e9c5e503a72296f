package main

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/screener-cli/internal/model"
	"github.com/sells-group/screener-cli/internal/store"
)

// dataQualityReport lists, per metric, the symbols whose value is missing or
// not finite. Metrics are the union of every record's metric names.
type dataQualityReport struct {
	TotalCoins   int                 `json:"total_coins"`
	AnalyzedAt   *time.Time          `json:"analysis_date"`
	Symbols      []string            `json:"all_coins_sorted"`
	Missing      map[string][]string `json:"missing_data_report"`
	Incomplete   int                 `json:"incomplete_coins"`
	MetricsFound int                 `json:"metrics_found"`
}

func buildDataQualityReport(records []model.Record) dataQualityReport {
	rep := dataQualityReport{
		TotalCoins: len(records),
		Symbols:    make([]string, 0, len(records)),
		Missing:    make(map[string][]string),
	}
	for _, r := range records {
		for name := range r.Metrics {
			if _, ok := rep.Missing[name]; !ok {
				rep.Missing[name] = []string{}
			}
		}
	}

	incomplete := make(map[string]struct{})
	for _, r := range records {
		rep.Symbols = append(rep.Symbols, r.Symbol)
		if rep.AnalyzedAt == nil && !r.AnalyzedAt.IsZero() {
			at := r.AnalyzedAt
			rep.AnalyzedAt = &at
		}
		for name := range rep.Missing {
			v, ok := r.Metrics[name]
			if ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
				continue
			}
			rep.Missing[name] = append(rep.Missing[name], r.Symbol)
			incomplete[r.Symbol] = struct{}{}
		}
	}

	sort.Strings(rep.Symbols)
	for name := range rep.Missing {
		sort.Strings(rep.Missing[name])
	}
	rep.Incomplete = len(incomplete)
	rep.MetricsFound = len(rep.Missing)
	return rep
}

// tvSymbol is one record in TradingView watchlist form.
type tvSymbol struct {
	Symbol    string   `json:"symbol"`
	Exchanges []string `json:"exchanges"`
}

// tradingViewSymbols formats records for a TradingView watchlist, dropping
// blacklisted assets. blacklist holds normalized symbols.
func tradingViewSymbols(records []model.Record, blacklist map[string]struct{}) ([]tvSymbol, int) {
	out := make([]tvSymbol, 0, len(records))
	var dropped int
	for _, r := range records {
		if isBlacklisted(r, blacklist) {
			dropped++
			continue
		}
		exchanges := make([]string, len(r.Sources))
		for i, src := range r.Sources {
			exchanges[i] = tvExchange(src)
		}
		out = append(out, tvSymbol{
			Symbol:    strings.TrimSuffix(r.Base+r.Quote, ".P"),
			Exchanges: exchanges,
		})
	}
	return out, dropped
}

func isBlacklisted(r model.Record, blacklist map[string]struct{}) bool {
	for _, key := range []string{r.Symbol, r.Base + r.Quote, r.Base} {
		if _, ok := blacklist[store.NormalizeSymbol(key)]; ok {
			return true
		}
	}
	return false
}

// tvExchange maps a source id to TradingView's exchange prefix.
func tvExchange(src string) string {
	switch {
	case strings.Contains(src, "binance"):
		return "BINANCE"
	case strings.Contains(src, "bybit"):
		return "BYBIT"
	default:
		return strings.ToUpper(src)
	}
}
