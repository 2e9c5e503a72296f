package source

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/screener-cli/internal/model"
	"github.com/sells-group/screener-cli/internal/resilience"
	"github.com/sells-group/screener-cli/pkg/binance"
)

// BinanceAdapter serves USDⓈ-M perpetuals.
type BinanceAdapter struct {
	client binance.Client
}

// NewBinanceAdapter wraps a binance client.
func NewBinanceAdapter(c binance.Client) *BinanceAdapter {
	return &BinanceAdapter{client: c}
}

func (a *BinanceAdapter) MaxLimit() int { return binance.MaxKlineLimit }

func (a *BinanceAdapter) Series(ctx context.Context, symbol string, interval model.Interval, start time.Time, limit int) (model.Series, error) {
	rows, err := a.client.Klines(ctx, symbol, string(interval), start, limit)
	if err != nil {
		return nil, classifyBinance(err)
	}
	out := make(model.Series, len(rows))
	for i, k := range rows {
		out[i] = model.Candle{
			OpenTime: k.OpenTime,
			Open:     k.Open,
			High:     k.High,
			Low:      k.Low,
			Close:    k.Close,
			Volume:   k.Volume,
		}
	}
	return out, nil
}

func (a *BinanceAdapter) Catalog(ctx context.Context) ([]model.Ticker, error) {
	info, err := a.client.ExchangeInfo(ctx)
	if err != nil {
		return nil, classifyBinance(err)
	}
	tickers, err := a.client.Tickers(ctx)
	if err != nil {
		return nil, classifyBinance(err)
	}

	perps := make(map[string]binance.SymbolInfo, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Perpetual() {
			perps[s.Symbol] = s
		}
	}

	out := make([]model.Ticker, 0, len(perps))
	for _, t := range tickers {
		s, ok := perps[t.Symbol]
		if !ok {
			continue
		}
		out = append(out, model.Ticker{
			Source:      Binance,
			Symbol:      t.Symbol,
			Base:        s.BaseAsset,
			Quote:       s.QuoteAsset,
			LastPrice:   parseFloat(t.LastPrice),
			ChangePct:   parseFloat(t.PriceChangePercent),
			BaseVolume:  parseFloat(t.Volume),
			QuoteVolume: parseFloat(t.QuoteVolume),
		})
	}
	return out, nil
}

func classifyBinance(err error) error {
	var apiErr *binance.APIError
	if !errors.As(err, &apiErr) {
		return resilience.NewKindError(resilience.Classify(err), err)
	}

	kind := resilience.KindFromHTTPStatus(apiErr.StatusCode)
	switch {
	case apiErr.Code == binance.CodeInvalidSymbol:
		kind = resilience.KindNotFound
	case apiErr.Code == binance.CodeTooManyReqs:
		kind = resilience.KindRateLimited
	case strings.Contains(strings.ToLower(apiErr.Msg), "maintenance"):
		kind = resilience.KindUnavailable
	case apiErr.StatusCode == http.StatusForbidden:
		// WAF ban answers 403 before the IP is auto-banned with 418.
		kind = resilience.KindRateLimited
	}
	return &resilience.KindError{
		Kind:       kind,
		StatusCode: apiErr.StatusCode,
		Err:        eris.Wrap(err, "binance"),
	}
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
