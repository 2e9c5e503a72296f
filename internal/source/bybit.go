package source

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/screener-cli/internal/model"
	"github.com/sells-group/screener-cli/internal/resilience"
	"github.com/sells-group/screener-cli/pkg/bybit"
)

// BybitAdapter serves linear USDT perpetuals.
type BybitAdapter struct {
	client bybit.Client
}

// NewBybitAdapter wraps a bybit client.
func NewBybitAdapter(c bybit.Client) *BybitAdapter {
	return &BybitAdapter{client: c}
}

func (a *BybitAdapter) MaxLimit() int { return bybit.MaxKlineLimit }

func (a *BybitAdapter) Series(ctx context.Context, symbol string, interval model.Interval, start time.Time, limit int) (model.Series, error) {
	rows, err := a.client.Klines(ctx, symbol, string(interval), start, limit)
	if err != nil {
		return nil, classifyBybit(err)
	}
	out := make(model.Series, len(rows))
	for i, k := range rows {
		out[i] = model.Candle{
			OpenTime: k.Start,
			Open:     k.Open,
			High:     k.High,
			Low:      k.Low,
			Close:    k.Close,
			Volume:   k.Volume,
		}
	}
	return out, nil
}

func (a *BybitAdapter) Catalog(ctx context.Context) ([]model.Ticker, error) {
	instruments, err := a.client.Instruments(ctx)
	if err != nil {
		return nil, classifyBybit(err)
	}
	tickers, err := a.client.Tickers(ctx)
	if err != nil {
		return nil, classifyBybit(err)
	}

	perps := make(map[string]bybit.Instrument, len(instruments))
	for _, in := range instruments {
		if in.Perpetual() {
			perps[in.Symbol] = in
		}
	}

	out := make([]model.Ticker, 0, len(perps))
	for _, t := range tickers {
		in, ok := perps[t.Symbol]
		if !ok {
			continue
		}
		out = append(out, model.Ticker{
			Source:      Bybit,
			Symbol:      t.Symbol,
			Base:        in.BaseCoin,
			Quote:       in.QuoteCoin,
			LastPrice:   t.LastPrice,
			ChangePct:   t.Change24h * 100,
			BaseVolume:  t.Volume24h,
			QuoteVolume: t.Turnover24,
		})
	}
	return out, nil
}

func classifyBybit(err error) error {
	var apiErr *bybit.APIError
	if !errors.As(err, &apiErr) {
		return resilience.NewKindError(resilience.Classify(err), err)
	}

	kind := resilience.KindFromHTTPStatus(apiErr.StatusCode)
	msg := strings.ToLower(apiErr.RetMsg)
	switch {
	case apiErr.RateLimited():
		kind = resilience.KindRateLimited
	case apiErr.RetCode == bybit.CodeSymbolNotFound,
		apiErr.RetCode == bybit.CodeInvalidSymbol && strings.Contains(msg, "symbol"):
		kind = resilience.KindNotFound
	case strings.Contains(msg, "maintenance"):
		kind = resilience.KindUnavailable
	}
	return &resilience.KindError{
		Kind:       kind,
		StatusCode: apiErr.StatusCode,
		Err:        eris.Wrap(err, "bybit"),
	}
}
