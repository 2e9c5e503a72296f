// Package source adapts exchange REST clients to the screener's market data
// model and tags every failure with a resilience.Kind.
package source

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/screener-cli/internal/model"
	"github.com/sells-group/screener-cli/internal/resilience"
	"github.com/sells-group/screener-cli/pkg/binance"
	"github.com/sells-group/screener-cli/pkg/bybit"
)

// Source identifiers.
const (
	Binance = "binanceusdm"
	Bybit   = "bybit"
)

// Client fetches market data from named sources.
type Client interface {
	// FetchSeries returns candles covering lookback up to now, oldest first.
	// asset is either a unified id (BTC/USDT:USDT) or a source-native symbol.
	FetchSeries(ctx context.Context, sourceID, asset string, interval model.Interval, lookback time.Duration) (model.Series, error)
	// FetchCatalog returns the 24h ticker of every live perpetual.
	FetchCatalog(ctx context.Context, sourceID string) ([]model.Ticker, error)
}

// Adapter is one exchange behind the registry.
type Adapter interface {
	Series(ctx context.Context, symbol string, interval model.Interval, start time.Time, limit int) (model.Series, error)
	Catalog(ctx context.Context) ([]model.Ticker, error)
	MaxLimit() int
}

// ErrUnknownSource is returned for source ids with no registered adapter.
var ErrUnknownSource = eris.New("source: unknown source")

// Registry dispatches calls to registered adapters.
type Registry struct {
	adapters map[string]Adapter
	nowFunc  func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		nowFunc:  time.Now,
	}
}

// Options configures the exchange adapters built by NewDefault.
type Options struct {
	BinanceBaseURL string
	BybitBaseURL   string
	BinanceSpacing time.Duration
	BybitSpacing   time.Duration
	HTTPTimeout    time.Duration
}

// NewDefault registers the adapters named in ids. Unknown ids are an error.
func NewDefault(ids []string, opts Options) (*Registry, error) {
	hc := &http.Client{Timeout: opts.HTTPTimeout}
	if opts.HTTPTimeout <= 0 {
		hc.Timeout = 30 * time.Second
	}

	r := NewRegistry()
	for _, id := range ids {
		switch id {
		case Binance:
			bopts := []binance.Option{binance.WithHTTPClient(hc)}
			if opts.BinanceBaseURL != "" {
				bopts = append(bopts, binance.WithBaseURL(opts.BinanceBaseURL))
			}
			if opts.BinanceSpacing > 0 {
				bopts = append(bopts, binance.WithRequestSpacing(opts.BinanceSpacing))
			}
			r.Register(id, NewBinanceAdapter(binance.NewClient(bopts...)))
		case Bybit:
			bopts := []bybit.Option{bybit.WithHTTPClient(hc)}
			if opts.BybitBaseURL != "" {
				bopts = append(bopts, bybit.WithBaseURL(opts.BybitBaseURL))
			}
			if opts.BybitSpacing > 0 {
				bopts = append(bopts, bybit.WithRequestSpacing(opts.BybitSpacing))
			}
			r.Register(id, NewBybitAdapter(bybit.NewClient(bopts...)))
		default:
			return nil, eris.Wrapf(ErrUnknownSource, "%q", id)
		}
	}
	return r, nil
}

// Register adds or replaces the adapter for id.
func (r *Registry) Register(id string, a Adapter) {
	r.adapters[id] = a
}

// IDs returns the registered source ids in sorted order.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.adapters[id]
	return ok
}

func (r *Registry) adapter(id string) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, resilience.NewKindError(resilience.KindUnavailable, eris.Wrapf(ErrUnknownSource, "%q", id))
	}
	return a, nil
}

// FetchSeries implements Client.
func (r *Registry) FetchSeries(ctx context.Context, sourceID, asset string, interval model.Interval, lookback time.Duration) (model.Series, error) {
	a, err := r.adapter(sourceID)
	if err != nil {
		return nil, err
	}
	if !interval.Valid() {
		return nil, resilience.NewKindError(resilience.KindOther, eris.Errorf("source: invalid interval %q", interval))
	}

	limit := CandleLimit(interval, lookback)
	if maxLimit := a.MaxLimit(); maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	start := r.nowFunc().Add(-lookback).Truncate(interval.Duration())
	return a.Series(ctx, NativeSymbol(asset), interval, start, limit)
}

// FetchCatalog implements Client.
func (r *Registry) FetchCatalog(ctx context.Context, sourceID string) ([]model.Ticker, error) {
	a, err := r.adapter(sourceID)
	if err != nil {
		return nil, err
	}
	tickers, err := a.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tickers {
		tickers[i].Source = sourceID
	}
	return tickers, nil
}

// CandleLimit is the number of candles needed to cover lookback, including
// the candle in progress.
func CandleLimit(interval model.Interval, lookback time.Duration) int {
	d := interval.Duration()
	if d <= 0 || lookback <= 0 {
		return 1
	}
	return int(lookback/d) + 1
}

// NativeSymbol turns a unified id (BTC/USDT:USDT) into the concatenated
// symbol both supported exchanges use. Native symbols pass through as is.
func NativeSymbol(asset string) string {
	if !strings.ContainsAny(asset, "/:") {
		return asset
	}
	if i := strings.IndexByte(asset, ':'); i >= 0 {
		asset = asset[:i]
	}
	return strings.ToUpper(strings.ReplaceAll(asset, "/", ""))
}
