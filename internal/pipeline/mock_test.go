package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/mock"

	"github.com/sells-group/screener-cli/internal/model"
	"github.com/sells-group/screener-cli/internal/resilience"
	"github.com/sells-group/screener-cli/internal/source"
	"github.com/sells-group/screener-cli/internal/store"
)

// --- Sink Mock ---

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Persist(ctx context.Context, records []model.Record) (int, error) {
	args := m.Called(ctx, records)
	return args.Int(0), args.Error(1)
}

func (m *mockSink) SaveRun(ctx context.Context, run *model.Run) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *mockSink) ListBlacklist(ctx context.Context) ([]store.BlacklistEntry, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.BlacklistEntry), args.Error(1)
}

// --- Source Fake ---

const (
	srcA = source.Binance
	srcB = source.Bybit

	refSymbol = "BTC/USDT:USDT"
)

// seriesFunc answers one FetchSeries call for a catalog asset.
type seriesFunc func(ctx context.Context, src string, idx int, tf model.Interval, lookback time.Duration) (model.Series, error)

// fakeSource serves numbered assets C000/USDT:USDT... from in-memory catalogs.
type fakeSource struct {
	mu       sync.Mutex
	catalogs map[string][]model.Ticker
	catErr   map[string]error
	refErr   error
	series   seriesFunc

	seriesCalls  atomic.Int32
	catalogCalls atomic.Int32
	// requested counts FetchSeries calls per source and symbol.
	requested map[string]int
}

func assetID(i int) string { return model.UnifiedID(assetBase(i), "USDT") }

func assetBase(i int) string { return fmt.Sprintf("C%03d", i) }

// assetIndex parses the number out of a unified id or a native symbol.
func assetIndex(id string) int {
	var i int
	if _, err := fmt.Sscanf(id, "C%03d", &i); err != nil {
		return -1
	}
	return i
}

// newFakeSource lists n assets on every given source with volumes rising
// by index.
func newFakeSource(n int, sources ...string) *fakeSource {
	f := &fakeSource{
		catalogs:  make(map[string][]model.Ticker),
		catErr:    make(map[string]error),
		requested: make(map[string]int),
	}
	for _, src := range sources {
		for i := 0; i < n; i++ {
			f.catalogs[src] = append(f.catalogs[src], model.Ticker{
				Symbol:      assetBase(i) + "USDT",
				Base:        assetBase(i),
				Quote:       "USDT",
				LastPrice:   float64(10 + i),
				ChangePct:   1.5,
				BaseVolume:  1000,
				QuoteVolume: 5_000_000 + float64(i)*100_000,
			})
		}
	}
	f.series = func(_ context.Context, _ string, _ int, tf model.Interval, lookback time.Duration) (model.Series, error) {
		return synthSeries(source.CandleLimit(tf, lookback), tf), nil
	}
	return f
}

func (f *fakeSource) FetchCatalog(_ context.Context, sourceID string) ([]model.Ticker, error) {
	f.catalogCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.catErr[sourceID]; err != nil {
		return nil, err
	}
	tickers, ok := f.catalogs[sourceID]
	if !ok {
		return nil, resilience.NewKindError(resilience.KindUnavailable, eris.Errorf("unknown source %s", sourceID))
	}
	out := make([]model.Ticker, len(tickers))
	copy(out, tickers)
	for i := range out {
		out[i].Source = sourceID
	}
	return out, nil
}

func (f *fakeSource) FetchSeries(ctx context.Context, sourceID, asset string, tf model.Interval, lookback time.Duration) (model.Series, error) {
	f.seriesCalls.Add(1)
	f.mu.Lock()
	f.requested[sourceID+" "+asset]++
	f.mu.Unlock()
	if asset == refSymbol {
		if f.refErr != nil {
			return nil, f.refErr
		}
		return synthSeries(source.CandleLimit(tf, lookback), tf), nil
	}
	return f.series(ctx, sourceID, assetIndex(asset), tf, lookback)
}

// synthSeries builds n candles with a wavy upward trend so every statistic
// has something to chew on.
func synthSeries(n int, tf model.Interval) model.Series {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make(model.Series, n)
	for i := range out {
		c := 100 + 10*math.Sin(float64(i)/3) + float64(i)*0.1 + 2*math.Cos(float64(i)*1.7)
		out[i] = model.Candle{
			OpenTime: start.Add(time.Duration(i) * tf.Duration()),
			Open:     c - 0.5,
			High:     c + 1,
			Low:      c - 1,
			Close:    c,
			Volume:   1000 + float64(i%7)*10,
		}
	}
	return out
}

func notFound(src string, idx int) error {
	return resilience.NewKindError(resilience.KindNotFound, eris.Errorf("%s: no symbol %s", src, assetID(idx)))
}
