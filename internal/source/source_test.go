package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/screener-cli/internal/model"
	"github.com/sells-group/screener-cli/internal/resilience"
)

func newRegistry(t *testing.T, binanceH, bybitH http.HandlerFunc) *Registry {
	t.Helper()
	opts := Options{BinanceSpacing: time.Nanosecond, BybitSpacing: time.Nanosecond}
	if binanceH != nil {
		srv := httptest.NewServer(binanceH)
		t.Cleanup(srv.Close)
		opts.BinanceBaseURL = srv.URL
	}
	if bybitH != nil {
		srv := httptest.NewServer(bybitH)
		t.Cleanup(srv.Close)
		opts.BybitBaseURL = srv.URL
	}
	r, err := NewDefault([]string{Binance, Bybit}, opts)
	require.NoError(t, err)
	r.nowFunc = func() time.Time { return time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC) }
	return r
}

func TestFetchCatalog_Binance(t *testing.T) {
	t.Parallel()

	r := newRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/fapi/v1/exchangeInfo":
			_, _ = w.Write([]byte(`{"symbols":[
				{"symbol":"BTCUSDT","contractType":"PERPETUAL","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT"},
				{"symbol":"OLDUSDT","contractType":"PERPETUAL","status":"SETTLING","baseAsset":"OLD","quoteAsset":"USDT"}
			]}`))
		case "/fapi/v1/ticker/24hr":
			_, _ = w.Write([]byte(`[
				{"symbol":"BTCUSDT","lastPrice":"90000","priceChangePercent":"2.5","volume":"100","quoteVolume":"9000000"},
				{"symbol":"OLDUSDT","lastPrice":"1","priceChangePercent":"0","volume":"1","quoteVolume":"1"}
			]`))
		default:
			http.NotFound(w, req)
		}
	}, nil)

	got, err := r.FetchCatalog(context.Background(), Binance)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, Binance, got[0].Source)
	assert.Equal(t, "BTC/USDT:USDT", got[0].UnifiedID())
	assert.InDelta(t, 2.5, got[0].ChangePct, 1e-12)
	assert.InDelta(t, 9000000, got[0].QuoteVolume, 1e-6)
}

func TestFetchCatalog_BybitChangeIsPercent(t *testing.T) {
	t.Parallel()

	r := newRegistry(t, nil, func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/v5/market/instruments-info":
			_, _ = w.Write([]byte(`{"retCode":0,"result":{"list":[
				{"symbol":"ETHUSDT","contractType":"LinearPerpetual","status":"Trading","baseCoin":"ETH","quoteCoin":"USDT"}
			]}}`))
		case "/v5/market/tickers":
			_, _ = w.Write([]byte(`{"retCode":0,"result":{"list":[
				{"symbol":"ETHUSDT","lastPrice":"3000","price24hPcnt":"0.05","volume24h":"10","turnover24h":"30000"}
			]}}`))
		}
	})

	got, err := r.FetchCatalog(context.Background(), Bybit)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 5.0, got[0].ChangePct, 1e-9)
	assert.Equal(t, "ETHUSDT", got[0].Symbol)
}

func TestFetchSeries_RequestShape(t *testing.T) {
	t.Parallel()

	r := newRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		assert.Equal(t, "SOLUSDT", q.Get("symbol"))
		assert.Equal(t, "1d", q.Get("interval"))
		assert.Equal(t, "181", q.Get("limit"))
		// 180 days before 2026-03-01 12:30, truncated to the day.
		want := time.Date(2025, 9, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
		assert.Equal(t, want, mustInt(t, q.Get("startTime")))
		_, _ = w.Write([]byte(`[[1756771200000,"1","2","0.5","1.5","10",0,"0",0,"0","0","0"]]`))
	}, nil)

	got, err := r.FetchSeries(context.Background(), Binance, "SOL/USDT:USDT", model.Interval1d, 180*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 1.5, got[0].Close, 1e-12)
}

func TestFetchSeries_ErrorKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		bybit  bool
		want   resilience.Kind
	}{
		{"binance invalid symbol", 400, `{"code":-1121,"msg":"Invalid symbol."}`, false, resilience.KindNotFound},
		{"binance 429", 429, `{"code":-1003,"msg":"Too many requests"}`, false, resilience.KindRateLimited},
		{"binance 418", 418, `{"code":-1003,"msg":"banned"}`, false, resilience.KindRateLimited},
		{"binance 503", 503, `unavailable`, false, resilience.KindUnavailable},
		{"binance maintenance", 400, `{"code":-1000,"msg":"System under maintenance."}`, false, resilience.KindUnavailable},
		{"binance other", 400, `{"code":-1100,"msg":"Illegal characters"}`, false, resilience.KindOther},
		{"bybit rate limit", 200, `{"retCode":10006,"retMsg":"Too many visits"}`, true, resilience.KindRateLimited},
		{"bybit ip limit", 200, `{"retCode":10018,"retMsg":"Out of IP rate limit"}`, true, resilience.KindRateLimited},
		{"bybit 403", 403, `forbidden`, true, resilience.KindRateLimited},
		{"bybit not found", 200, `{"retCode":10001,"retMsg":"params error: symbol invalid"}`, true, resilience.KindNotFound},
		{"bybit 502", 502, `bad gateway`, true, resilience.KindUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}
			var r *Registry
			src := Binance
			if tt.bybit {
				r = newRegistry(t, nil, h)
				src = Bybit
			} else {
				r = newRegistry(t, h, nil)
			}

			_, err := r.FetchSeries(context.Background(), src, "XYZ/USDT:USDT", model.Interval1h, 24*time.Hour)
			require.Error(t, err)
			var ke *resilience.KindError
			require.True(t, errors.As(err, &ke))
			assert.Equal(t, tt.want, ke.Kind)
			assert.Equal(t, tt.want, resilience.Classify(err))
		})
	}
}

func TestFetchSeries_UnknownSource(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.FetchSeries(context.Background(), "kraken", "BTC/USDT:USDT", model.Interval1d, time.Hour)
	require.Error(t, err)
	assert.Equal(t, resilience.KindUnavailable, resilience.Classify(err))

	_, err = NewDefault([]string{"kraken"}, Options{})
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestFetchSeries_LimitCappedToAdapter(t *testing.T) {
	t.Parallel()

	r := newRegistry(t, nil, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "1000", req.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"retCode":0,"result":{"list":[]}}`))
	})
	got, err := r.FetchSeries(context.Background(), Bybit, "BTCUSDT", model.Interval1h, 90*24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCandleLimit(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 721, CandleLimit(model.Interval1h, 30*24*time.Hour))
	assert.Equal(t, 721, CandleLimit(model.Interval2h, 60*24*time.Hour))
	assert.Equal(t, 541, CandleLimit(model.Interval4h, 90*24*time.Hour))
	assert.Equal(t, 111, CandleLimit(model.Interval12h, 55*24*time.Hour))
	assert.Equal(t, 182, CandleLimit(model.Interval1d, 181*24*time.Hour))
	assert.Equal(t, 1, CandleLimit(model.Interval("3h"), time.Hour))
}

func TestNativeSymbol(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "BTCUSDT", NativeSymbol("BTC/USDT:USDT"))
	assert.Equal(t, "BTCUSDT", NativeSymbol("btc/usdt"))
	assert.Equal(t, "ETHUSDT", NativeSymbol("ETHUSDT"))
	assert.Equal(t, "SHIB1000USDT", NativeSymbol("SHIB1000USDT"))
}

func TestFetchSeries_NativeSymbolPassedThrough(t *testing.T) {
	t.Parallel()

	r := newRegistry(t, nil, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "SHIB1000USDT", req.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`{"retCode":0,"result":{"list":[]}}`))
	})
	_, err := r.FetchSeries(context.Background(), Bybit, "SHIB1000USDT", model.Interval1d, 30*24*time.Hour)
	require.NoError(t, err)
}

func mustInt(t *testing.T, s string) int64 {
	t.Helper()
	n, err := strconv.ParseInt(s, 10, 64)
	require.NoError(t, err)
	return n
}
