package main

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/screener-cli/internal/cache"
	"github.com/sells-group/screener-cli/internal/model"
	"github.com/sells-group/screener-cli/internal/observability"
	"github.com/sells-group/screener-cli/internal/pipeline"
	"github.com/sells-group/screener-cli/internal/ratelimit"
	"github.com/sells-group/screener-cli/internal/resilience"
	"github.com/sells-group/screener-cli/internal/store"
)

type fakeRunner struct {
	running atomic.Bool
	calls   atomic.Int32
	done    chan struct{}
}

func (f *fakeRunner) Run(context.Context) (*model.Run, error) {
	f.calls.Add(1)
	defer func() {
		if f.done != nil {
			f.done <- struct{}{}
		}
	}()
	if f.running.Load() {
		return nil, pipeline.ErrRunInProgress
	}
	return &model.Run{ID: "run-x", Status: model.RunStatusComplete}, nil
}

func (f *fakeRunner) Running() bool { return f.running.Load() }

func testRecords() []model.Record {
	return []model.Record{
		{Symbol: "BTC/USDT:USDT", Base: "BTC", Quote: "USDT", Source: "binanceusdm", Volume24h: 9e9, Category: 6},
		{Symbol: "ETH/USDT:USDT", Base: "ETH", Quote: "USDT", Source: "binanceusdm", Volume24h: 5e9, Category: 5},
		{Symbol: "DOGE/USDT:USDT", Base: "DOGE", Quote: "USDT", Source: "bybit", Volume24h: 1e8, Category: 1},
	}
}

func newTestAPI(t *testing.T) (*api, *store.MemoryStore, *fakeRunner) {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemory()
	_, err := st.Persist(ctx, testRecords())
	require.NoError(t, err)
	require.NoError(t, st.SaveRun(ctx, &model.Run{ID: "run-1", Status: model.RunStatusComplete, StartedAt: time.Now()}))

	gov := ratelimit.New(ratelimit.DefaultConfig())
	require.NoError(t, gov.Acquire(ctx, "bybit", 3))
	br := resilience.NewBreakers(0)
	br.Trip("bybit", assert.AnError)

	r := &fakeRunner{}
	a := &api{
		ctx:       ctx,
		runner:    r,
		records:   cache.New[model.Record](st.LoadAll, time.Minute),
		runs:      st,
		blacklist: st,
		budgets:   gov.Stats,
		breakers:  br.States,
		metrics:   observability.New(prometheus.NewRegistry()).Handler(),
	}
	return a, st, r
}

func serve(t *testing.T, a *api, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	buildRouter(a, nil).ServeHTTP(rr, req)
	return rr
}

func TestAPI_Health(t *testing.T) {
	t.Parallel()
	a, _, r := newTestAPI(t)
	r.running.Store(true)

	rr := serve(t, a, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["running"])
}

func TestAPI_Coins(t *testing.T) {
	t.Parallel()
	a, _, _ := newTestAPI(t)

	rr := serve(t, a, http.MethodGet, "/coins")
	require.Equal(t, http.StatusOK, rr.Code)

	var body coinsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Count)
	require.NotNil(t, body.LoadedAt)
	assert.Equal(t, "BTC/USDT:USDT", body.Coins[0].Symbol)
}

func TestAPI_CoinsFilters(t *testing.T) {
	t.Parallel()
	a, _, _ := newTestAPI(t)

	rr := serve(t, a, http.MethodGet, "/coins?category=1")
	require.Equal(t, http.StatusOK, rr.Code)
	var body coinsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "DOGE", body.Coins[0].Base)

	rr = serve(t, a, http.MethodGet, "/coins?limit=2")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)

	assert.Equal(t, http.StatusBadRequest, serve(t, a, http.MethodGet, "/coins?category=9").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, a, http.MethodGet, "/coins?limit=abc").Code)
}

func TestAPI_CoinsServesCacheUntilReload(t *testing.T) {
	t.Parallel()
	a, st, _ := newTestAPI(t)

	var body coinsResponse
	rr := serve(t, a, http.MethodGet, "/coins")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, 3, body.Count)

	_, err := st.Persist(context.Background(), testRecords()[:1])
	require.NoError(t, err)

	rr = serve(t, a, http.MethodGet, "/coins")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Count)

	rr = serve(t, a, http.MethodGet, "/coins?reload=true")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
}

func TestAPI_CoinsEmptyStore(t *testing.T) {
	t.Parallel()
	a, _, _ := newTestAPI(t)
	a.records = cache.New[model.Record](store.NewMemory().LoadAll, time.Minute)

	rr := serve(t, a, http.MethodGet, "/coins")
	require.Equal(t, http.StatusOK, rr.Code)
	var body coinsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Zero(t, body.Count)
	assert.Nil(t, body.LoadedAt)
	assert.NotNil(t, body.Coins)
}

func TestAPI_Coin(t *testing.T) {
	t.Parallel()
	a, _, _ := newTestAPI(t)

	for _, sym := range []string{"ETH%2FUSDT:USDT", "ethusdt", "ETH"} {
		rr := serve(t, a, http.MethodGet, "/coins/"+sym)
		require.Equal(t, http.StatusOK, rr.Code, sym)
		var rec model.Record
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
		assert.Equal(t, "ETH/USDT:USDT", rec.Symbol)
	}

	assert.Equal(t, http.StatusNotFound, serve(t, a, http.MethodGet, "/coins/NOPE").Code)
}

func TestAPI_Trigger(t *testing.T) {
	t.Parallel()
	a, _, r := newTestAPI(t)
	r.done = make(chan struct{}, 1)

	rr := serve(t, a, http.MethodPost, "/trigger")
	assert.Equal(t, http.StatusAccepted, rr.Code)

	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("triggered run did not start")
	}
	a.wait()
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestAPI_TriggerWhileRunning(t *testing.T) {
	t.Parallel()
	a, _, r := newTestAPI(t)
	r.running.Store(true)

	rr := serve(t, a, http.MethodPost, "/trigger")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Zero(t, r.calls.Load())
}

func TestAPI_Runs(t *testing.T) {
	t.Parallel()
	a, _, _ := newTestAPI(t)

	rr := serve(t, a, http.MethodGet, "/runs")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Count int         `json:"count"`
		Runs  []model.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)

	rr = serve(t, a, http.MethodGet, "/runs?status=failed")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Zero(t, body.Count)
	assert.NotNil(t, body.Runs)

	assert.Equal(t, http.StatusBadRequest, serve(t, a, http.MethodGet, "/runs?offset=-1").Code)
}

func TestAPI_Run(t *testing.T) {
	t.Parallel()
	a, _, _ := newTestAPI(t)

	rr := serve(t, a, http.MethodGet, "/runs/run-1")
	require.Equal(t, http.StatusOK, rr.Code)
	var run model.Run
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &run))
	assert.Equal(t, model.RunStatusComplete, run.Status)

	assert.Equal(t, http.StatusNotFound, serve(t, a, http.MethodGet, "/runs/missing").Code)
}

func TestAPI_RateLimits(t *testing.T) {
	t.Parallel()
	a, _, _ := newTestAPI(t)

	rr := serve(t, a, http.MethodGet, "/ratelimits")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Budgets  []ratelimit.Budget `json:"budgets"`
		Breakers map[string]string  `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Budgets, 1)
	assert.Equal(t, "bybit", body.Budgets[0].Source)
	assert.Equal(t, 3, body.Budgets[0].Used)
	assert.Equal(t, resilience.CircuitOpen.String(), body.Breakers["bybit"])
}

func TestAPI_Metrics(t *testing.T) {
	t.Parallel()
	a, _, _ := newTestAPI(t)

	rr := serve(t, a, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAPI_CORS(t *testing.T) {
	t.Parallel()
	a, _, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	rr := httptest.NewRecorder()
	buildRouter(a, []string{"https://dash.example.com"}).ServeHTTP(rr, req)

	assert.Equal(t, "https://dash.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRunOnce_SkipsOverlap(t *testing.T) {
	t.Parallel()
	a, _, r := newTestAPI(t)
	r.running.Store(true)

	a.runOnce()
	assert.Equal(t, int32(1), r.calls.Load())
}

type failingBlacklist struct{}

func (failingBlacklist) ListBlacklist(context.Context) ([]store.BlacklistEntry, error) {
	return nil, errors.New("db down")
}

func staticRecords(records []model.Record) *cache.Cache[model.Record] {
	return cache.New[model.Record](func(context.Context) ([]model.Record, error) {
		return records, nil
	}, time.Minute)
}

func TestAPI_Blacklist(t *testing.T) {
	t.Parallel()
	a, st, _ := newTestAPI(t)
	added := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
	require.NoError(t, st.AddBlacklist(context.Background(), store.BlacklistEntry{Symbol: "LUNA", Reason: "delisted", AddedAt: added}))
	a.configBlacklist = []string{"ftt"}

	rr := serve(t, a, http.MethodGet, "/blacklist")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Count     int             `json:"count"`
		Blacklist []blacklistItem `json:"blacklist"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Blacklist, 2)
	assert.Equal(t, "LUNA", body.Blacklist[0].Symbol)
	assert.Equal(t, "store", body.Blacklist[0].Origin)
	assert.Equal(t, "delisted", body.Blacklist[0].Reason)
	require.NotNil(t, body.Blacklist[0].AddedAt)
	assert.True(t, added.Equal(*body.Blacklist[0].AddedAt))
	assert.Equal(t, blacklistItem{Symbol: "FTT", Origin: "config"}, body.Blacklist[1])
}

func TestAPI_BlacklistStoreError(t *testing.T) {
	t.Parallel()
	a, _, _ := newTestAPI(t)
	a.blacklist = failingBlacklist{}

	rr := serve(t, a, http.MethodGet, "/blacklist")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestAPI_TradingViewSymbols(t *testing.T) {
	t.Parallel()
	a, st, _ := newTestAPI(t)
	a.records = staticRecords([]model.Record{
		{Symbol: "BTC/USDT:USDT", Base: "BTC", Quote: "USDT", Sources: []string{"binanceusdm", "bybit"}},
		{Symbol: "ETH/USDT:USDT", Base: "ETH", Quote: "USDT", Sources: []string{"binanceusdm"}},
		{Symbol: "DOGE/USDT:USDT", Base: "DOGE", Quote: "USDT", Sources: []string{"bybit"}},
	})
	require.NoError(t, st.AddBlacklist(context.Background(), store.BlacklistEntry{Symbol: "DOGEUSDT"}))
	a.configBlacklist = []string{"eth"}

	rr := serve(t, a, http.MethodGet, "/coins/formatted-symbols")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Count       int        `json:"count"`
		Blacklisted int        `json:"blacklisted"`
		Data        []tvSymbol `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, 2, body.Blacklisted)
	assert.Equal(t, []tvSymbol{{Symbol: "BTCUSDT", Exchanges: []string{"BINANCE", "BYBIT"}}}, body.Data)
}

func TestAPI_TradingViewSymbolsBlacklistDown(t *testing.T) {
	t.Parallel()
	a, _, _ := newTestAPI(t)
	a.blacklist = failingBlacklist{}
	a.configBlacklist = []string{"BTC"}

	rr := serve(t, a, http.MethodGet, "/coins/formatted-symbols")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"count":2`)
	assert.NotContains(t, rr.Body.String(), "BTCUSDT")
}

func TestAPI_DataQuality(t *testing.T) {
	t.Parallel()
	a, _, _ := newTestAPI(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.records = staticRecords([]model.Record{
		{Symbol: "ETH/USDT:USDT", Metrics: map[string]float64{"volatility_1d": 2}, AnalyzedAt: at},
		{Symbol: "BTC/USDT:USDT", Metrics: map[string]float64{"volatility_1d": 1, "hurst_1d": 0.5}, AnalyzedAt: at},
		{Symbol: "DOGE/USDT:USDT", Metrics: map[string]float64{"volatility_1d": math.NaN()}, AnalyzedAt: at},
	})

	rr := serve(t, a, http.MethodGet, "/data-quality")
	require.Equal(t, http.StatusOK, rr.Code)

	var rep dataQualityReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rep))
	assert.Equal(t, 3, rep.TotalCoins)
	assert.Equal(t, 2, rep.Incomplete)
	assert.Equal(t, 2, rep.MetricsFound)
	require.NotNil(t, rep.AnalyzedAt)
	assert.True(t, at.Equal(*rep.AnalyzedAt))
	assert.Equal(t, []string{"BTC/USDT:USDT", "DOGE/USDT:USDT", "ETH/USDT:USDT"}, rep.Symbols)
	assert.Equal(t, map[string][]string{
		"hurst_1d":      {"DOGE/USDT:USDT", "ETH/USDT:USDT"},
		"volatility_1d": {"DOGE/USDT:USDT"},
	}, rep.Missing)
}

func TestAPI_ReportsNeedCachedData(t *testing.T) {
	t.Parallel()
	a, _, _ := newTestAPI(t)
	a.records = staticRecords(nil)

	assert.Equal(t, http.StatusNotFound, serve(t, a, http.MethodGet, "/data-quality").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, a, http.MethodGet, "/coins/formatted-symbols").Code)
}
