package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/screener-cli/internal/cache"
	"github.com/sells-group/screener-cli/internal/model"
	"github.com/sells-group/screener-cli/internal/ratelimit"
	"github.com/sells-group/screener-cli/internal/resilience"
	"github.com/sells-group/screener-cli/internal/store"
)

// runner is the part of the conductor the API drives.
type runner interface {
	Run(ctx context.Context) (*model.Run, error)
	Running() bool
}

// runReader is the run log the API reads.
type runReader interface {
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// blacklistReader is the persisted blacklist the API reads.
type blacklistReader interface {
	ListBlacklist(ctx context.Context) ([]store.BlacklistEntry, error)
}

// api serves the read endpoints and the manual trigger.
type api struct {
	// ctx is the server lifetime; triggered runs outlive their request.
	ctx       context.Context
	runner    runner
	records   *cache.Cache[model.Record]
	runs      runReader
	blacklist blacklistReader
	// configBlacklist holds the entries from configuration.
	configBlacklist []string
	budgets         func() []ratelimit.Budget
	breakers        func() map[string]resilience.CircuitState
	metrics         http.Handler

	wg sync.WaitGroup
}

// buildRouter wires the API routes.
func buildRouter(a *api, origins []string) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", a.handleHealth)
	r.Get("/coins", a.handleCoins)
	r.Get("/coins/formatted-symbols", a.handleTradingView)
	r.Get("/coins/{symbol}", a.handleCoin)
	r.Get("/data-quality", a.handleDataQuality)
	r.Get("/blacklist", a.handleBlacklist)
	r.Post("/trigger", a.handleTrigger)
	r.Get("/runs", a.handleRuns)
	r.Get("/runs/{id}", a.handleRun)
	r.Get("/ratelimits", a.handleRateLimits)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}
	return r
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": a.runner != nil && a.runner.Running(),
	})
}

type coinsResponse struct {
	Count    int            `json:"count"`
	LoadedAt *time.Time     `json:"loaded_at,omitempty"`
	Coins    []model.Record `json:"coins"`
}

// handleCoins lists the cached records. Query: reload, category, limit.
func (a *api) handleCoins(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reload, _ := strconv.ParseBool(q.Get("reload"))

	category, err := queryInt(q.Get("category"), 0)
	if err != nil || category < 0 || category > 6 {
		writeError(w, http.StatusBadRequest, "category must be 1-6")
		return
	}
	limit, err := queryInt(q.Get("limit"), 0)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	snap := a.records.Get(r.Context(), reload, 0)
	coins := make([]model.Record, 0, len(snap.Records))
	for _, rec := range snap.Records {
		if category > 0 && rec.Category != category {
			continue
		}
		coins = append(coins, rec)
		if limit > 0 && len(coins) == limit {
			break
		}
	}

	resp := coinsResponse{Count: len(coins), Coins: coins}
	if snap.Loaded() {
		loaded := snap.LoadedAt
		resp.LoadedAt = &loaded
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCoin returns one record by unified id, native symbol or base asset.
func (a *api) handleCoin(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid symbol")
		return
	}
	want := store.NormalizeSymbol(raw)
	snap := a.records.Get(r.Context(), false, 0)
	for _, rec := range snap.Records {
		if matchesSymbol(rec, want) {
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	writeError(w, http.StatusNotFound, "coin not found")
}

func matchesSymbol(rec model.Record, want string) bool {
	return rec.Symbol == want || rec.Base+rec.Quote == want || rec.Base == want
}

// handleDataQuality reports, per metric, the cached symbols missing it.
func (a *api) handleDataQuality(w http.ResponseWriter, r *http.Request) {
	snap := a.records.Get(r.Context(), false, 0)
	if len(snap.Records) == 0 {
		writeError(w, http.StatusNotFound, "no data available in cache")
		return
	}
	writeJSON(w, http.StatusOK, buildDataQualityReport(snap.Records))
}

// handleTradingView lists the cached records as TradingView symbols,
// without blacklisted assets.
func (a *api) handleTradingView(w http.ResponseWriter, r *http.Request) {
	snap := a.records.Get(r.Context(), false, 0)
	if len(snap.Records) == 0 {
		writeError(w, http.StatusNotFound, "no data available in cache")
		return
	}
	entries, err := a.listBlacklist(r.Context())
	if err != nil {
		zap.L().Warn("api: blacklist unavailable, using configured entries only", zap.Error(err))
	}
	set := make(map[string]struct{}, len(entries)+len(a.configBlacklist))
	for _, e := range entries {
		set[store.NormalizeSymbol(e.Symbol)] = struct{}{}
	}
	for _, sym := range a.configBlacklist {
		set[store.NormalizeSymbol(sym)] = struct{}{}
	}

	symbols, dropped := tradingViewSymbols(snap.Records, set)
	if dropped > 0 {
		zap.L().Debug("api: blacklisted symbols left out", zap.Int("count", dropped))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(symbols),
		"blacklisted": dropped,
		"data":        symbols,
	})
}

type blacklistItem struct {
	Symbol  string     `json:"symbol"`
	Origin  string     `json:"origin"`
	Reason  string     `json:"reason,omitempty"`
	AddedAt *time.Time `json:"added_at,omitempty"`
}

// handleBlacklist lists the persisted and configured blacklist entries.
func (a *api) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	entries, err := a.listBlacklist(r.Context())
	if err != nil {
		zap.L().Error("api: list blacklist", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list blacklist")
		return
	}
	items := make([]blacklistItem, 0, len(entries)+len(a.configBlacklist))
	for _, e := range entries {
		added := e.AddedAt
		items = append(items, blacklistItem{Symbol: e.Symbol, Origin: "store", Reason: e.Reason, AddedAt: &added})
	}
	for _, sym := range a.configBlacklist {
		items = append(items, blacklistItem{Symbol: store.NormalizeSymbol(sym), Origin: "config"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(items), "blacklist": items})
}

func (a *api) listBlacklist(ctx context.Context) ([]store.BlacklistEntry, error) {
	if a.blacklist == nil {
		return nil, nil
	}
	return a.blacklist.ListBlacklist(ctx)
}

// handleTrigger starts a run in the background.
func (a *api) handleTrigger(w http.ResponseWriter, _ *http.Request) {
	if a.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not configured")
		return
	}
	if a.runner.Running() {
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}
	a.startRun()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleRuns lists the run log. Query: status, limit, offset.
func (a *api) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), 50)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be a positive integer")
		return
	}

	runs, err := a.runs.ListRuns(r.Context(), store.RunFilter{
		Status: model.RunStatus(strings.ToLower(q.Get("status"))),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		zap.L().Error("api: list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(runs), "runs": runs})
}

func (a *api) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	switch {
	case eris.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case err != nil:
		zap.L().Error("api: get run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
	default:
		writeJSON(w, http.StatusOK, run)
	}
}

// handleRateLimits reports every source's budget window and breaker state.
func (a *api) handleRateLimits(w http.ResponseWriter, _ *http.Request) {
	budgets := []ratelimit.Budget{}
	if a.budgets != nil {
		budgets = a.budgets()
	}
	breakers := make(map[string]string)
	if a.breakers != nil {
		for src, st := range a.breakers() {
			breakers[src] = st.String()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"budgets":  budgets,
		"breakers": breakers,
	})
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
