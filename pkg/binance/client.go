// Package binance provides a client for the Binance USDⓈ-M futures public
// market data REST API.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the production futures API host.
const DefaultBaseURL = "https://fapi.binance.com"

// MaxKlineLimit is the largest page the klines endpoint serves.
const MaxKlineLimit = 1500

// Client defines the market data operations used by the screener.
type Client interface {
	// Klines returns candles for symbol starting at start, oldest first.
	Klines(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]Kline, error)
	// Tickers returns the 24h statistics of every symbol.
	Tickers(ctx context.Context) ([]Ticker, error)
	// ExchangeInfo returns the symbol catalog.
	ExchangeInfo(ctx context.Context) (*ExchangeInfo, error)
}

// Kline is one candle.
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Ticker is the 24h rolling window statistics of a symbol.
type Ticker struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
}

// ExchangeInfo is the futures symbol catalog.
type ExchangeInfo struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo describes one futures contract.
type SymbolInfo struct {
	Symbol       string `json:"symbol"`
	Pair         string `json:"pair"`
	ContractType string `json:"contractType"`
	Status       string `json:"status"`
	BaseAsset    string `json:"baseAsset"`
	QuoteAsset   string `json:"quoteAsset"`
	MarginAsset  string `json:"marginAsset"`
	OnboardDate  int64  `json:"onboardDate"`
}

// Perpetual reports whether the contract is a live perpetual.
func (s SymbolInfo) Perpetual() bool {
	return s.ContractType == "PERPETUAL" && s.Status == "TRADING"
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: status %d code %d: %s", e.StatusCode, e.Code, e.Msg)
}

// Error codes that callers branch on.
const (
	CodeInvalidSymbol = -1121
	CodeTooManyReqs   = -1003
)

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRequestSpacing sets the minimum interval between requests.
func WithRequestSpacing(d time.Duration) Option {
	return func(c *httpClient) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Binance futures client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: DefaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Every(250*time.Millisecond), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrap(err, "binance: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "binance: GET %s", path)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "binance: read response body")
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil || apiErr.Msg == "" {
			apiErr.Msg = string(body)
		}
		return nil, apiErr
	}
	return body, nil
}

func (c *httpClient) Klines(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]Kline, error) {
	if limit <= 0 || limit > MaxKlineLimit {
		limit = MaxKlineLimit
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	if !start.IsZero() {
		q.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}

	body, err := c.get(ctx, "/fapi/v1/klines", q)
	if err != nil {
		return nil, err
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, eris.Wrap(err, "binance: parse klines")
	}
	out := make([]Kline, 0, len(rows))
	for _, row := range rows {
		k, err := parseKline(row)
		if err != nil {
			return nil, eris.Wrapf(err, "binance: parse kline for %s", symbol)
		}
		out = append(out, k)
	}
	return out, nil
}

// parseKline reads [openTime, "open", "high", "low", "close", "volume", ...].
func parseKline(row []json.RawMessage) (Kline, error) {
	if len(row) < 6 {
		return Kline{}, eris.Errorf("short kline row: %d fields", len(row))
	}
	var openMs int64
	if err := json.Unmarshal(row[0], &openMs); err != nil {
		return Kline{}, err
	}
	vals := make([]float64, 5)
	for i := range vals {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return Kline{}, err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Kline{}, err
		}
		vals[i] = f
	}
	return Kline{
		OpenTime: time.UnixMilli(openMs).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}

func (c *httpClient) Tickers(ctx context.Context) ([]Ticker, error) {
	body, err := c.get(ctx, "/fapi/v1/ticker/24hr", nil)
	if err != nil {
		return nil, err
	}
	var out []Ticker
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "binance: parse tickers")
	}
	return out, nil
}

func (c *httpClient) ExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	body, err := c.get(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	var out ExchangeInfo
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "binance: parse exchange info")
	}
	return &out, nil
}
