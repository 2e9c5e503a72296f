// Package bybit provides a client for the Bybit v5 public market endpoints
// of the linear (USDT perpetual) category.
package bybit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the production API host.
const DefaultBaseURL = "https://api.bybit.com"

// MaxKlineLimit is the largest page the kline endpoint serves.
const MaxKlineLimit = 1000

const category = "linear"

// Return codes that callers branch on.
const (
	CodeRateLimited    = 10006
	CodeIPRateLimited  = 10018
	CodeInvalidSymbol  = 10001
	CodeSymbolNotFound = 110023
)

// Client defines the market data operations used by the screener.
type Client interface {
	// Klines returns candles for symbol starting at start, oldest first.
	Klines(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]Kline, error)
	// Tickers returns the 24h statistics of every linear symbol.
	Tickers(ctx context.Context) ([]Ticker, error)
	// Instruments returns every linear instrument, following pagination.
	Instruments(ctx context.Context) ([]Instrument, error)
}

// Kline is one candle.
type Kline struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Ticker is the 24h summary of one symbol. Change24h is a fraction (0.05 = 5%).
type Ticker struct {
	Symbol     string
	LastPrice  float64
	Change24h  float64
	Volume24h  float64
	Turnover24 float64
}

// Instrument describes one linear contract.
type Instrument struct {
	Symbol       string
	ContractType string
	Status       string
	BaseCoin     string
	QuoteCoin    string
	LaunchTime   time.Time
}

// Perpetual reports whether the instrument is a live perpetual.
func (i Instrument) Perpetual() bool {
	return i.ContractType == "LinearPerpetual" && i.Status == "Trading"
}

// APIError is a non-2xx HTTP answer or a non-zero retCode.
type APIError struct {
	StatusCode int
	RetCode    int
	RetMsg     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit: status %d retCode %d: %s", e.StatusCode, e.RetCode, e.RetMsg)
}

// RateLimited reports whether the error signals request throttling.
func (e *APIError) RateLimited() bool {
	return e.RetCode == CodeRateLimited || e.RetCode == CodeIPRateLimited ||
		e.StatusCode == http.StatusForbidden || e.StatusCode == http.StatusTooManyRequests
}

// Interval maps a screener timeframe (1h, 4h, 1d, ...) to the Bybit
// interval parameter.
func Interval(tf string) (string, error) {
	switch tf {
	case "1m":
		return "1", nil
	case "5m":
		return "5", nil
	case "15m":
		return "15", nil
	case "1h":
		return "60", nil
	case "2h":
		return "120", nil
	case "4h":
		return "240", nil
	case "6h":
		return "360", nil
	case "12h":
		return "720", nil
	case "1d":
		return "D", nil
	case "1w":
		return "W", nil
	}
	return "", eris.Errorf("bybit: unsupported interval %q", tf)
}

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

// NewClient creates a Bybit client.
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
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// get performs the request and returns the "result" object of a successful
// envelope.
func (c *httpClient) get(ctx context.Context, path string, q url.Values) (gjson.Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return gjson.Result{}, err
	}

	u := c.baseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return gjson.Result{}, eris.Wrap(err, "bybit: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, eris.Wrapf(err, "bybit: GET %s", path)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, eris.Wrap(err, "bybit: read response body")
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, &APIError{StatusCode: resp.StatusCode, RetMsg: string(body)}
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, eris.Errorf("bybit: invalid JSON from %s", path)
	}

	env := gjson.ParseBytes(body)
	if code := env.Get("retCode").Int(); code != 0 {
		return gjson.Result{}, &APIError{
			StatusCode: resp.StatusCode,
			RetCode:    int(code),
			RetMsg:     env.Get("retMsg").String(),
		}
	}
	return env.Get("result"), nil
}

func (c *httpClient) Klines(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]Kline, error) {
	iv, err := Interval(interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxKlineLimit {
		limit = MaxKlineLimit
	}
	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", symbol)
	q.Set("interval", iv)
	q.Set("limit", strconv.Itoa(limit))
	if !start.IsZero() {
		q.Set("start", strconv.FormatInt(start.UnixMilli(), 10))
	}

	res, err := c.get(ctx, "/v5/market/kline", q)
	if err != nil {
		return nil, err
	}

	rows := res.Get("list").Array()
	out := make([]Kline, 0, len(rows))
	for _, row := range rows {
		f := row.Array()
		if len(f) < 6 {
			return nil, eris.Errorf("bybit: short kline row for %s: %d fields", symbol, len(f))
		}
		out = append(out, Kline{
			Start:  time.UnixMilli(f[0].Int()).UTC(),
			Open:   f[1].Float(),
			High:   f[2].Float(),
			Low:    f[3].Float(),
			Close:  f[4].Float(),
			Volume: f[5].Float(),
		})
	}
	// The API lists newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (c *httpClient) Tickers(ctx context.Context) ([]Ticker, error) {
	q := url.Values{}
	q.Set("category", category)
	res, err := c.get(ctx, "/v5/market/tickers", q)
	if err != nil {
		return nil, err
	}

	var out []Ticker
	res.Get("list").ForEach(func(_, t gjson.Result) bool {
		out = append(out, Ticker{
			Symbol:     t.Get("symbol").String(),
			LastPrice:  t.Get("lastPrice").Float(),
			Change24h:  t.Get("price24hPcnt").Float(),
			Volume24h:  t.Get("volume24h").Float(),
			Turnover24: t.Get("turnover24h").Float(),
		})
		return true
	})
	return out, nil
}

func (c *httpClient) Instruments(ctx context.Context) ([]Instrument, error) {
	var out []Instrument
	cursor := ""
	for {
		q := url.Values{}
		q.Set("category", category)
		q.Set("limit", "1000")
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		res, err := c.get(ctx, "/v5/market/instruments-info", q)
		if err != nil {
			return nil, err
		}
		res.Get("list").ForEach(func(_, in gjson.Result) bool {
			out = append(out, Instrument{
				Symbol:       in.Get("symbol").String(),
				ContractType: in.Get("contractType").String(),
				Status:       in.Get("status").String(),
				BaseCoin:     in.Get("baseCoin").String(),
				QuoteCoin:    in.Get("quoteCoin").String(),
				LaunchTime:   time.UnixMilli(in.Get("launchTime").Int()).UTC(),
			})
			return true
		})

		next := res.Get("nextPageCursor").String()
		if next == "" || next == cursor {
			return out, nil
		}
		cursor = next
	}
}
