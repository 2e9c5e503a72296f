package model

import (
	"strings"
	"time"
)

// Interval is a candle timeframe understood by every source adapter.
type Interval string

const (
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
)

// Duration returns the wall-clock length of one candle.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1h:
		return time.Hour
	case Interval2h:
		return 2 * time.Hour
	case Interval4h:
		return 4 * time.Hour
	case Interval12h:
		return 12 * time.Hour
	case Interval1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether the interval is one of the supported timeframes.
func (i Interval) Valid() bool {
	return i.Duration() > 0
}

// Candle is one OHLCV row.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Series is an ordered (oldest first) list of candles.
type Series []Candle

// Closes returns the close prices of the series.
func (s Series) Closes() []float64 {
	out := make([]float64, len(s))
	for i, c := range s {
		out[i] = c.Close
	}
	return out
}

// Bundle holds one series per timeframe for a single asset.
type Bundle map[Interval]Series

// Ticker is a 24h market summary reported by one source.
type Ticker struct {
	Source      string  `json:"source"`
	Symbol      string  `json:"symbol"` // source-native symbol, e.g. BTCUSDT
	Base        string  `json:"base"`
	Quote       string  `json:"quote"`
	Name        string  `json:"name,omitempty"`
	LastPrice   float64 `json:"last_price"`
	ChangePct   float64 `json:"change_pct"`
	BaseVolume  float64 `json:"base_volume"`
	QuoteVolume float64 `json:"quote_volume"`
}

// UnifiedID returns the cross-source identifier for a linear perpetual, e.g.
// BTC/USDT:USDT.
func (t Ticker) UnifiedID() string {
	return UnifiedID(t.Base, t.Quote)
}

// UnifiedID builds the cross-source identifier for a base/quote pair.
func UnifiedID(base, quote string) string {
	base = strings.ToUpper(strings.TrimSpace(base))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	return base + "/" + quote + ":" + quote
}

// Candidate is a tradable asset that survived discovery. Later stages wrap it
// rather than modify it.
type Candidate struct {
	ID         string   `json:"id"`
	Base       string   `json:"base"`
	Quote      string   `json:"quote"`
	Name       string   `json:"name"`
	PriceUSD   float64  `json:"price_usd"`
	Volume24h  float64  `json:"volume_24h_usd"`
	BaseVolume float64  `json:"base_volume_24h"`
	Change24h  float64  `json:"change_24h"`
	Sources    []string `json:"sources"`
	LogoURL    string   `json:"logo_url,omitempty"`

	// Native maps source id to the source-native symbol.
	Native map[string]string `json:"native"`
	// VolumeBySource maps source id to that source's 24h quote volume.
	VolumeBySource map[string]float64 `json:"volume_by_source,omitempty"`
}

// ServedBy reports whether the given source lists this candidate.
func (c Candidate) ServedBy(source string) bool {
	for _, s := range c.Sources {
		if s == source {
			return true
		}
	}
	return false
}

// NativeSymbol returns the source-native symbol, falling back to BASEQUOTE.
func (c Candidate) NativeSymbol(source string) string {
	if s, ok := c.Native[source]; ok && s != "" {
		return s
	}
	return c.Base + c.Quote
}
