package model

import "time"

// Record is one analysed asset as handed to the result sink and served by
// the read API.
type Record struct {
	Symbol     string             `json:"symbol"`
	Base       string             `json:"base"`
	Quote      string             `json:"quote"`
	Name       string             `json:"name"`
	Source     string             `json:"source"`
	Sources    []string           `json:"sources"`
	PriceUSD   float64            `json:"price_usd"`
	Volume24h  float64            `json:"volume_24h_usd"`
	BaseVolume float64            `json:"volume_24h"`
	Change24h  float64            `json:"change_24h"`
	LogoURL    string             `json:"logo_url,omitempty"`
	Category   int                `json:"category,omitempty"`
	Metrics    map[string]float64 `json:"metrics"`
	AnalyzedAt time.Time          `json:"analyzed_at"`
}

// NewRecord builds a record from a candidate, the source its series came from
// and the computed metrics. Base volume is derived from the USD volume so the
// figure stays consistent with the price that won the merge.
func NewRecord(c Candidate, source string, metrics map[string]float64, at time.Time) Record {
	var baseVol float64
	if c.PriceUSD > 0 {
		baseVol = c.Volume24h / c.PriceUSD
	}
	sources := make([]string, len(c.Sources))
	copy(sources, c.Sources)
	return Record{
		Symbol:     c.ID,
		Base:       c.Base,
		Quote:      c.Quote,
		Name:       c.Name,
		Source:     source,
		Sources:    sources,
		PriceUSD:   c.PriceUSD,
		Volume24h:  c.Volume24h,
		BaseVolume: baseVol,
		Change24h:  c.Change24h,
		LogoURL:    c.LogoURL,
		Metrics:    metrics,
		AnalyzedAt: at,
	}
}
