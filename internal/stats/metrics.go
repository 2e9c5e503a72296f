// Package stats computes the per-asset statistics stored with every record
// and the volume ranking applied across records.
package stats

import (
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/screener-cli/internal/model"
)

// ErrNoData is returned when a bundle holds no candles at all.
var ErrNoData = eris.New("stats: no candles")

// Minimum candle counts per statistic.
const (
	MinCandlesHurst   = 100
	MinCandlesEntropy = 50
	EfficiencyWindow  = 100
	MomentsWindow     = 50
	JaggedWindow      = 20
	SmoothWindow      = 20
	IntensityWindow   = 14
	CorrelationWindow = 30
)

// Timeframes is the order in which per-interval statistics are computed.
var Timeframes = []model.Interval{
	model.Interval1h,
	model.Interval2h,
	model.Interval4h,
	model.Interval12h,
	model.Interval1d,
}

// ComputeMetrics derives every statistic from an asset's candles and the
// daily reference series. Statistics without enough data are left out, so
// the result only holds finite values.
func ComputeMetrics(bundle model.Bundle, reference model.Series) (map[string]float64, error) {
	var total int
	for _, s := range bundle {
		total += len(s)
	}
	if total == 0 {
		return nil, ErrNoData
	}

	out := make(map[string]float64)
	for _, tf := range Timeframes {
		series := bundle[tf]
		if len(series) == 0 {
			continue
		}
		closes := series.Closes()
		suffix := string(tf)

		h := Hurst(closes)
		fd := FractalDimension(closes)
		out["hurst_"+suffix] = h
		out["fractal_dimension_"+suffix] = fd
		out["mci_"+suffix] = MovementCharacter(h, fd)
		out["entropy_"+suffix] = Entropy(closes)
		out["movement_efficiency_"+suffix] = MovementEfficiency(closes, EfficiencyWindow)
		out["volatility_"+suffix] = Volatility(closes)
		out["jagginess_"+suffix+"_w20"] = Jagginess(series, JaggedWindow)
		out["smoothness_index_"+suffix+"_w20"] = Smoothness(closes, SmoothWindow)
		out["movement_intensity_"+suffix+"_w14"] = MovementIntensity(closes, IntensityWindow)

		skew, kurt := SkewKurtosis(closes, MomentsWindow)
		out["skewness_"+suffix+"_w50"] = skew
		out["kurtosis_"+suffix+"_w50"] = kurt
	}

	if daily := bundle[model.Interval1d]; len(daily) > 0 && len(reference) > 0 {
		out["btc_corr_1d_w30"] = ReferenceCorrelation(daily, reference, CorrelationWindow)
	}

	for k, v := range out {
		if !finite(v) {
			delete(out, k)
		}
	}
	return out, nil
}

// Hurst estimates the Hurst exponent of the log returns with rescaled range
// analysis, clipped to [0.01, 0.99].
func Hurst(closes []float64) float64 {
	if len(closes) < MinCandlesHurst {
		return math.NaN()
	}
	incs := logReturns(closes)
	n := len(incs)
	if n < 10 {
		return math.NaN()
	}

	var logW, logRS []float64
	for _, w := range windowSizes(10, n) {
		var rsSum float64
		var chunks int
		for start := 0; start+w <= n; start += w {
			if rs := rescaledRange(incs[start : start+w]); finite(rs) && rs > 0 {
				rsSum += rs
				chunks++
			}
		}
		if chunks == 0 {
			continue
		}
		logW = append(logW, math.Log10(float64(w)))
		logRS = append(logRS, math.Log10(rsSum/float64(chunks)))
	}
	h := slope(logW, logRS)
	if !finite(h) {
		return math.NaN()
	}
	return clip(h, 0.01, 0.99)
}

// windowSizes returns log-spaced window lengths from minW up to n inclusive.
func windowSizes(minW, n int) []int {
	var out []int
	last := 0
	for exp := math.Log10(float64(minW)); ; exp += 0.25 {
		w := int(math.Pow(10, exp))
		if w >= n {
			break
		}
		if w != last {
			out = append(out, w)
			last = w
		}
	}
	return append(out, n)
}

func rescaledRange(x []float64) float64 {
	m := mean(x)
	var cum, lo, hi, ss float64
	for _, v := range x {
		d := v - m
		cum += d
		lo = math.Min(lo, cum)
		hi = math.Max(hi, cum)
		ss += d * d
	}
	s := math.Sqrt(ss / float64(len(x)))
	if s == 0 {
		return math.NaN()
	}
	return (hi - lo) / s
}

// Entropy is the Shannon entropy (bits) of simple returns binned into ten
// equal-width buckets.
func Entropy(closes []float64) float64 {
	if len(closes) < MinCandlesEntropy {
		return math.NaN()
	}
	r := pctChanges(closes)
	if len(r) < MinCandlesEntropy {
		return math.NaN()
	}
	lo, hi := r[0], r[0]
	for _, v := range r {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	const bins = 10
	var hist [bins]int
	width := (hi - lo) / bins
	for _, v := range r {
		i := bins - 1
		if width > 0 {
			i = min(int((v-lo)/width), bins-1)
		}
		hist[i]++
	}
	var e float64
	for _, c := range hist {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(len(r))
		e -= p * math.Log2(p)
	}
	return e
}

// MovementEfficiency is net change over the sum of absolute changes in the
// last window closes, in [-1, 1].
func MovementEfficiency(closes []float64, window int) float64 {
	if len(closes) < window {
		return math.NaN()
	}
	s := tail(closes, window)
	var path float64
	for i := 1; i < len(s); i++ {
		path += math.Abs(s[i] - s[i-1])
	}
	if path == 0 {
		return 0
	}
	return (s[len(s)-1] - s[0]) / path
}

// FractalDimension estimates path complexity from the mean absolute
// cumulative log move, clipped to [0.01, 0.99].
func FractalDimension(closes []float64) float64 {
	n := len(closes)
	if n < MinCandlesHurst || closes[0] <= 0 {
		return math.NaN()
	}
	base := math.Log(closes[0])
	var sum float64
	for _, c := range closes {
		if c <= 0 {
			return math.NaN()
		}
		sum += math.Abs(math.Log(c) - base)
	}
	l := sum / float64(n)
	if l == 0 {
		return math.NaN()
	}
	ln := math.Log(float64(n))
	return clip(ln/(ln+math.Log(1/l)), 0.01, 0.99)
}

// MovementCharacter folds Hurst and fractal dimension into one index in
// [-1, 1]; positive values lean trending.
func MovementCharacter(hurst, fd float64) float64 {
	if !finite(hurst) || !finite(fd) {
		return math.NaN()
	}
	nh := (hurst - 0.5) / 0.49
	nfd := (0.79 - fd) / 0.78
	return clip(0.5*nh+0.5*nfd, -1, 1)
}

// Volatility is the sample standard deviation of log returns.
func Volatility(closes []float64) float64 {
	return stddev(logReturns(closes))
}

// SkewKurtosis returns the bias-corrected skewness and Pearson kurtosis of
// the last window log returns.
func SkewKurtosis(closes []float64, window int) (float64, float64) {
	if len(closes) < window+1 {
		return math.NaN(), math.NaN()
	}
	r := tail(logReturns(closes), window)
	n := float64(len(r))
	if len(r) < window || n < 4 {
		return math.NaN(), math.NaN()
	}
	m := mean(r)
	var m2, m3, m4 float64
	for _, v := range r {
		d := v - m
		m2 += d * d
		m3 += d * d * d
		m4 += d * d * d * d
	}
	m2 /= n
	m3 /= n
	m4 /= n
	if m2 == 0 {
		return math.NaN(), math.NaN()
	}
	g1 := m3 / math.Pow(m2, 1.5)
	skew := g1 * math.Sqrt(n*(n-1)) / (n - 2)

	g2 := m4/(m2*m2) - 3
	kurt := ((n+1)*g2+6)*(n-1)/((n-2)*(n-3)) + 3
	return skew, kurt
}

// Jagginess is the mean wick share of the candle range over the last window
// candles.
func Jagginess(s model.Series, window int) float64 {
	if len(s) < window {
		return math.NaN()
	}
	var sum float64
	for _, c := range s[len(s)-window:] {
		rng := c.High - c.Low
		body := math.Abs(c.Close - c.Open)
		sum += (rng - body) / (rng + 1e-10)
	}
	return sum / float64(window)
}

// Smoothness is 1 - RMSD/SMA at the last close, where both are taken over
// window-length rolling windows.
func Smoothness(closes []float64, window int) float64 {
	if len(closes) < 2*window-1 {
		return math.NaN()
	}
	sma := func(end int) float64 { return mean(closes[end-window+1 : end+1]) }
	last := len(closes) - 1
	var sq float64
	for i := last - window + 1; i <= last; i++ {
		d := closes[i] - sma(i)
		sq += d * d
	}
	rmsd := math.Sqrt(sq / float64(window))
	return 1 - rmsd/(sma(last)+1e-10)
}

// MovementIntensity is an exponential moving average (span=window) of the
// absolute close-to-close change, read at the last close.
func MovementIntensity(closes []float64, window int) float64 {
	if len(closes) < window+1 {
		return math.NaN()
	}
	alpha := 2 / float64(window+1)
	ema := math.Abs(closes[1] - closes[0])
	for i := 2; i < len(closes); i++ {
		ema = (1-alpha)*ema + alpha*math.Abs(closes[i]-closes[i-1])
	}
	return ema
}

// ReferenceCorrelation is the correlation of the last window daily log
// returns of the asset and the reference, aligned on candle open time.
func ReferenceCorrelation(asset, reference model.Series, window int) float64 {
	ref := make(map[time.Time]float64, len(reference))
	for _, c := range reference {
		ref[c.OpenTime] = c.Close
	}
	var a, b []float64
	for _, c := range asset {
		if rc, ok := ref[c.OpenTime]; ok {
			a = append(a, c.Close)
			b = append(b, rc)
		}
	}
	if len(a) < window+1 {
		return math.NaN()
	}
	ra, rb := logReturns(a), logReturns(b)
	if len(ra) != len(rb) || len(ra) < window {
		return math.NaN()
	}
	return pearson(tail(ra, window), tail(rb, window))
}
