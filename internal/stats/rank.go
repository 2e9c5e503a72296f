package stats

import (
	"github.com/rotisserie/eris"
)

// ErrDegenerateRanking is returned when the values cannot be split into at
// least two distinct quantile bins.
var ErrDegenerateRanking = eris.New("stats: values do not span distinct quantiles")

// Sextiles assigns each value a category 1..6 by quantile, highest values
// highest. Quantile edges that coincide are merged, so heavily tied inputs
// yield fewer categories. Non-finite values get category 0.
func Sextiles(values []float64) ([]int, error) {
	var clean []float64
	for _, v := range values {
		if finite(v) {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		return nil, eris.Wrap(ErrDegenerateRanking, "no finite values")
	}

	sorted := sortedCopy(clean)
	var edges []float64
	for i := 0; i <= 6; i++ {
		q := quantile(sorted, float64(i)/6)
		if len(edges) == 0 || q != edges[len(edges)-1] {
			edges = append(edges, q)
		}
	}
	if len(edges) < 2 {
		return nil, ErrDegenerateRanking
	}

	out := make([]int, len(values))
	for i, v := range values {
		if !finite(v) {
			continue
		}
		// First bin includes its lower edge; the rest are (lo, hi].
		cat := 1
		for b := 1; b < len(edges)-1; b++ {
			if v > edges[b] {
				cat = b + 1
			}
		}
		out[i] = cat
	}
	return out, nil
}
