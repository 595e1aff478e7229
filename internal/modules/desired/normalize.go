package desired

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"tbalancer/internal/modules/portfolio"
)

// Normalize rescales a weight map so its values sum to 100.
//
// NaN and infinite inputs count as zero. When the sum of finite values
// is not positive the result is the empty map, which callers treat as
// "do nothing". The transform is scale-invariant: multiplying every
// input by the same positive factor yields the same output.
func Normalize(d portfolio.DesiredWallet) portfolio.DesiredWallet {
	if len(d) == 0 {
		return portfolio.DesiredWallet{}
	}

	values := make([]float64, 0, len(d))
	keys := make([]string, 0, len(d))
	for t, v := range d {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			v = 0
		}
		keys = append(keys, t)
		values = append(values, v)
	}

	sum := floats.Sum(values)
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return portfolio.DesiredWallet{}
	}

	out := make(portfolio.DesiredWallet, len(d))
	for i, t := range keys {
		out[t] = values[i] / sum * 100
	}
	return out
}

// IsNormalized reports whether the map's values already sum to 100
// within the given tolerance.
func IsNormalized(d portfolio.DesiredWallet, eps float64) bool {
	sum := 0.0
	for _, v := range d {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		sum += v
	}
	return math.Abs(sum-100) <= eps
}
