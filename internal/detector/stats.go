package detector

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// countNonZeroBeginning returns the length of data up to and including its
// last non-zero value.
func countNonZeroBeginning(data []float64) int {
	i := len(data) - 1
	for i >= 0 {
		if data[i] != 0 {
			break
		}
		i--
	}
	return i + 1
}

func sorted(data []float64) []float64 {
	out := make([]float64, len(data))
	copy(out, data)
	sort.Float64s(out)
	return out
}

// iqr returns the inter-quartile range using the empirical quantile.
func iqr(data []float64) float64 {
	s := sorted(data)
	q1 := stat.Quantile(0.25, stat.Empirical, s, nil)
	q3 := stat.Quantile(0.75, stat.Empirical, s, nil)
	return q3 - q1
}

// median averages the two middle values of an even-length sample.
func median(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	s := sorted(data)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// mad returns the median absolute deviation from the median.
func mad(data []float64) float64 {
	m := median(data)
	deviations := make([]float64, len(data))
	for i, v := range data {
		deviations[i] = math.Abs(v - m)
	}
	return median(deviations)
}

// tricubeWeights weights x = 1..n so that the most recent sample counts most.
func tricubeWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		d := float64(n-(i+1)) / float64(n)
		w[i] = math.Pow(1-d*d*d, 3)
	}
	return w
}

func regressionInput(y []float64) (x []float64) {
	x = make([]float64, len(y))
	floats.Span(x, 1, float64(len(y)))
	return x
}

// loessEstimates fits y over x = 1..n with tricube weights and returns
// intercept and slope.
func loessEstimates(y []float64) (alpha, beta float64) {
	x := regressionInput(y)
	return stat.LinearRegression(x, y, tricubeWeights(len(y)), false)
}

// robustLoessEstimates refits with tricube weights scaled by the bisquare
// of the first fit's residuals.
func robustLoessEstimates(y []float64) (alpha, beta float64) {
	x := regressionInput(y)
	tricube := tricubeWeights(len(y))
	alpha, beta = stat.LinearRegression(x, y, tricube, false)

	residuals := make([]float64, len(y))
	for i := range y {
		residuals[i] = math.Abs(y[i] - (alpha + beta*x[i]))
	}
	s := 6 * median(residuals)
	if s == 0 {
		return alpha, beta
	}

	weights := make([]float64, len(y))
	for i, r := range residuals {
		u := r / s
		if u < 1 {
			k := 1 - u*u
			weights[i] = tricube[i] * k * k
		}
	}
	if floats.Sum(weights) == 0 {
		return alpha, beta
	}
	ra, rb := stat.LinearRegression(x, y, weights, false)
	if math.IsNaN(ra) || math.IsNaN(rb) {
		return alpha, beta
	}
	return ra, rb
}
