package diagnostics

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"cmipdiag/internal/dataset"
	"cmipdiag/internal/types"
)

// Histogram is a weighted frequency distribution over fixed bin edges.
type Histogram struct {
	Edges []float64 `json:"edges"`
	// Fractions holds the share of total weight falling in each bin. It has
	// one entry fewer than Edges.
	Fractions []float64 `json:"fractions"`
	// Dropped is the weight of valid samples outside [Edges[0], Edges[n-1]).
	Dropped float64 `json:"dropped"`
}

// LogEdges returns n+1 logarithmically spaced edges from lo to hi.
func LogEdges(lo, hi float64, n int) ([]float64, error) {
	if lo <= 0 || hi <= lo || n < 1 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidBins,
			fmt.Sprintf("invalid log bins lo=%g hi=%g n=%d", lo, hi, n), nil)
	}
	return floats.LogSpan(make([]float64, n+1), lo, hi), nil
}

// IntensityHistogram bins values with the given weights (nil means equal
// weights). Missing values and values outside the edges are excluded from the
// bins; the weight of out-of-range values is reported as Dropped.
func IntensityHistogram(values, weights, edges []float64) (*Histogram, error) {
	if err := ValidateEdges(edges); err != nil {
		return nil, err
	}
	if weights != nil && len(weights) != len(values) {
		return nil, types.NewAppError(types.ErrCodeMergeConflict,
			fmt.Sprintf("%d values but %d weights", len(values), len(weights)), nil)
	}

	lo, hi := edges[0], edges[len(edges)-1]
	type sample struct{ x, w float64 }
	samples := make([]sample, 0, len(values))
	var total, dropped float64
	for i, v := range values {
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		if dataset.IsMissing(v) || dataset.IsMissing(w) {
			continue
		}
		total += w
		if v < lo || v >= hi {
			dropped += w
			continue
		}
		samples = append(samples, sample{v, w})
	}
	if total == 0 {
		return nil, types.NewAppError(types.ErrCodeInsufficientData, "no valid samples to bin", nil)
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].x < samples[j].x })

	x := make([]float64, len(samples))
	w := make([]float64, len(samples))
	for i, s := range samples {
		x[i], w[i] = s.x, s.w
	}

	// stat.Histogram panics on values at the final divider, which the
	// half-open range check above already excludes.
	counts := stat.Histogram(nil, edges, x, w)
	floats.Scale(1/total, counts)
	return &Histogram{Edges: edges, Fractions: counts, Dropped: dropped / total}, nil
}

// ValidateEdges requires at least two finite, strictly increasing edges.
func ValidateEdges(edges []float64) error {
	if len(edges) < 2 || floats.HasNaN(edges) {
		return types.NewAppError(types.ErrCodeValidationInvalidBins,
			"histogram edges must be at least two finite values", nil)
	}
	for i, e := range edges {
		if math.IsInf(e, 0) {
			return types.NewAppError(types.ErrCodeValidationInvalidBins,
				fmt.Sprintf("histogram edge %d is infinite", i), nil)
		}
		if i > 0 && e <= edges[i-1] {
			return types.NewAppError(types.ErrCodeValidationInvalidBins,
				fmt.Sprintf("histogram edges must increase strictly, edge %d is %g after %g", i, e, edges[i-1]), nil)
		}
	}
	return nil
}
