package diagnostics

import (
	"fmt"

	"cmipdiag/internal/dataset"
	"cmipdiag/internal/types"
)

// Anomaly subtracts a control series position by position. Missing values in
// either input stay missing.
func Anomaly(series, control []float64) ([]float64, error) {
	if len(series) != len(control) {
		return nil, types.NewAppError(types.ErrCodeMergeConflict,
			fmt.Sprintf("series has %d values, control has %d", len(series), len(control)), nil)
	}
	out := make([]float64, len(series))
	for i := range series {
		if dataset.IsMissing(series[i]) || dataset.IsMissing(control[i]) {
			out[i] = dataset.Missing()
			continue
		}
		out[i] = series[i] - control[i]
	}
	return out, nil
}

// AnomalyFrom subtracts a scalar baseline from every value.
func AnomalyFrom(series []float64, baseline float64) []float64 {
	out := make([]float64, len(series))
	for i, v := range series {
		out[i] = v - baseline
	}
	return out
}

// BaselineMean averages the values whose year falls in [from, to]. Missing
// values are skipped.
func BaselineMean(values []float64, years []int, from, to int) (float64, error) {
	if to < from {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidWindow,
			fmt.Sprintf("invalid baseline [%d, %d]", from, to), nil)
	}
	var sum float64
	var n int
	for i, y := range years {
		if y < from || y > to || i >= len(values) || dataset.IsMissing(values[i]) {
			continue
		}
		sum += values[i]
		n++
	}
	if n == 0 {
		return 0, types.NewAppError(types.ErrCodeInsufficientData,
			fmt.Sprintf("no values in baseline [%d, %d]", from, to), nil)
	}
	return sum / float64(n), nil
}

// Combine evaluates fn position by position over equally long inputs. A
// position where any input is missing yields the missing marker.
func Combine(fn func(vals ...float64) float64, inputs ...[]float64) ([]float64, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	n := len(inputs[0])
	for _, in := range inputs[1:] {
		if len(in) != n {
			return nil, types.NewAppError(types.ErrCodeMergeConflict,
				fmt.Sprintf("inputs differ in length (%d vs %d)", n, len(in)), nil)
		}
	}
	out := make([]float64, n)
	vals := make([]float64, len(inputs))
	for i := 0; i < n; i++ {
		missing := false
		for k, in := range inputs {
			vals[k] = in[i]
			if dataset.IsMissing(in[i]) {
				missing = true
			}
		}
		if missing {
			out[i] = dataset.Missing()
			continue
		}
		out[i] = fn(vals...)
	}
	return out, nil
}
