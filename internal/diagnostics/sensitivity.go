// Package diagnostics holds the closed-form reductions computed per model once
// its experiments are aligned: the Gregory-style sensitivity estimate,
// anomalies against a control or baseline, and intensity histograms.
package diagnostics

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"cmipdiag/internal/dataset"
	"cmipdiag/internal/types"
)

// Window selects an inclusive range of positions in an aligned series.
type Window struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Validate checks that the window is non-empty and non-negative.
func (w Window) Validate() error {
	if w.Start < 0 || w.End < w.Start {
		return types.NewAppError(types.ErrCodeValidationInvalidWindow,
			fmt.Sprintf("invalid window [%d, %d]", w.Start, w.End), nil)
	}
	return nil
}

// Fit is a first-degree least-squares fit imbalance = Slope*temperature + Intercept.
type Fit struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
	Points    int     `json:"points"`
}

// XIntercept returns the temperature at which the fitted imbalance is zero.
func (f Fit) XIntercept() float64 {
	return -f.Intercept / f.Slope
}

// FitGregory regresses imbalance on temperature over the window. Positions
// where either value is missing are dropped in pairs.
func FitGregory(temperature, imbalance []float64, w Window) (Fit, error) {
	if err := w.Validate(); err != nil {
		return Fit{}, err
	}
	end := w.End
	if n := min(len(temperature), len(imbalance)) - 1; end > n {
		end = n
	}

	var x, y []float64
	for i := w.Start; i <= end; i++ {
		if dataset.IsMissing(temperature[i]) || dataset.IsMissing(imbalance[i]) {
			continue
		}
		x = append(x, temperature[i])
		y = append(y, imbalance[i])
	}
	if len(x) < 2 {
		return Fit{}, types.NewAppError(types.ErrCodeInsufficientData,
			fmt.Sprintf("%d valid pairs in window [%d, %d], need 2", len(x), w.Start, w.End), nil)
	}
	if constant(x) {
		return Fit{}, types.NewAppError(types.ErrCodeDegenerateFit,
			fmt.Sprintf("temperature is constant (%g) across %d pairs", x[0], len(x)), nil)
	}

	alpha, beta := stat.LinearRegression(x, y, nil, false)
	if beta == 0 {
		return Fit{}, types.NewAppError(types.ErrCodeDegenerateFit,
			"fitted slope is zero; imbalance never crosses zero", nil)
	}
	return Fit{Slope: beta, Intercept: alpha, Points: len(x)}, nil
}

// EstimateSensitivity returns -b/a for the fit imbalance = a*temperature + b
// over the inclusive window: the extrapolated warming at which the
// imbalance vanishes.
func EstimateSensitivity(temperature, imbalance []float64, w Window) (float64, error) {
	fit, err := FitGregory(temperature, imbalance, w)
	if err != nil {
		return 0, err
	}
	return fit.XIntercept(), nil
}

func constant(xs []float64) bool {
	for _, v := range xs[1:] {
		if v != xs[0] {
			return false
		}
	}
	return true
}
