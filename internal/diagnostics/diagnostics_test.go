package diagnostics

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmipdiag/internal/dataset"
	"cmipdiag/internal/types"
)

func linear(temps []float64, a, b float64) []float64 {
	out := make([]float64, len(temps))
	for i, t := range temps {
		out[i] = a*t + b
	}
	return out
}

func TestEstimateSensitivity_ExactLine(t *testing.T) {
	temps := []float64{0.5, 1.1, 1.9, 2.4, 3.0, 3.3, 3.8}
	imb := linear(temps, -2, 8)

	windows := []Window{{0, 1}, {0, 6}, {2, 5}, {5, 100}}
	for _, w := range windows {
		got, err := EstimateSensitivity(temps, imb, w)
		require.NoError(t, err, "window %v", w)
		assert.InDelta(t, 4.0, got, 1e-6, "window %v", w)
	}
}

func TestEstimateSensitivity_PairedRemoval(t *testing.T) {
	temps := []float64{1, dataset.Missing(), 2, 3, 4}
	imb := linear([]float64{1, 1.5, 2, 3, 4}, -2, 8)
	imb[3] = dataset.Missing()
	// A value that would wreck the fit if it were not dropped along with its pair.
	temps[1] = dataset.Missing()
	imb[1] = 1e9

	fit, err := FitGregory(temps, imb, Window{0, 4})
	require.NoError(t, err)
	assert.Equal(t, 3, fit.Points)
	assert.InDelta(t, -2, fit.Slope, 1e-9)
	assert.InDelta(t, 8, fit.Intercept, 1e-9)
	assert.InDelta(t, 4, fit.XIntercept(), 1e-9)
}

func TestEstimateSensitivity_DegenerateFit(t *testing.T) {
	temps := []float64{1.5, 1.5, 1.5, 1.5}
	imb := []float64{3, 2, 1, 0}

	_, err := EstimateSensitivity(temps, imb, Window{0, 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, &types.AppError{Code: types.ErrCodeDegenerateFit}))
}

func TestEstimateSensitivity_InsufficientData(t *testing.T) {
	tests := []struct {
		name  string
		temps []float64
		imb   []float64
		w     Window
	}{
		{"single point", []float64{1}, []float64{2}, Window{0, 0}},
		{"window past data", []float64{1, 2, 3}, []float64{1, 2, 3}, Window{10, 20}},
		{"all pairs missing", []float64{1, dataset.Missing()}, []float64{dataset.Missing(), 2}, Window{0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EstimateSensitivity(tt.temps, tt.imb, tt.w)
			assert.Equal(t, types.ErrCodeInsufficientData, types.CodeOf(err))
		})
	}
}

func TestEstimateSensitivity_NoSentinelOnFailure(t *testing.T) {
	got, err := EstimateSensitivity([]float64{1}, []float64{1}, Window{0, 0})
	require.Error(t, err)
	assert.Zero(t, got)
}

func TestWindowValidate(t *testing.T) {
	assert.NoError(t, Window{0, 0}.Validate())
	assert.Equal(t, types.ErrCodeValidationInvalidWindow, types.CodeOf(Window{5, 2}.Validate()))
	assert.Equal(t, types.ErrCodeValidationInvalidWindow, types.CodeOf(Window{-1, 2}.Validate()))
}

func TestAnomaly(t *testing.T) {
	got, err := Anomaly([]float64{290, 291, dataset.Missing()}, []float64{287, dataset.Missing(), 287})
	require.NoError(t, err)
	assert.Equal(t, 3.0, got[0])
	assert.True(t, dataset.IsMissing(got[1]))
	assert.True(t, dataset.IsMissing(got[2]))

	_, err = Anomaly([]float64{1}, []float64{1, 2})
	assert.Equal(t, types.ErrCodeMergeConflict, types.CodeOf(err))
}

func TestBaselineMean(t *testing.T) {
	years := []int{1849, 1850, 1851, 1900, 1901}
	values := []float64{100, 1, dataset.Missing(), 3, 100}

	got, err := BaselineMean(values, years, 1850, 1900)
	require.NoError(t, err)
	assert.Equal(t, 2.0, got)

	_, err = BaselineMean(values, years, 1700, 1800)
	assert.Equal(t, types.ErrCodeInsufficientData, types.CodeOf(err))

	_, err = BaselineMean(values, years, 1900, 1850)
	assert.Equal(t, types.ErrCodeValidationInvalidWindow, types.CodeOf(err))

	assert.Equal(t, []float64{-1, 1}, AnomalyFrom([]float64{1, 3}, got))
}

func TestCombine(t *testing.T) {
	n, err := Combine(func(v ...float64) float64 { return v[0] - v[1] - v[2] },
		[]float64{340, 340, 340},
		[]float64{100, dataset.Missing(), 100},
		[]float64{239, 239, 238},
	)
	require.NoError(t, err)
	assert.Equal(t, 1.0, n[0])
	assert.True(t, dataset.IsMissing(n[1]))
	assert.Equal(t, 2.0, n[2])

	_, err = Combine(func(v ...float64) float64 { return 0 }, []float64{1}, []float64{1, 2})
	assert.Equal(t, types.ErrCodeMergeConflict, types.CodeOf(err))
}

func TestIntensityHistogram(t *testing.T) {
	edges := []float64{0, 1, 10, 100}
	values := []float64{0.5, 5, 50, 500, dataset.Missing(), 5}
	weights := []float64{1, 1, 1, 1, 1, 2}

	h, err := IntensityHistogram(values, weights, edges)
	require.NoError(t, err)
	require.Len(t, h.Fractions, 3)

	// total valid weight = 6; 500 falls outside
	assert.InDelta(t, 1.0/6, h.Fractions[0], 1e-12)
	assert.InDelta(t, 3.0/6, h.Fractions[1], 1e-12)
	assert.InDelta(t, 1.0/6, h.Fractions[2], 1e-12)
	assert.InDelta(t, 1.0/6, h.Dropped, 1e-12)

	var sum float64
	for _, f := range h.Fractions {
		sum += f
	}
	assert.InDelta(t, 1.0, sum+h.Dropped, 1e-12)
}

func TestIntensityHistogram_UnweightedAndUpperEdge(t *testing.T) {
	h, err := IntensityHistogram([]float64{3, 1, 2, 4}, nil, []float64{1, 2, 4})
	require.NoError(t, err)
	// 4 sits on the upper edge and is dropped.
	assert.InDelta(t, 0.25, h.Fractions[0], 1e-12)
	assert.InDelta(t, 0.5, h.Fractions[1], 1e-12)
	assert.InDelta(t, 0.25, h.Dropped, 1e-12)
}

func TestIntensityHistogram_Invalid(t *testing.T) {
	_, err := IntensityHistogram([]float64{1}, nil, []float64{1})
	assert.Equal(t, types.ErrCodeValidationInvalidBins, types.CodeOf(err))

	for _, edges := range [][]float64{
		{3, 2, 1},
		{math.NaN(), 1, 2},
		{0, math.NaN(), 2},
		{0, 1, 1, 2},
		{0, 1, math.Inf(1)},
		{math.Inf(-1), 0, 1},
	} {
		_, err = IntensityHistogram([]float64{0.5}, nil, edges)
		assert.Equal(t, types.ErrCodeValidationInvalidBins, types.CodeOf(err), "edges %v", edges)
	}

	_, err = IntensityHistogram([]float64{dataset.Missing()}, nil, []float64{0, 1})
	assert.Equal(t, types.ErrCodeInsufficientData, types.CodeOf(err))
}

func TestLogEdges(t *testing.T) {
	edges, err := LogEdges(0.1, 1000, 4)
	require.NoError(t, err)
	require.Len(t, edges, 5)
	want := []float64{0.1, 1, 10, 100, 1000}
	for i := range want {
		assert.InDelta(t, want[i], edges[i], want[i]*1e-9)
	}
	assert.False(t, math.IsNaN(edges[0]))

	_, err = LogEdges(0, 10, 3)
	assert.Error(t, err)
}
