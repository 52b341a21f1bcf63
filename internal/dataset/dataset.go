// Package dataset defines the in-memory shapes data takes as it moves through
// the pipeline: lazily opened stores, materialized raw fields, reduced time
// series, annual series and the aligned per-model and ensemble frames.
//
// Missing values are represented by IEEE NaN throughout. Use Missing and
// IsMissing rather than comparing against math.NaN directly.
package dataset

import (
	"context"
	"fmt"
	"math"

	"cmipdiag/internal/cftime"
	"cmipdiag/internal/types"
)

// Missing returns the explicit missing-value marker.
func Missing() float64 { return math.NaN() }

// IsMissing reports whether v is the missing-value marker.
func IsMissing(v float64) bool { return math.IsNaN(v) }

// DimTime is the canonical name of the time dimension.
const DimTime = "time"

// LoadFunc materializes the values of a lazily opened variable, flattened in
// C (row-major) order over Dims.
type LoadFunc func(ctx context.Context) ([]float64, error)

// LazySeries is an opened but not yet materialized variable. Coordinates and
// attributes are available immediately; the data is only read by Load.
type LazySeries struct {
	Record   types.DatasetRecord
	Variable string
	Dims     []string
	Shape    []int
	Coords   map[string][]float64
	Time     []cftime.Date
	Calendar cftime.Calendar
	Units    string
	Attrs    map[string]any

	load LoadFunc
}

// NewLazySeries builds a LazySeries around a loader.
func NewLazySeries(meta RawSeries, load LoadFunc) *LazySeries {
	return &LazySeries{
		Record:   meta.Record,
		Variable: meta.Variable,
		Dims:     meta.Dims,
		Shape:    meta.Shape,
		Coords:   meta.Coords,
		Time:     meta.Time,
		Calendar: meta.Calendar,
		Units:    meta.Units,
		Attrs:    meta.Attrs,
		load:     load,
	}
}

// Size returns the number of values Load will return.
func (l *LazySeries) Size() int {
	n := 1
	for _, s := range l.Shape {
		n *= s
	}
	return n
}

// Load is the explicit evaluation step. It reads every chunk of the variable
// and returns an immutable RawSeries.
func (l *LazySeries) Load(ctx context.Context) (*RawSeries, error) {
	if l.load == nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("%s: series has no loader", l.Record), nil)
	}
	values, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(values) != l.Size() {
		return nil, types.NewAppError(types.ErrCodeInternalCorruptStore,
			fmt.Sprintf("%s: loaded %d values, shape %v wants %d", l.Record, len(values), l.Shape, l.Size()), nil)
	}
	return &RawSeries{
		Record:   l.Record,
		Variable: l.Variable,
		Dims:     l.Dims,
		Shape:    l.Shape,
		Coords:   l.Coords,
		Time:     l.Time,
		Calendar: l.Calendar,
		Units:    l.Units,
		Attrs:    l.Attrs,
		Values:   values,
	}, nil
}

// RawSeries is a materialized labeled array for one dataset record. It is
// never mutated after creation and is discarded once reduced.
type RawSeries struct {
	Record   types.DatasetRecord
	Variable string
	Dims     []string
	Shape    []int
	// Coords holds 1-D numeric coordinates keyed by dimension name. The time
	// coordinate is decoded separately into Time.
	Coords   map[string][]float64
	Time     []cftime.Date
	Calendar cftime.Calendar
	Units    string
	Attrs    map[string]any
	Values   []float64
}

// DimIndex returns the position of the named dimension, or -1.
func (r *RawSeries) DimIndex(name string) int {
	for i, d := range r.Dims {
		if d == name {
			return i
		}
	}
	return -1
}

// ReducedSeries is a spatially reduced variable: one value per time step.
type ReducedSeries struct {
	SourceID     string
	ExperimentID string
	Variable     string
	Units        string
	Calendar     cftime.Calendar
	Time         []cftime.Date
	Values       []float64
}

// Len returns the number of time steps.
func (s *ReducedSeries) Len() int { return len(s.Values) }

// AnnualSeries is a reduced series resampled to one value per year. Years
// are either relative (0 = first year of the experiment) or calendar years,
// depending on how it was resampled.
type AnnualSeries struct {
	SourceID     string
	ExperimentID string
	Variable     string
	Units        string
	Years        []int
	Values       []float64
}

// Len returns the number of years.
func (s *AnnualSeries) Len() int { return len(s.Values) }

// At returns the value for a year, or the missing marker when the year is
// outside the series.
func (s *AnnualSeries) At(year int) float64 {
	for i, y := range s.Years {
		if y == year {
			return s.Values[i]
		}
	}
	return Missing()
}
