// Package reduce collapses raw gridded fields into global-mean time series and
// resamples those series to annual means.
package reduce

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"cmipdiag/internal/dataset"
	"cmipdiag/internal/types"
)

// LatitudeNames are the coordinate names recognized as latitude, in lookup order.
var LatitudeNames = []string{"lat", "latitude", "nav_lat", "y"}

// FindLatitude returns the name of the latitude dimension of raw and its
// coordinate values.
func FindLatitude(raw *dataset.RawSeries) (string, []float64, error) {
	for _, name := range LatitudeNames {
		if raw.DimIndex(name) < 0 {
			continue
		}
		coord, ok := raw.Coords[name]
		if !ok {
			continue
		}
		return name, coord, nil
	}
	return "", nil, types.NewAppError(types.ErrCodeMissingCoordinate,
		fmt.Sprintf("%s: no latitude coordinate (looked for %v)", raw.Record, LatitudeNames), nil)
}

// LatitudeWeights returns cos(lat) weights normalized so that their mean over
// the latitude axis is exactly 1.
func LatitudeWeights(lat []float64) []float64 {
	w := make([]float64, len(lat))
	for i, deg := range lat {
		w[i] = math.Cos(deg * math.Pi / 180)
	}
	mean := stat.Mean(w, nil)
	if mean == 0 {
		return w
	}
	floats.Scale(1/mean, w)
	return w
}

// Reduce multiplies raw by its mean-1 latitude weights and averages the
// product over every non-time dimension. Missing cells are left out of both
// the sum and the cell count; a time step with no valid cell reduces to the
// missing marker.
func Reduce(raw *dataset.RawSeries) (*dataset.ReducedSeries, error) {
	latName, lat, err := FindLatitude(raw)
	if err != nil {
		return nil, err
	}
	latAxis := raw.DimIndex(latName)
	if len(lat) != raw.Shape[latAxis] {
		return nil, types.NewAppError(types.ErrCodeMissingCoordinate,
			fmt.Sprintf("%s: latitude coordinate has %d values, dimension has %d", raw.Record, len(lat), raw.Shape[latAxis]), nil)
	}
	weights := LatitudeWeights(lat)

	strides := make([]int, len(raw.Shape))
	stride := 1
	for i := len(raw.Shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= raw.Shape[i]
	}

	timeAxis := raw.DimIndex(dataset.DimTime)
	nt := 1
	if timeAxis >= 0 {
		nt = raw.Shape[timeAxis]
	}

	sum := make([]float64, nt)
	count := make([]int, nt)
	for i, v := range raw.Values {
		if dataset.IsMissing(v) {
			continue
		}
		t := 0
		if timeAxis >= 0 {
			t = (i / strides[timeAxis]) % raw.Shape[timeAxis]
		}
		w := weights[(i/strides[latAxis])%raw.Shape[latAxis]]
		sum[t] += w * v
		count[t]++
	}

	values := make([]float64, nt)
	for t := range values {
		if count[t] == 0 {
			values[t] = dataset.Missing()
			continue
		}
		values[t] = sum[t] / float64(count[t])
	}

	return &dataset.ReducedSeries{
		SourceID:     raw.Record.SourceID,
		ExperimentID: raw.Record.ExperimentID,
		Variable:     raw.Variable,
		Units:        raw.Units,
		Calendar:     raw.Calendar,
		Time:         raw.Time,
		Values:       values,
	}, nil
}

// TimeMean averages raw over its time axis, leaving a field with the
// remaining dimensions in their original order. Missing values are skipped;
// a cell that is missing at every step stays missing.
func TimeMean(raw *dataset.RawSeries) (*dataset.RawSeries, error) {
	timeAxis := raw.DimIndex(dataset.DimTime)
	if timeAxis < 0 {
		return raw, nil
	}
	nt := raw.Shape[timeAxis]
	inner := 1
	for _, s := range raw.Shape[timeAxis+1:] {
		inner *= s
	}
	outer := 1
	for _, s := range raw.Shape[:timeAxis] {
		outer *= s
	}

	out := make([]float64, outer*inner)
	for o := 0; o < outer; o++ {
		for k := 0; k < inner; k++ {
			var sum float64
			var n int
			for t := 0; t < nt; t++ {
				v := raw.Values[(o*nt+t)*inner+k]
				if dataset.IsMissing(v) {
					continue
				}
				sum += v
				n++
			}
			if n == 0 {
				out[o*inner+k] = dataset.Missing()
				continue
			}
			out[o*inner+k] = sum / float64(n)
		}
	}

	dims := make([]string, 0, len(raw.Dims)-1)
	shape := make([]int, 0, len(raw.Shape)-1)
	for i := range raw.Dims {
		if i == timeAxis {
			continue
		}
		dims = append(dims, raw.Dims[i])
		shape = append(shape, raw.Shape[i])
	}

	return &dataset.RawSeries{
		Record:   raw.Record,
		Variable: raw.Variable,
		Dims:     dims,
		Shape:    shape,
		Coords:   raw.Coords,
		Calendar: raw.Calendar,
		Units:    raw.Units,
		Attrs:    raw.Attrs,
		Values:   out,
	}, nil
}
