package reduce

import (
	"fmt"

	"cmipdiag/internal/dataset"
	"cmipdiag/internal/types"
)

// Frequency is a target temporal resolution.
type Frequency string

const (
	// FrequencyAnnual groups consecutive blocks of 12 monthly samples.
	FrequencyAnnual Frequency = "annual"
)

// blockSize returns the number of input samples averaged into one output
// sample.
func (f Frequency) blockSize() (int, bool) {
	switch f {
	case FrequencyAnnual:
		return 12, true
	}
	return 0, false
}

// Base selects how resampled blocks are labeled.
type Base int

const (
	// BaseRelative labels blocks calendar_year(t) - calendar_year(t0), so the
	// first block of every experiment is year 0.
	BaseRelative Base = iota
	// BaseCalendar labels blocks with the calendar year of their first sample.
	BaseCalendar
)

// Options configure Resample.
type Options struct {
	Frequency Frequency
	Base      Base
}

// RebaseAndResample rebases a series onto a relative year counter and
// averages it to the requested frequency.
func RebaseAndResample(series *dataset.ReducedSeries, freq Frequency) (*dataset.AnnualSeries, error) {
	return Resample(series, Options{Frequency: freq, Base: BaseRelative})
}

// Resample averages consecutive fixed-size blocks of series. A trailing block
// shorter than the block size is dropped. Missing samples inside a block are
// skipped; a block with no valid sample is missing.
func Resample(series *dataset.ReducedSeries, opts Options) (*dataset.AnnualSeries, error) {
	size, ok := opts.Frequency.blockSize()
	if !ok {
		return nil, types.NewAppError(types.ErrCodeValidationFrequency,
			fmt.Sprintf("unsupported resample frequency %q", opts.Frequency), nil)
	}
	if len(series.Time) != len(series.Values) {
		return nil, types.NewAppError(types.ErrCodeMissingCoordinate,
			fmt.Sprintf("%s/%s: time coordinate has %d steps, series has %d", series.SourceID, series.ExperimentID, len(series.Time), len(series.Values)), nil)
	}

	n := len(series.Values) / size
	out := &dataset.AnnualSeries{
		SourceID:     series.SourceID,
		ExperimentID: series.ExperimentID,
		Variable:     series.Variable,
		Units:        series.Units,
		Years:        make([]int, n),
		Values:       make([]float64, n),
	}
	if n == 0 {
		return out, nil
	}

	origin := 0
	if opts.Base == BaseRelative {
		origin = series.Time[0].Year
	}
	for b := 0; b < n; b++ {
		block := series.Values[b*size : (b+1)*size]
		var sum float64
		var count int
		for _, v := range block {
			if dataset.IsMissing(v) {
				continue
			}
			sum += v
			count++
		}
		out.Years[b] = series.Time[b*size].Year - origin
		if count == 0 {
			out.Values[b] = dataset.Missing()
			continue
		}
		out.Values[b] = sum / float64(count)
	}
	return out, nil
}
