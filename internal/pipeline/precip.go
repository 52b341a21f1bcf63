package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"cmipdiag/internal/dataset"
	"cmipdiag/internal/diagnostics"
	"cmipdiag/internal/graph"
	"cmipdiag/internal/reduce"
	"cmipdiag/internal/types"
)

// DiagMeanPrecip is the area-weighted mean precipitation in mm/day.
const DiagMeanPrecip = "mean_precip"

// UnitsMMPerDay are the units precipitation is binned in.
const UnitsMMPerDay = "mm/day"

const secondsPerDay = 86400

// Default intensity bins: 50 logarithmic bins from 0.1 to 500 mm/day.
var (
	DefaultPrecipLow  = 0.1
	DefaultPrecipHigh = 500.0
	DefaultPrecipBins = 50
)

// PrecipRequest configures RunPrecipHistogram.
type PrecipRequest struct {
	Selection
	Experiment string `json:"experiment,omitempty"`
	// Edges are the bin edges in mm/day. Empty means DefaultPrecipBins
	// logarithmic bins.
	Edges []float64 `json:"edges,omitempty"`
	// Years restricts the days that are binned.
	Years *Period `json:"years,omitempty"`
}

type precipOutcome struct {
	histogram *diagnostics.Histogram
	mean      float64
}

// RunPrecipHistogram bins daily precipitation of every model into an
// area-weighted intensity histogram.
func (p *Pipeline) RunPrecipHistogram(ctx context.Context, req PrecipRequest) (*Result, error) {
	started := time.Now()
	edges := req.Edges
	if len(edges) == 0 {
		var err error
		if edges, err = diagnostics.LogEdges(DefaultPrecipLow, DefaultPrecipHigh, DefaultPrecipBins); err != nil {
			return nil, err
		}
	} else if err := diagnostics.ValidateEdges(edges); err != nil {
		return nil, err
	}
	if req.Years != nil && req.Years.To < req.Years.From {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidWindow,
			fmt.Sprintf("invalid period [%d, %d]", req.Years.From, req.Years.To), nil)
	}
	experiment := req.Experiment
	if experiment == "" {
		experiment = types.ExperimentHistorical
	}
	experiments := []string{experiment}

	recs, err := p.search(ctx, req.query("day", experiments, []string{types.VarPrecipitationFlx}))
	if err != nil {
		return nil, err
	}
	t := newTally(modelOrder(req.Selection, recs))
	recs = forModels(t, requireExperiments(t, recs, experiments))

	tasks := make([]graph.Task[precipOutcome], len(recs))
	for i, rec := range recs {
		tasks[i] = graph.Task[precipOutcome]{
			Key: rec.SourceID,
			Fn: func(ctx context.Context) (precipOutcome, error) {
				raw, err := p.open(ctx, rec)
				if err != nil {
					return precipOutcome{}, err
				}
				out, err := binPrecip(raw, edges, req.Years)
				if err != nil {
					return precipOutcome{}, fmt.Errorf("%s: %w", rec, err)
				}
				return out, nil
			},
		}
	}
	outcomes, err := graph.Compute(ctx, p.Executor, tasks)
	if err != nil {
		return nil, err
	}

	res := &Result{Kind: types.DiagnosticPrecipPDF}
	for _, o := range outcomes {
		if o.Err != nil {
			p.skip(ctx, t, types.FailureFromError(o.Key, o.Err))
			res.Diagnostics = append(res.Diagnostics, failedValue(o.Key, DiagMeanPrecip, o.Err))
			continue
		}
		res.Histograms = append(res.Histograms, ModelHistogram{ModelID: o.Key, Histogram: o.Value.histogram})
		res.Diagnostics = append(res.Diagnostics, okValue(o.Key, DiagMeanPrecip, UnitsMMPerDay, o.Value.mean))
	}
	res.Summary = t.summary()
	p.finish(ctx, res.Kind, res.Summary, started)
	return res, nil
}

// precipScale returns the factor converting units to mm/day.
func precipScale(units string) (float64, error) {
	u := strings.Join(strings.Fields(units), " ")
	switch u {
	case "":
		return 0, types.NewAppError(types.ErrCodeMissingUnits, "pr declares no units", nil)
	case "kg m-2 s-1", "kg/m2/s", "kg m^-2 s^-1", "mm s-1", "mm/s":
		return secondsPerDay, nil
	case "mm/day", "mm day-1", "mm d-1", "kg m-2 day-1":
		return 1, nil
	}
	return 0, types.NewAppError(types.ErrCodeIncompatibleUnits,
		fmt.Sprintf("cannot convert pr units %q to %s", units, UnitsMMPerDay), nil)
}

// binPrecip converts one model's field to mm/day and bins every selected
// day and cell, weighted by normalized cos(lat).
func binPrecip(raw *dataset.RawSeries, edges []float64, years *Period) (precipOutcome, error) {
	scale, err := precipScale(raw.Units)
	if err != nil {
		return precipOutcome{}, err
	}
	latName, lat, err := reduce.FindLatitude(raw)
	if err != nil {
		return precipOutcome{}, err
	}
	latAxis := raw.DimIndex(latName)
	if len(lat) != raw.Shape[latAxis] {
		return precipOutcome{}, types.NewAppError(types.ErrCodeMissingCoordinate,
			fmt.Sprintf("latitude coordinate has %d values, dimension has %d", len(lat), raw.Shape[latAxis]), nil)
	}
	latWeights := reduce.LatitudeWeights(lat)

	strides := make([]int, len(raw.Shape))
	stride := 1
	for i := len(raw.Shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= raw.Shape[i]
	}
	timeAxis := raw.DimIndex(dataset.DimTime)

	values := make([]float64, 0, len(raw.Values))
	weights := make([]float64, 0, len(raw.Values))
	for i, v := range raw.Values {
		if years != nil && timeAxis >= 0 {
			step := (i / strides[timeAxis]) % raw.Shape[timeAxis]
			if step < len(raw.Time) {
				y := raw.Time[step].Year
				if y < years.From || y > years.To {
					continue
				}
			}
		}
		if dataset.IsMissing(v) {
			continue
		}
		values = append(values, v*scale)
		weights = append(weights, latWeights[(i/strides[latAxis])%raw.Shape[latAxis]])
	}
	if len(values) == 0 {
		return precipOutcome{}, types.NewAppError(types.ErrCodeInsufficientData, "no precipitation samples in range", nil)
	}

	h, err := diagnostics.IntensityHistogram(values, weights, edges)
	if err != nil {
		return precipOutcome{}, err
	}
	return precipOutcome{histogram: h, mean: stat.Mean(values, weights)}, nil
}
