package pipeline

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"cmipdiag/internal/dataset"
	"cmipdiag/internal/graph"
	"cmipdiag/internal/reduce"
	"cmipdiag/internal/regrid"
	"cmipdiag/internal/types"
)

// Diagnostic names reported by RunOceanHeatUptake.
const (
	DiagMeanHeatFlux = "mean_hfds"
	// EnsembleMeanID is the ModelID of the cell-wise ensemble mean field.
	EnsembleMeanID = "ensemble_mean"
)

// GridSpec is a regular target grid resolution in degrees.
type GridSpec struct {
	DLat float64 `json:"dlat"`
	DLon float64 `json:"dlon"`
}

// DefaultOHUGrid is the common 1x1 degree grid.
var DefaultOHUGrid = GridSpec{DLat: 1, DLon: 1}

// OHURequest configures RunOceanHeatUptake.
type OHURequest struct {
	Selection
	Experiment string    `json:"experiment,omitempty"`
	Grid       *GridSpec `json:"grid,omitempty"`
	Method     string    `json:"method,omitempty" validate:"omitempty,oneof=bilinear nearest"`
}

// RunOceanHeatUptake regrids the time-mean downward surface heat flux of
// every model onto a common grid. Models whose interpolation fails are
// counted as failed; the rest are averaged into an ensemble-mean field.
func (p *Pipeline) RunOceanHeatUptake(ctx context.Context, req OHURequest) (*Result, error) {
	started := time.Now()
	spec := DefaultOHUGrid
	if req.Grid != nil {
		spec = *req.Grid
	}
	target, err := regrid.Regular(spec.DLat, spec.DLon)
	if err != nil {
		return nil, err
	}
	method := regrid.MethodBilinear
	if req.Method != "" {
		if method, err = regrid.ParseMethod(req.Method); err != nil {
			return nil, err
		}
	}
	experiment := req.Experiment
	if experiment == "" {
		experiment = types.ExperimentAbrupt4x
	}
	experiments := []string{experiment}

	recs, err := p.search(ctx, req.query("Omon", experiments, []string{types.VarSurfaceHeatFlux}))
	if err != nil {
		return nil, err
	}
	t := newTally(modelOrder(req.Selection, recs))
	recs = forModels(t, requireExperiments(t, recs, experiments))

	tasks := make([]graph.Task[*regrid.Field], len(recs))
	for i, rec := range recs {
		tasks[i] = graph.Task[*regrid.Field]{
			Key: rec.SourceID,
			Fn: func(ctx context.Context) (*regrid.Field, error) {
				raw, err := p.open(ctx, rec)
				if err != nil {
					return nil, err
				}
				mean, err := reduce.TimeMean(raw)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", rec, err)
				}
				return regrid.FieldFromSeries(rec.SourceID, mean)
			},
		}
	}
	outcomes, err := graph.Compute(ctx, p.Executor, tasks)
	if err != nil {
		return nil, err
	}

	var fields []*regrid.Field
	var units string
	for _, o := range outcomes {
		if o.Err != nil {
			p.skip(ctx, t, types.FailureFromError(o.Key, o.Err))
			continue
		}
		if err := checkUnits(o.Value.Units, &units); err != nil {
			p.skip(ctx, t, types.FailureFromError(o.Key, err))
			continue
		}
		fields = append(fields, o.Value)
	}

	out, report, err := regrid.NewBatch(target, method, p.Regrid, p.Executor, p.Logger).Regrid(ctx, fields)
	if err != nil {
		return nil, err
	}
	for _, f := range report.Failures {
		t.fail(f)
	}

	res := &Result{Kind: types.DiagnosticOHU, Fields: out}
	weights := target.CellWeights()
	for _, f := range out {
		m, err := areaMean(f.Values, weights)
		if err != nil {
			res.Diagnostics = append(res.Diagnostics, failedValue(f.ModelID, DiagMeanHeatFlux, err))
			continue
		}
		res.Diagnostics = append(res.Diagnostics, okValue(f.ModelID, DiagMeanHeatFlux, f.Units, m))
	}
	if len(out) > 0 {
		res.Fields = append(res.Fields, ensembleMean(out))
	}
	res.Summary = t.summary()
	p.finish(ctx, res.Kind, res.Summary, started)
	return res, nil
}

// checkUnits requires got to be declared and, once want is set, equal to it.
func checkUnits(got string, want *string) error {
	if got == "" {
		return types.NewAppError(types.ErrCodeMissingUnits, "field declares no units", nil)
	}
	if *want == "" {
		*want = got
		return nil
	}
	if got != *want {
		return types.NewAppError(types.ErrCodeIncompatibleUnits,
			fmt.Sprintf("field is in %q but the ensemble is in %q", got, *want), nil)
	}
	return nil
}

// areaMean is the weighted mean of the non-missing values.
func areaMean(values, weights []float64) (float64, error) {
	x := make([]float64, 0, len(values))
	w := make([]float64, 0, len(values))
	for i, v := range values {
		if dataset.IsMissing(v) {
			continue
		}
		x = append(x, v)
		w = append(w, weights[i])
	}
	if len(x) == 0 {
		return 0, types.NewAppError(types.ErrCodeInsufficientData, "field has no valid cells", nil)
	}
	return stat.Mean(x, w), nil
}

// ensembleMean averages fields that share a grid cell by cell, skipping
// missing values.
func ensembleMean(fields []*regrid.Field) *regrid.Field {
	first := fields[0]
	values := make([]float64, len(first.Values))
	for i := range values {
		var sum float64
		var n int
		for _, f := range fields {
			if v := f.Values[i]; !dataset.IsMissing(v) {
				sum += v
				n++
			}
		}
		if n == 0 {
			values[i] = dataset.Missing()
			continue
		}
		values[i] = sum / float64(n)
	}
	return &regrid.Field{ModelID: EnsembleMeanID, Units: first.Units, Grid: first.Grid, Values: values}
}
