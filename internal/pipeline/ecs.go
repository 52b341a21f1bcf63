package pipeline

import (
	"context"
	"fmt"
	"time"

	"cmipdiag/internal/align"
	"cmipdiag/internal/dataset"
	"cmipdiag/internal/diagnostics"
	"cmipdiag/internal/reduce"
	"cmipdiag/internal/types"
)

// VarImbalance names the derived top-of-atmosphere imbalance rsdt-rsut-rlut.
const VarImbalance = "N"

// Diagnostic names reported by RunECS.
const (
	DiagECS                = "ecs"
	DiagEquilibriumWarming = "equilibrium_warming"
	DiagFeedback           = "feedback"
	DiagForcing            = "forcing"
)

// DefaultECSWindow covers years 1 to 150 of the abrupt-4xCO2 run.
var DefaultECSWindow = diagnostics.Window{Start: 0, End: 149}

var (
	ecsExperiments = []string{types.ExperimentPIControl, types.ExperimentAbrupt4x}
	ecsVariables   = []string{types.VarSurfaceAirTemp, types.VarTOAIncomingSW, types.VarTOAOutgoingSW, types.VarTOAOutgoingLW}
	fluxVariables  = []string{types.VarTOAIncomingSW, types.VarTOAOutgoingSW, types.VarTOAOutgoingLW}
)

// ECSRequest configures RunECS.
type ECSRequest struct {
	Selection
	// Window selects the fitted years, relative to the start of the runs.
	Window *diagnostics.Window `json:"window,omitempty"`
}

// RunECS estimates equilibrium climate sensitivity per model by regressing
// the top-of-atmosphere imbalance anomaly against the surface temperature
// anomaly of abrupt-4xCO2 relative to piControl. The temperature at which
// the fit reaches zero imbalance is the 4xCO2 equilibrium warming; ECS is
// half of it.
func (p *Pipeline) RunECS(ctx context.Context, req ECSRequest) (*Result, error) {
	started := time.Now()
	window := DefaultECSWindow
	if req.Window != nil {
		window = *req.Window
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}

	recs, err := p.search(ctx, req.query("Amon", ecsExperiments, ecsVariables))
	if err != nil {
		return nil, err
	}
	t := newTally(modelOrder(req.Selection, recs))
	recs = requireExperiments(t, recs, ecsExperiments)

	series, err := p.loadAnnual(ctx, t, forModels(t, recs), reduce.Options{
		Frequency: reduce.FrequencyAnnual,
		Base:      reduce.BaseRelative,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Kind: types.DiagnosticECS}
	frames := make(map[string]*dataset.AlignedModelFrame)
	var order []string
	for _, model := range t.live() {
		frame, err := ecsFrame(model, series)
		if err != nil {
			p.skip(ctx, t, types.FailureFromError(model, err))
			res.Diagnostics = append(res.Diagnostics, failedValue(model, DiagECS, err))
			continue
		}
		frames[model] = frame
		order = append(order, model)

		fit, err := gregoryFit(frame, window)
		if err != nil {
			p.skip(ctx, t, types.FailureFromError(model, err))
			res.Diagnostics = append(res.Diagnostics, failedValue(model, DiagECS, err))
			continue
		}
		warming := fit.XIntercept()
		res.Diagnostics = append(res.Diagnostics,
			okValue(model, DiagECS, "K", warming/2),
			okValue(model, DiagEquilibriumWarming, "K", warming),
			okValue(model, DiagFeedback, "W m-2 K-1", fit.Slope),
			okValue(model, DiagForcing, "W m-2", fit.Intercept),
		)
		p.Logger.DebugContext(ctx, "sensitivity estimated", "model_id", model, "ecs", warming/2, "points", fit.Points)
	}

	frame, failures := align.Concat(order, frames)
	for _, f := range failures {
		p.skip(ctx, t, f)
	}
	res.Frame = frame
	res.Summary = t.summary()
	p.finish(ctx, res.Kind, res.Summary, started)
	return res, nil
}

// ecsFrame aligns every variable of one model on the abrupt-4xCO2 years and
// adds the derived imbalance.
func ecsFrame(model string, series map[seriesKey]*dataset.AnnualSeries) (*dataset.AlignedModelFrame, error) {
	perVariable := make(map[string]*dataset.AlignedModelFrame, len(ecsVariables))
	for _, v := range ecsVariables {
		frame, excluded := align.Align(model, byExperiment(series, model, v), ecsExperiments, align.Inner(types.ExperimentAbrupt4x))
		if excluded != nil {
			return nil, types.NewAppError(types.ErrCodeMissingExperiment,
				fmt.Sprintf("%s: %s", v, excluded.Error()), nil)
		}
		perVariable[v] = frame
	}
	if err := sameUnits(series, model, fluxVariables); err != nil {
		return nil, err
	}

	frame, err := align.MergeVariables(model, perVariable)
	if err != nil {
		return nil, err
	}
	table := frame.AddVariable(VarImbalance)
	for i, exp := range frame.Experiments {
		row, err := diagnostics.Combine(func(v ...float64) float64 { return v[0] - v[1] - v[2] },
			frame.Series(types.VarTOAIncomingSW, exp),
			frame.Series(types.VarTOAOutgoingSW, exp),
			frame.Series(types.VarTOAOutgoingLW, exp),
		)
		if err != nil {
			return nil, err
		}
		table[i] = row
	}
	return frame, nil
}

// gregoryFit regresses the imbalance anomaly on the temperature anomaly.
func gregoryFit(frame *dataset.AlignedModelFrame, window diagnostics.Window) (diagnostics.Fit, error) {
	anomaly := func(v string) ([]float64, error) {
		return diagnostics.Anomaly(
			frame.Series(v, types.ExperimentAbrupt4x),
			frame.Series(v, types.ExperimentPIControl),
		)
	}
	dT, err := anomaly(types.VarSurfaceAirTemp)
	if err != nil {
		return diagnostics.Fit{}, err
	}
	dN, err := anomaly(VarImbalance)
	if err != nil {
		return diagnostics.Fit{}, err
	}
	return diagnostics.FitGregory(dT, dN, window)
}

// sameUnits checks that the given variables of a model share units in every
// experiment before they are combined.
func sameUnits(series map[seriesKey]*dataset.AnnualSeries, model string, variables []string) error {
	var want, first string
	for _, v := range variables {
		for k, s := range series {
			if k.model != model || k.variable != v {
				continue
			}
			if s.Units == "" {
				return types.NewAppError(types.ErrCodeMissingUnits,
					fmt.Sprintf("%s/%s declares no units", k.experiment, v), nil)
			}
			if want == "" {
				want, first = s.Units, k.experiment+"/"+v
				continue
			}
			if s.Units != want {
				return types.NewAppError(types.ErrCodeIncompatibleUnits,
					fmt.Sprintf("%s/%s is in %q but %s is in %q", k.experiment, v, s.Units, first, want), nil)
			}
		}
	}
	return nil
}
