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

// VarTemperatureAnomaly names the baseline-relative temperature added to GMST
// frames.
const VarTemperatureAnomaly = "tas_anomaly"

// Diagnostic names reported by RunGMST.
const (
	DiagBaseline = "baseline_tas"
	// DiagWarmingPrefix is followed by the scenario experiment id.
	DiagWarmingPrefix = "warming_"
)

// Period is an inclusive range of calendar years.
type Period struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Default GMST periods.
var (
	DefaultBaseline     = Period{From: 1850, To: 1900}
	DefaultEndOfCentury = Period{From: 2081, To: 2100}
	DefaultScenarios    = []string{"ssp585"}
)

// GMSTRequest configures RunGMST.
type GMSTRequest struct {
	Selection
	// Scenarios are the future experiments joined onto historical.
	Scenarios []string `json:"scenarios,omitempty"`
	Baseline  *Period  `json:"baseline,omitempty"`
	// Period is averaged per scenario to report end-of-century warming.
	Period *Period `json:"period,omitempty"`
}

// RunGMST builds global-mean surface temperature trajectories on calendar
// years. Historical and scenario runs are outer-joined so that each keeps
// its own years, and every experiment is expressed as an anomaly against the
// model's historical baseline.
func (p *Pipeline) RunGMST(ctx context.Context, req GMSTRequest) (*Result, error) {
	started := time.Now()
	baseline, period := DefaultBaseline, DefaultEndOfCentury
	if req.Baseline != nil {
		baseline = *req.Baseline
	}
	if req.Period != nil {
		period = *req.Period
	}
	for _, pr := range []Period{baseline, period} {
		if pr.To < pr.From {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidWindow,
				fmt.Sprintf("invalid period [%d, %d]", pr.From, pr.To), nil)
		}
	}
	scenarios := req.Scenarios
	if len(scenarios) == 0 {
		scenarios = DefaultScenarios
	}
	experiments := append([]string{types.ExperimentHistorical}, scenarios...)

	recs, err := p.search(ctx, req.query("Amon", experiments, []string{types.VarSurfaceAirTemp}))
	if err != nil {
		return nil, err
	}
	t := newTally(modelOrder(req.Selection, recs))
	recs = requireExperiments(t, recs, experiments)

	series, err := p.loadAnnual(ctx, t, forModels(t, recs), reduce.Options{
		Frequency: reduce.FrequencyAnnual,
		Base:      reduce.BaseCalendar,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Kind: types.DiagnosticGMST}
	frames := make(map[string]*dataset.AlignedModelFrame)
	var order []string
	for _, model := range t.live() {
		frame, excluded := align.Align(model, byExperiment(series, model, types.VarSurfaceAirTemp), experiments, align.Outer())
		if excluded != nil {
			p.skip(ctx, t, excluded.Failure())
			continue
		}
		base, err := diagnostics.BaselineMean(frame.Series(types.VarSurfaceAirTemp, types.ExperimentHistorical), frame.Years, baseline.From, baseline.To)
		if err != nil {
			p.skip(ctx, t, types.FailureFromError(model, err))
			res.Diagnostics = append(res.Diagnostics, failedValue(model, DiagBaseline, err))
			continue
		}
		res.Diagnostics = append(res.Diagnostics, okValue(model, DiagBaseline, "K", base))

		table := frame.AddVariable(VarTemperatureAnomaly)
		for i, exp := range frame.Experiments {
			table[i] = diagnostics.AnomalyFrom(frame.Series(types.VarSurfaceAirTemp, exp), base)
		}
		for _, exp := range scenarios {
			name := DiagWarmingPrefix + exp
			w, err := diagnostics.BaselineMean(frame.Series(VarTemperatureAnomaly, exp), frame.Years, period.From, period.To)
			if err != nil {
				// the trajectory is still usable; the scalar is reported as failed
				res.Diagnostics = append(res.Diagnostics, failedValue(model, name, err))
				continue
			}
			res.Diagnostics = append(res.Diagnostics, okValue(model, name, "K", w))
		}
		frames[model] = frame
		order = append(order, model)
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
