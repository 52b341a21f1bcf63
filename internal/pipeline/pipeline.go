// Package pipeline runs the multi-model diagnostic workflows: it searches the
// registry, opens and reduces every matching record through the task-graph
// executor, aligns experiments per model, concatenates models into an
// ensemble frame and computes per-model diagnostics.
//
// Per-record and per-model errors never abort a batch. They are converted to
// types.Failure at the model boundary and counted in the returned Summary.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cmipdiag/internal/catalog"
	"cmipdiag/internal/dataset"
	"cmipdiag/internal/diagnostics"
	"cmipdiag/internal/graph"
	"cmipdiag/internal/reduce"
	"cmipdiag/internal/regrid"
	"cmipdiag/internal/types"
)

// DefaultMember is the ensemble member used when a request names none.
const DefaultMember = "r1i1p1f1"

// Opener opens a dataset record lazily.
type Opener interface {
	Open(ctx context.Context, rec types.DatasetRecord) (*dataset.LazySeries, error)
}

// Recorder receives the summary of every finished run.
type Recorder interface {
	RecordSummary(ctx context.Context, kind types.DiagnosticKind, summary types.Summary, elapsed time.Duration) error
}

// Pipeline holds the collaborators shared by every workflow.
type Pipeline struct {
	Registry catalog.Registry
	Opener   Opener
	Executor graph.Executor
	Regrid   *regrid.Cache
	Metrics  Recorder
	Logger   *slog.Logger
}

// New creates a Pipeline. A nil executor runs tasks serially.
func New(registry catalog.Registry, opener Opener, exec graph.Executor, logger *slog.Logger) *Pipeline {
	if exec == nil {
		exec = graph.SerialExecutor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		Registry: registry,
		Opener:   opener,
		Executor: exec,
		Regrid:   regrid.NewCache(regrid.DefaultCacheSize),
		Logger:   logger,
	}
}

// ModelHistogram is the intensity histogram of one model.
type ModelHistogram struct {
	ModelID   string                 `json:"model_id"`
	Histogram *diagnostics.Histogram `json:"histogram"`
}

// Result is the outcome of one diagnostic run. Which of Frame, Fields and
// Histograms is set depends on Kind.
type Result struct {
	Kind        types.DiagnosticKind           `json:"kind"`
	Frame       *dataset.CombinedEnsembleFrame `json:"-"`
	Diagnostics []types.DiagnosticValue        `json:"diagnostics"`
	Fields      []*regrid.Field                `json:"-"`
	Histograms  []ModelHistogram               `json:"histograms,omitempty"`
	Summary     types.Summary                  `json:"summary"`
}

// Selection narrows a workflow to a set of models and one ensemble member.
type Selection struct {
	// Models lists source ids in the order results are reported. Empty means
	// every model the registry returns, in registry order.
	Models []string `json:"models,omitempty" validate:"omitempty,dive,required"`
	Member string   `json:"member,omitempty"`
	Table  string   `json:"table,omitempty"`
}

func (s Selection) member() string {
	if s.Member == "" {
		return DefaultMember
	}
	return s.Member
}

// query builds the registry query for the selection.
func (s Selection) query(table string, experiments, variables []string) catalog.Query {
	if s.Table != "" {
		table = s.Table
	}
	q := catalog.Query{
		types.FacetExperimentID: experiments,
		types.FacetVariableID:   variables,
		types.FacetMemberID:     {s.member()},
		types.FacetTableID:      {table},
	}
	if len(s.Models) > 0 {
		q[types.FacetSourceID] = s.Models
	}
	return q
}

// seriesKey identifies one reduced record within a run.
type seriesKey struct {
	model      string
	experiment string
	variable   string
}

// search runs the query and keeps the first record per (model, experiment,
// variable).
func (p *Pipeline) search(ctx context.Context, q catalog.Query) ([]types.DatasetRecord, error) {
	recs, err := p.Registry.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	seen := make(map[seriesKey]bool, len(recs))
	out := recs[:0:0]
	for _, rec := range recs {
		k := seriesKey{rec.SourceID, rec.ExperimentID, rec.VariableID}
		if seen[k] {
			p.Logger.DebugContext(ctx, "ignoring extra record", "dataset", rec.String())
			continue
		}
		seen[k] = true
		out = append(out, rec)
	}
	return out, nil
}

// tally accumulates per-model outcomes in report order. The first failure
// recorded for a model is the one reported.
type tally struct {
	order  []string
	failed map[string]types.Failure
	known  map[string]bool
}

func newTally(order []string) *tally {
	t := &tally{failed: make(map[string]types.Failure), known: make(map[string]bool)}
	for _, m := range order {
		t.add(m)
	}
	return t
}

func (t *tally) add(model string) {
	if !t.known[model] {
		t.known[model] = true
		t.order = append(t.order, model)
	}
}

func (t *tally) fail(f types.Failure) {
	t.add(f.ModelID)
	if _, ok := t.failed[f.ModelID]; !ok {
		t.failed[f.ModelID] = f
	}
}

func (t *tally) ok(model string) bool {
	_, bad := t.failed[model]
	return t.known[model] && !bad
}

// live returns the models that have not failed, in order.
func (t *tally) live() []string {
	var out []string
	for _, m := range t.order {
		if t.ok(m) {
			out = append(out, m)
		}
	}
	return out
}

func (t *tally) summary() types.Summary {
	s := types.Summary{Total: len(t.order)}
	for _, m := range t.order {
		if f, bad := t.failed[m]; bad {
			s.Failures = append(s.Failures, f)
			continue
		}
		s.Succeeded++
	}
	return s
}

// modelOrder returns the caller's model list, or registry order when the
// caller gave none.
func modelOrder(sel Selection, recs []types.DatasetRecord) []string {
	if len(sel.Models) > 0 {
		return sel.Models
	}
	return catalog.Models(recs)
}

// requireExperiments drops models lacking any required experiment before any
// data is read.
func requireExperiments(t *tally, recs []types.DatasetRecord, required []string) []types.DatasetRecord {
	present := make(map[string]bool)
	for _, rec := range recs {
		present[rec.SourceID] = true
	}
	for _, m := range t.order {
		if !present[m] {
			t.fail(types.Failure{
				ModelID: m,
				Code:    types.ErrCodeMissingExperiment,
				Reason:  fmt.Sprintf("no records for %v", required),
			})
		}
	}
	kept, dropped := catalog.RequireAll(recs, types.FacetSourceID, types.FacetExperimentID, required)
	for _, d := range dropped {
		t.fail(types.Failure{
			ModelID: d.Key,
			Code:    types.ErrCodeMissingExperiment,
			Reason:  fmt.Sprintf("missing experiments %v", d.Missing),
		})
	}
	return kept
}

// forModels keeps the records of models that are still live.
func forModels(t *tally, recs []types.DatasetRecord) []types.DatasetRecord {
	var out []types.DatasetRecord
	for _, rec := range recs {
		if t.ok(rec.SourceID) {
			out = append(out, rec)
		}
	}
	return out
}

// open materializes one record. Errors carry the record id.
func (p *Pipeline) open(ctx context.Context, rec types.DatasetRecord) (*dataset.RawSeries, error) {
	lazy, err := p.Opener.Open(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rec, err)
	}
	raw, err := lazy.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rec, err)
	}
	return raw, nil
}

// loadAnnual opens, reduces and resamples every record as one task batch.
// A failing record fails its model.
func (p *Pipeline) loadAnnual(ctx context.Context, t *tally, recs []types.DatasetRecord, opts reduce.Options) (map[seriesKey]*dataset.AnnualSeries, error) {
	tasks := make([]graph.Task[*dataset.AnnualSeries], len(recs))
	for i, rec := range recs {
		tasks[i] = graph.Task[*dataset.AnnualSeries]{
			Key: rec.SourceID,
			Fn: func(ctx context.Context) (*dataset.AnnualSeries, error) {
				raw, err := p.open(ctx, rec)
				if err != nil {
					return nil, err
				}
				red, err := reduce.Reduce(raw)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", rec, err)
				}
				annual, err := reduce.Resample(red, opts)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", rec, err)
				}
				return annual, nil
			},
		}
	}

	outcomes, err := graph.Compute(ctx, p.Executor, tasks)
	if err != nil {
		return nil, err
	}
	out := make(map[seriesKey]*dataset.AnnualSeries, len(recs))
	for i, o := range outcomes {
		if o.Err != nil {
			p.skip(ctx, t, types.FailureFromError(o.Key, o.Err))
			continue
		}
		rec := recs[i]
		out[seriesKey{rec.SourceID, rec.ExperimentID, rec.VariableID}] = o.Value
	}
	return out, nil
}

// byExperiment collects one model's series of one variable.
func byExperiment(series map[seriesKey]*dataset.AnnualSeries, model, variable string) map[string]*dataset.AnnualSeries {
	out := make(map[string]*dataset.AnnualSeries)
	for k, s := range series {
		if k.model == model && k.variable == variable {
			out[k.experiment] = s
		}
	}
	return out
}

// skip records a failure and logs it.
func (p *Pipeline) skip(ctx context.Context, t *tally, f types.Failure) {
	t.fail(f)
	p.Logger.WarnContext(ctx, "model skipped", "model_id", f.ModelID, "code", f.Code, "reason", f.Reason)
}

// finish logs and records the run summary.
func (p *Pipeline) finish(ctx context.Context, kind types.DiagnosticKind, s types.Summary, started time.Time) {
	elapsed := time.Since(started)
	p.Logger.InfoContext(ctx, "diagnostic run complete",
		"diagnostic", string(kind),
		"summary", s.String(),
		"failed", s.Failed(),
		"elapsed_ms", elapsed.Milliseconds(),
	)
	if p.Metrics == nil {
		return
	}
	if err := p.Metrics.RecordSummary(ctx, kind, s, elapsed); err != nil {
		p.Logger.WarnContext(ctx, "failed to record run metrics", "error", err)
	}
}

func value(v float64) *float64 { return &v }

func okValue(model, name, units string, v float64) types.DiagnosticValue {
	return types.DiagnosticValue{ModelID: model, Name: name, Value: value(v), Units: units, Status: types.StatusOK}
}

func failedValue(model, name string, err error) types.DiagnosticValue {
	return types.DiagnosticValue{ModelID: model, Name: name, Status: types.StatusFailed, Reason: string(types.CodeOf(err))}
}
