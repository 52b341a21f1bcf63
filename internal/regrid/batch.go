package regrid

import (
	"context"
	"log/slog"

	"cmipdiag/internal/graph"
	"cmipdiag/internal/types"
)

// Report summarizes a regrid batch.
type Report struct {
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Failures  []types.Failure `json:"failures,omitempty"`
}

// Batch regrids many model fields onto one target grid.
type Batch struct {
	Target   Grid
	Method   Method
	Cache    *Cache
	Executor graph.Executor
	Logger   *slog.Logger
}

// NewBatch creates a Batch. A nil cache gets a private one; a nil executor
// runs serially.
func NewBatch(target Grid, method Method, cache *Cache, exec graph.Executor, logger *slog.Logger) *Batch {
	if cache == nil {
		cache = NewCache(DefaultCacheSize)
	}
	if exec == nil {
		exec = graph.SerialExecutor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batch{Target: target, Method: method, Cache: cache, Executor: exec, Logger: logger}
}

// Regrid interpolates every field onto the target grid. A field that fails
// is recorded in the report and skipped; the rest of the batch continues.
// Successful results are returned in input order.
func (b *Batch) Regrid(ctx context.Context, fields []*Field) ([]*Field, Report, error) {
	tasks := make([]graph.Task[*Field], len(fields))
	for i, f := range fields {
		tasks[i] = graph.Task[*Field]{
			Key: f.ModelID,
			Fn: func(ctx context.Context) (*Field, error) {
				return b.one(f)
			},
		}
	}

	outcomes, err := graph.Compute(ctx, b.Executor, tasks)
	if err != nil {
		return nil, Report{}, err
	}

	var out []*Field
	var report Report
	for _, o := range outcomes {
		if o.Err != nil {
			f := types.FailureFromError(o.Key, o.Err)
			report.Failed++
			report.Failures = append(report.Failures, f)
			b.Logger.WarnContext(ctx, "regrid skipped model", "model_id", f.ModelID, "code", f.Code, "reason", f.Reason)
			continue
		}
		report.Succeeded++
		out = append(out, o.Value)
	}
	b.Logger.InfoContext(ctx, "regrid batch complete",
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"operators_built", b.Cache.Builds(),
	)
	return out, report, nil
}

func (b *Batch) one(f *Field) (*Field, error) {
	op, err := b.Cache.Operator(f.Grid, b.Target, b.Method)
	if err != nil {
		return nil, err
	}
	values, err := op.Apply(f.Values)
	if err != nil {
		return nil, err
	}
	return &Field{ModelID: f.ModelID, Units: f.Units, Grid: b.Target, Values: values}, nil
}
