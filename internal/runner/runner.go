// Package runner dispatches diagnostic run requests to the pipeline,
// publishes the resulting tables and keeps the run history. The CLI, the
// HTTP API and the queue worker all execute runs through it.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"cmipdiag/internal/export"
	"cmipdiag/internal/pipeline"
	"cmipdiag/internal/types"
)

// RunRequest selects one diagnostic workflow and its parameters. Only the
// parameter block matching Diagnostic is read; a nil block runs the workflow
// with its defaults.
type RunRequest struct {
	RunID      string               `json:"run_id,omitempty" validate:"omitempty,max=128"`
	Diagnostic types.DiagnosticKind `json:"diagnostic" validate:"required,diagnostic"`
	// Output overrides the store location the tables are published under.
	// It is set by local callers only and never travels in API bodies or
	// queue messages, which always publish under the runner's output root.
	Output string `json:"-"`

	ECS    *pipeline.ECSRequest    `json:"ecs,omitempty"`
	GMST   *pipeline.GMSTRequest   `json:"gmst,omitempty"`
	OHU    *pipeline.OHURequest    `json:"ocean_heat_uptake,omitempty"`
	Precip *pipeline.PrecipRequest `json:"precip_histogram,omitempty"`
}

// runIDPattern keeps run ids usable as a single path element under the
// output root.
var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Validate rejects unknown diagnostics and run ids that are not a single
// safe path element.
func (r RunRequest) Validate() error {
	if !r.Diagnostic.Valid() {
		return types.NewAppError(types.ErrCodeValidationDiagnostic,
			fmt.Sprintf("unknown diagnostic %q", r.Diagnostic), nil)
	}
	if r.RunID != "" && !runIDPattern.MatchString(r.RunID) {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidRequest,
			"run_id may only contain letters, digits, '-' and '_'", nil,
			map[string]any{"run_id": "pattern"})
	}
	return nil
}

// RunReport is the outcome of one executed run.
type RunReport struct {
	RunID       string                    `json:"run_id"`
	Diagnostic  types.DiagnosticKind      `json:"diagnostic"`
	Summary     types.Summary             `json:"summary"`
	Diagnostics []types.DiagnosticValue   `json:"diagnostics"`
	Histograms  []pipeline.ModelHistogram `json:"histograms,omitempty"`
	Outputs     []export.Output           `json:"outputs,omitempty"`
	StartedAt   time.Time                 `json:"started_at"`
	FinishedAt  time.Time                 `json:"finished_at"`
}

// RunStore persists run history. *db.RunRepository implements it.
type RunStore interface {
	Create(ctx context.Context, run *types.Run) error
	MarkRunning(ctx context.Context, id string) error
	Finish(ctx context.Context, id string, status types.RunStatus, summary types.Summary, runErr string, at time.Time) error
	RecordOutcomes(ctx context.Context, id string, failures []types.Failure, values []types.DiagnosticValue) error
	GetByID(ctx context.Context, id string) (*types.Run, error)
}

// Publisher writes result tables to a location. *export.Sink implements it.
type Publisher interface {
	Publish(ctx context.Context, location string, res *pipeline.Result) ([]export.Output, error)
}

// Runner executes run requests.
type Runner struct {
	pipeline   *pipeline.Pipeline
	sink       Publisher
	runs       RunStore
	outputRoot string
	clock      types.Clock
	logger     *slog.Logger
}

// New creates a Runner. sink and runs may be nil: without a sink nothing is
// published, without runs no history is kept.
func New(p *pipeline.Pipeline, sink Publisher, runs RunStore, outputRoot string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		pipeline:   p,
		sink:       sink,
		runs:       runs,
		outputRoot: outputRoot,
		clock:      types.RealClock{},
		logger:     logger,
	}
}

// Runs returns the run history store, or nil.
func (r *Runner) Runs() RunStore { return r.runs }

// OutputLocation returns where the tables of req are published, or "" when
// they are not.
func (r *Runner) OutputLocation(req RunRequest) string {
	if r.sink == nil {
		return ""
	}
	if req.Output != "" {
		return req.Output
	}
	if r.outputRoot == "" {
		return ""
	}
	return strings.TrimSuffix(r.outputRoot, "/") + "/" + req.RunID
}

// Enqueued records a run that will be executed later by a worker. The run
// id is assigned when req has none.
func (r *Runner) Enqueued(ctx context.Context, req *RunRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if r.runs == nil {
		return nil
	}
	return r.runs.Create(ctx, &types.Run{
		ID:         req.RunID,
		Diagnostic: req.Diagnostic,
		Status:     types.RunQueued,
		OutputURL:  r.OutputLocation(*req),
		CreatedAt:  r.clock.Now(),
	})
}

// Execute runs the requested diagnostic and publishes its tables.
//
// Model failures are part of a successful run and are reported in the
// Summary. An error is returned only when the run as a whole could not
// proceed: an invalid request, a registry failure or a failed publish.
func (r *Runner) Execute(ctx context.Context, req RunRequest) (*RunReport, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	ctx = types.WithRunID(ctx, req.RunID)
	logger := r.logger.With("run_id", req.RunID, "diagnostic", string(req.Diagnostic))

	report := &RunReport{RunID: req.RunID, Diagnostic: req.Diagnostic, StartedAt: r.clock.Now()}
	location := r.OutputLocation(req)
	r.begin(ctx, logger, req, location, report.StartedAt)

	res, err := r.dispatch(ctx, req)
	if err == nil && location != "" {
		report.Outputs, err = r.sink.Publish(ctx, location, res)
	}
	report.FinishedAt = r.clock.Now()
	if err != nil {
		logger.ErrorContext(ctx, "run failed", "error", err)
		r.finish(ctx, logger, req.RunID, types.RunFailed, types.Summary{}, nil, err.Error(), report.FinishedAt)
		return nil, err
	}

	report.Summary = res.Summary
	report.Diagnostics = res.Diagnostics
	report.Histograms = res.Histograms
	logger.InfoContext(ctx, "run finished",
		"summary", res.Summary.String(),
		"outputs", len(report.Outputs),
		"elapsed_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	)
	r.finish(ctx, logger, req.RunID, types.RunSucceeded, res.Summary, res.Diagnostics, "", report.FinishedAt)
	return report, nil
}

func (r *Runner) dispatch(ctx context.Context, req RunRequest) (*pipeline.Result, error) {
	switch req.Diagnostic {
	case types.DiagnosticECS:
		var p pipeline.ECSRequest
		if req.ECS != nil {
			p = *req.ECS
		}
		return r.pipeline.RunECS(ctx, p)
	case types.DiagnosticGMST:
		var p pipeline.GMSTRequest
		if req.GMST != nil {
			p = *req.GMST
		}
		return r.pipeline.RunGMST(ctx, p)
	case types.DiagnosticOHU:
		var p pipeline.OHURequest
		if req.OHU != nil {
			p = *req.OHU
		}
		return r.pipeline.RunOceanHeatUptake(ctx, p)
	case types.DiagnosticPrecipPDF:
		var p pipeline.PrecipRequest
		if req.Precip != nil {
			p = *req.Precip
		}
		return r.pipeline.RunPrecipHistogram(ctx, p)
	}
	return nil, req.Validate()
}

// begin marks an enqueued run as running, or creates the record for a run
// that was not enqueued. History errors are logged and never fail the run.
func (r *Runner) begin(ctx context.Context, logger *slog.Logger, req RunRequest, location string, at time.Time) {
	if r.runs == nil {
		return
	}
	err := r.runs.MarkRunning(ctx, req.RunID)
	if types.CodeOf(err) == types.ErrCodeNotFoundRun {
		err = r.runs.Create(ctx, &types.Run{
			ID:         req.RunID,
			Diagnostic: req.Diagnostic,
			Status:     types.RunRunning,
			OutputURL:  location,
			CreatedAt:  at,
		})
	}
	if err != nil {
		logger.WarnContext(ctx, "failed to record run start", "error", err)
	}
}

func (r *Runner) finish(ctx context.Context, logger *slog.Logger, id string, status types.RunStatus, s types.Summary, values []types.DiagnosticValue, runErr string, at time.Time) {
	if r.runs == nil {
		return
	}
	if err := r.runs.RecordOutcomes(ctx, id, s.Failures, values); err != nil {
		logger.WarnContext(ctx, "failed to record run outcomes", "error", err)
	}
	if err := r.runs.Finish(ctx, id, status, s, runErr, at); err != nil {
		logger.WarnContext(ctx, "failed to record run finish", "error", err)
	}
}
