package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"cmipdiag/internal/types"
)

// RunRepository persists diagnostic runs and their per-model outcomes.
type RunRepository struct {
	db DBTX
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db DBTX) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a new run.
func (r *RunRepository) Create(ctx context.Context, run *types.Run) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO runs (id, diagnostic, status, output_url, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.ID, string(run.Diagnostic), string(run.Status), run.OutputURL, run.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create run", err)
	}
	return nil
}

// MarkRunning moves a queued run to running.
func (r *RunRepository) MarkRunning(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE runs SET status = $2 WHERE id = $1`,
		id, string(types.RunRunning),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update run status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundRun, fmt.Sprintf("run %s not found", id), nil)
	}
	return nil
}

// Finish stores the terminal status and batch summary of a run. runErr is
// the message of a batch-level failure, empty on success.
func (r *RunRepository) Finish(ctx context.Context, id string, status types.RunStatus, summary types.Summary, runErr string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE runs
		 SET status = $2, total = $3, succeeded = $4, error = NULLIF($5, ''), finished_at = $6
		 WHERE id = $1`,
		id, string(status), summary.Total, summary.Succeeded, runErr, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish run", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundRun, fmt.Sprintf("run %s not found", id), nil)
	}
	return nil
}

// RecordOutcomes stores the per-model failures and diagnostic values of a
// run. Each list is written with a single unnest insert.
func (r *RunRepository) RecordOutcomes(ctx context.Context, id string, failures []types.Failure, values []types.DiagnosticValue) error {
	if len(failures) > 0 {
		models := make([]string, len(failures))
		codes := make([]string, len(failures))
		reasons := make([]string, len(failures))
		for i, f := range failures {
			models[i], codes[i], reasons[i] = f.ModelID, string(f.Code), f.Reason
		}
		if _, err := r.db.Exec(ctx,
			`INSERT INTO run_failures (run_id, model_id, code, reason)
			 SELECT $1, * FROM unnest($2::text[], $3::text[], $4::text[])`,
			id, models, codes, reasons,
		); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to record run failures", err)
		}
	}

	if len(values) > 0 {
		models := make([]string, len(values))
		names := make([]string, len(values))
		nums := make([]*float64, len(values))
		units := make([]string, len(values))
		statuses := make([]string, len(values))
		reasons := make([]string, len(values))
		for i, v := range values {
			models[i], names[i], nums[i] = v.ModelID, v.Name, v.Value
			units[i], statuses[i], reasons[i] = v.Units, v.Status, v.Reason
		}
		if _, err := r.db.Exec(ctx,
			`INSERT INTO run_diagnostics (run_id, model_id, diagnostic, value, units, status, reason)
			 SELECT $1, * FROM unnest($2::text[], $3::text[], $4::float8[], $5::text[], $6::text[], $7::text[])`,
			id, models, names, nums, units, statuses, reasons,
		); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to record run diagnostics", err)
		}
	}
	return nil
}

// GetByID loads a run with its failures and diagnostic values. A run that
// has not finished carries no Summary.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*types.Run, error) {
	var (
		run        types.Run
		diagnostic string
		status     string
		runErr     *string
		total      *int
		succeeded  *int
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, diagnostic, status, output_url, error, total, succeeded, created_at, finished_at
		 FROM runs WHERE id = $1`,
		id,
	).Scan(&run.ID, &diagnostic, &status, &run.OutputURL, &runErr, &total, &succeeded, &run.CreatedAt, &run.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundRun, fmt.Sprintf("run %s not found", id), nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get run", err)
	}
	run.Diagnostic = types.DiagnosticKind(diagnostic)
	run.Status = types.RunStatus(status)
	if runErr != nil {
		run.Error = *runErr
	}
	if total == nil {
		return &run, nil
	}

	summary := &types.Summary{Total: *total}
	if succeeded != nil {
		summary.Succeeded = *succeeded
	}
	if summary.Failures, err = r.listFailures(ctx, id); err != nil {
		return nil, err
	}
	run.Summary = summary
	if run.Diagnostics, err = r.listDiagnostics(ctx, id); err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *RunRepository) listFailures(ctx context.Context, id string) ([]types.Failure, error) {
	rows, err := r.db.Query(ctx,
		`SELECT model_id, code, reason FROM run_failures WHERE run_id = $1 ORDER BY model_id`,
		id,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list run failures", err)
	}
	defer rows.Close()

	var out []types.Failure
	for rows.Next() {
		var f types.Failure
		var code string
		if err := rows.Scan(&f.ModelID, &code, &f.Reason); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan run failure", err)
		}
		f.Code = types.ErrorCode(code)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating run failures", err)
	}
	return out, nil
}

func (r *RunRepository) listDiagnostics(ctx context.Context, id string) ([]types.DiagnosticValue, error) {
	rows, err := r.db.Query(ctx,
		`SELECT model_id, diagnostic, value, units, status, reason
		 FROM run_diagnostics WHERE run_id = $1 ORDER BY model_id, diagnostic`,
		id,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list run diagnostics", err)
	}
	defer rows.Close()

	var out []types.DiagnosticValue
	for rows.Next() {
		var v types.DiagnosticValue
		if err := rows.Scan(&v.ModelID, &v.Name, &v.Value, &v.Units, &v.Status, &v.Reason); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan run diagnostic", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating run diagnostics", err)
	}
	return out, nil
}
