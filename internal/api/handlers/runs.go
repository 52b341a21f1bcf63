package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"cmipdiag/internal/core"
	"cmipdiag/internal/runner"
	"cmipdiag/internal/types"
)

// RunExecutor runs diagnostics. *runner.Runner satisfies it.
type RunExecutor interface {
	Execute(ctx context.Context, req runner.RunRequest) (*runner.RunReport, error)
	Enqueued(ctx context.Context, req *runner.RunRequest) error
}

// RunSubmitter hands a run to the worker queue. *queue.RunQueue satisfies it.
type RunSubmitter interface {
	Submit(ctx context.Context, req runner.RunRequest) (string, error)
}

// RunReader looks up run history. runner.RunStore satisfies it.
type RunReader interface {
	GetByID(ctx context.Context, id string) (*types.Run, error)
}

// queuedRun is the 202 body of an asynchronous submission.
type queuedRun struct {
	RunID     string          `json:"run_id"`
	Status    types.RunStatus `json:"status"`
	MessageID string          `json:"message_id,omitempty"`
}

// RunHandler submits and inspects diagnostic runs. queue and runs may be
// nil: without a queue only synchronous runs are accepted, without runs
// there is no history to read.
type RunHandler struct {
	runner    RunExecutor
	queue     RunSubmitter
	runs      RunReader
	validator *core.Validator
	logger    *slog.Logger
}

// NewRunHandler creates a RunHandler.
func NewRunHandler(exec RunExecutor, queue RunSubmitter, runs RunReader, val *core.Validator, logger *slog.Logger) *RunHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunHandler{
		runner:    exec,
		queue:     queue,
		runs:      runs,
		validator: val,
		logger:    logger,
	}
}

// RegisterRoutes mounts the run endpoints.
func (h *RunHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.HandleSubmit)
	r.Get("/{id}", h.HandleGet)
}

// HandleSubmit handles POST /v1/runs.
//
// By default the run executes within the request and the report is
// returned. With ?async=true the run is recorded as queued, sent to the
// worker queue and acknowledged with 202.
func (h *RunHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	async := false
	if raw := r.URL.Query().Get("async"); raw != "" {
		var err error
		if async, err = strconv.ParseBool(raw); err != nil {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidRequest, "async must be a boolean", err))
			return
		}
	}

	var req runner.RunRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if async {
		h.submitAsync(w, r, req)
		return
	}

	report, err := h.runner.Execute(r.Context(), req)
	if err != nil {
		h.logFailure(r.Context(), "run failed", err)
		core.Error(w, r, err)
		return
	}
	w.Header().Set("X-Run-Id", report.RunID)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: report})
}

func (h *RunHandler) submitAsync(w http.ResponseWriter, r *http.Request, req runner.RunRequest) {
	if h.queue == nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidRequest,
			"asynchronous runs are not enabled", nil))
		return
	}
	ctx := r.Context()
	if err := h.runner.Enqueued(ctx, &req); err != nil {
		h.logFailure(ctx, "failed to record queued run", err)
		core.Error(w, r, err)
		return
	}
	msgID, err := h.queue.Submit(ctx, req)
	if err != nil {
		h.logFailure(ctx, "failed to enqueue run", err)
		core.Error(w, r, err)
		return
	}
	w.Header().Set("X-Run-Id", req.RunID)
	w.Header().Set("Location", "/v1/runs/"+req.RunID)
	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: queuedRun{
		RunID:     req.RunID,
		Status:    types.RunQueued,
		MessageID: msgID,
	}})
}

// HandleGet handles GET /v1/runs/{id}.
func (h *RunHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.runs == nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundRun, "run history is not enabled", nil))
		return
	}
	run, err := h.runs.GetByID(r.Context(), id)
	if err != nil {
		h.logFailure(r.Context(), "run lookup failed", err)
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: run})
}

// logFailure logs server-side failures; client errors are only returned.
func (h *RunHandler) logFailure(ctx context.Context, msg string, err error) {
	if types.CodeOf(err).HTTPStatus() >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg, "error", err)
	}
}
