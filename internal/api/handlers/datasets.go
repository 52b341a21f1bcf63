// Package handlers contains the HTTP handlers of the diagnostic API.
//
//   - Dataset search (GET /v1/datasets)
//   - Run submission (POST /v1/runs)
//   - Run lookup (GET /v1/runs/{id})
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"cmipdiag/internal/catalog"
	"cmipdiag/internal/core"
	"cmipdiag/internal/types"
)

// maxDatasetLimit caps one page of search results.
const maxDatasetLimit = 5000

// DatasetSearcher is the registry contract the dataset handler needs.
// catalog.Registry satisfies it.
type DatasetSearcher interface {
	Search(ctx context.Context, q catalog.Query) ([]types.DatasetRecord, error)
}

// DatasetHandler exposes registry search.
type DatasetHandler struct {
	registry DatasetSearcher
	logger   *slog.Logger
}

// NewDatasetHandler creates a DatasetHandler.
func NewDatasetHandler(registry DatasetSearcher, logger *slog.Logger) *DatasetHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DatasetHandler{registry: registry, logger: logger}
}

// RegisterRoutes mounts the dataset endpoints.
func (h *DatasetHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.HandleSearch)
}

// HandleSearch handles GET /v1/datasets. Every query parameter other than
// limit is a facet; a facet may repeat or carry comma-separated values.
func (h *DatasetHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	limit := maxDatasetLimit
	if raw := params.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxDatasetLimit {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidRequest,
				"limit must be an integer between 1 and 5000", err, map[string]any{"limit": raw}))
			return
		}
		limit = n
	}
	params.Del("limit")

	q := make(catalog.Query, len(params))
	for facet, raw := range params {
		for _, v := range raw {
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					q[facet] = append(q[facet], part)
				}
			}
		}
		if _, ok := q[facet]; !ok {
			q[facet] = nil
		}
	}

	recs, err := h.registry.Search(r.Context(), q)
	if err != nil {
		if types.CodeOf(err).HTTPStatus() >= http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "dataset search failed", "error", err)
		}
		core.Error(w, r, err)
		return
	}
	if len(recs) > limit {
		recs = recs[:limit]
	}
	if recs == nil {
		recs = []types.DatasetRecord{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: recs, Meta: &core.ListMeta{Count: len(recs)}})
}
