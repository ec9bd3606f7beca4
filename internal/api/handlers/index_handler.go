package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/endomatch/trialmatch/internal/api/response"
	"github.com/endomatch/trialmatch/internal/service"
)

// IndexRebuilder kicks off an out-of-band index rebuild.
type IndexRebuilder interface {
	Trigger(ctx context.Context) error
}

// IndexHandler serves index stats and the admin rebuild endpoint.
type IndexHandler struct {
	index     SnapshotSource
	rebuilder IndexRebuilder
}

// NewIndexHandler creates a new index handler.
func NewIndexHandler(index SnapshotSource, rebuilder IndexRebuilder) *IndexHandler {
	return &IndexHandler{index: index, rebuilder: rebuilder}
}

// Stats handles GET /v1/index/stats.
func (h *IndexHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		response.RespondError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "GET required")

		return
	}

	snapshot, err := h.index.Active()
	if err != nil {
		response.RespondServiceUnavailable(w, "Index is not ready")

		return
	}

	response.RespondJSON(w, http.StatusOK, snapshot.Stats())
}

// ReindexResponse is the body for an accepted rebuild request.
type ReindexResponse struct {
	Status string `json:"status"`
}

// Reindex handles POST /v1/admin/reindex.
func (h *IndexHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		response.RespondError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "POST required")

		return
	}

	if err := h.rebuilder.Trigger(r.Context()); err != nil {
		if errors.Is(err, service.ErrRebuildInProgress) {
			response.RespondConflict(w, "A rebuild is already running")

			return
		}

		response.RespondInternalServerError(w, "Failed to start rebuild")

		return
	}

	response.RespondJSON(w, http.StatusAccepted, ReindexResponse{Status: "rebuild started"})
}
