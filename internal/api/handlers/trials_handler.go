package handlers

import (
	"net/http"

	"github.com/endomatch/trialmatch/internal/api/response"
	"github.com/endomatch/trialmatch/internal/index"
)

// SnapshotSource provides the active index snapshot.
type SnapshotSource interface {
	Active() (*index.Snapshot, error)
}

// TrialsHandler serves trial metadata from the active index snapshot.
type TrialsHandler struct {
	index SnapshotSource
}

// NewTrialsHandler creates a new trials handler.
func NewTrialsHandler(index SnapshotSource) *TrialsHandler {
	return &TrialsHandler{index: index}
}

// Get handles GET /v1/trials/{nctId}.
func (h *TrialsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		response.RespondError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "GET required")

		return
	}

	nctID := r.PathValue("nctId")
	if nctID == "" {
		response.RespondBadRequest(w, "Trial ID is required")

		return
	}

	snapshot, err := h.index.Active()
	if err != nil {
		response.RespondServiceUnavailable(w, "Index is not ready")

		return
	}

	trial, ok := snapshot.Get(nctID)
	if !ok {
		response.RespondNotFound(w, "Unknown trial ID")

		return
	}

	trial.Vector = nil
	trial.EncoderVersion = ""

	response.RespondJSON(w, http.StatusOK, trial)
}
