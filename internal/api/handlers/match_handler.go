package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/endomatch/trialmatch/internal/api/response"
	"github.com/endomatch/trialmatch/internal/matcherrors"
	"github.com/endomatch/trialmatch/internal/models"
	"github.com/endomatch/trialmatch/internal/service"
)

// MatchService defines the interface for matching a patient summary to trials.
type MatchService interface {
	Match(ctx context.Context, summary string, maxResults int) (models.MatchResult, error)
}

// MatchHandler handles HTTP requests for trial matching.
type MatchHandler struct {
	service MatchService
}

// NewMatchHandler creates a new match handler.
func NewMatchHandler(service MatchService) *MatchHandler {
	return &MatchHandler{service: service}
}

// MatchRequest is the body for POST /v1/match.
// API contract uses camelCase (maxResults).
type MatchRequest struct {
	Summary    string `json:"summary"`
	MaxResults int    `json:"maxResults"` //nolint:tagliatelle // API contract
}

// Match handles POST /v1/match.
func (h *MatchHandler) Match(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		response.RespondError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "POST required")

		return
	}

	var req MatchRequest

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&req); err != nil {
		response.RespondBadRequest(w, "Invalid request body")

		return
	}

	maxResults := req.MaxResults
	if maxResults == 0 {
		maxResults = service.DefaultMaxResults
	}

	result, err := h.service.Match(r.Context(), req.Summary, maxResults)
	if err != nil {
		respondMatchError(w, err)

		return
	}

	response.RespondJSON(w, http.StatusOK, result)
}

// respondMatchError maps service errors onto the HTTP contract: invalid input
// 400, backpressure and missing index 503, upstream retrieval failure 502.
func respondMatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, matcherrors.ErrValidation):
		response.RespondBadRequest(w, err.Error())
	case errors.Is(err, matcherrors.ErrBusy):
		response.RespondServiceUnavailable(w, "Server is at capacity, retry shortly")
	case errors.Is(err, matcherrors.ErrQuery):
		response.RespondServiceUnavailable(w, "Index is not ready")
	case errors.Is(err, matcherrors.ErrRetrieval):
		response.RespondBadGateway(w, "Candidate retrieval failed")
	default:
		response.RespondInternalServerError(w, "Match failed")
	}
}
