package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/okian/skillmatch/pkg/logger"
)

// RecommendationsHandler handles recommendation requests.
type RecommendationsHandler struct {
	deps    RecommendationDependencies
	topKMax int
	errs    *errorWriter
}

// NewRecommendationsHandler creates a handler that caps k at topKMax.
func NewRecommendationsHandler(deps RecommendationDependencies, topKMax int, log logger.Logger) *RecommendationsHandler {
	return &RecommendationsHandler{deps: deps, topKMax: topKMax, errs: newErrorWriter(log)}
}

// HandleGetRecommendations handles GET /recommendations/{user_id}?k=N.
// A missing k uses the configured default; larger values are capped.
func (h *RecommendationsHandler) HandleGetRecommendations(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	k := h.deps.DefaultK()
	if raw := r.URL.Query().Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.errs.write(w, r, fmt.Errorf("%w: k must be an integer", ErrBadRequest))
			return
		}
		k = n
	}
	if h.topKMax > 0 && k > h.topKMax {
		k = h.topKMax
	}

	recs, err := h.deps.GetRecommendations(r.Context(), userID, k)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}
