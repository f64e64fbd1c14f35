package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/okian/skillmatch/pkg/logger"
)

const defaultPageSize = 100

// ScoresHandler handles score inspection requests.
type ScoresHandler struct {
	deps ScoreDependencies
	errs *errorWriter
}

// NewScoresHandler creates a new scores handler.
func NewScoresHandler(deps ScoreDependencies, log logger.Logger) *ScoresHandler {
	return &ScoresHandler{deps: deps, errs: newErrorWriter(log)}
}

// HandleGetScore handles GET /scores/{user_id}/{job_id}.
func (h *ScoresHandler) HandleGetScore(w http.ResponseWriter, r *http.Request) {
	view, err := h.deps.GetScore(r.Context(), r.PathValue("user_id"), r.PathValue("job_id"))
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleGetMatrix handles GET /scores?page=&page_size=.
func (h *ScoresHandler) HandleGetMatrix(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	size, err := queryInt(r, "page_size", defaultPageSize)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	out, err := h.deps.GetFullMatrix(r.Context(), page, size)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrBadRequest, name)
	}
	return n, nil
}
