package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/pkg/logger"
)

// triggerRequest is the optional body of POST /scheduler/trigger. An
// empty body asks for a full recompute.
type triggerRequest struct {
	Scope string `json:"scope"`
	ID    string `json:"id"`
}

// SchedulerHandler handles scheduler control and recompute job requests.
type SchedulerHandler struct {
	deps SchedulerDependencies
	errs *errorWriter
}

// NewSchedulerHandler creates a new scheduler handler.
func NewSchedulerHandler(deps SchedulerDependencies, log logger.Logger) *SchedulerHandler {
	return &SchedulerHandler{deps: deps, errs: newErrorWriter(log)}
}

// HandleStatus handles GET /scheduler/status.
func (h *SchedulerHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.SchedulerStatus()
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleStart handles POST /scheduler/start and answers with the new status.
func (h *SchedulerHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.StartScheduler(); err != nil {
		h.errs.write(w, r, err)
		return
	}
	h.HandleStatus(w, r)
}

// HandleStop handles POST /scheduler/stop and answers with the new status.
func (h *SchedulerHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.StopScheduler(); err != nil {
		h.errs.write(w, r, err)
		return
	}
	h.HandleStatus(w, r)
}

// HandleTrigger handles POST /scheduler/trigger.
func (h *SchedulerHandler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.errs.write(w, r, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	scope, err := model.ParseScope(req.Scope, req.ID)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	res, err := h.deps.TriggerRecompute(scope)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// HandleGetJob handles GET /recompute/jobs/{id}.
func (h *SchedulerHandler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.deps.RecomputeJob(r.PathValue("id"))
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
