package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/pkg/logger"
)

// EventDependencies defines the interface for event processing dependencies.
type EventDependencies interface {
	PublishEvent(ctx context.Context, e model.Event) (duplicate bool, err error)
}

// eventRequest is the body of POST /events.
type eventRequest struct {
	EventID  string `json:"event_id"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id"`
	TS       string `json:"ts,omitempty"`
}

func (e eventRequest) toEvent() (model.Event, error) {
	ev := model.Event{
		EventID:  strings.TrimSpace(e.EventID),
		Type:     model.EventType(strings.TrimSpace(e.Type)),
		EntityID: strings.TrimSpace(e.EntityID),
	}
	switch {
	case ev.Type == "":
		return ev, errors.New("missing type")
	case ev.EntityID == "":
		return ev, errors.New("missing entity_id")
	}
	if e.TS != "" {
		ts, err := time.Parse(time.RFC3339, e.TS)
		if err != nil {
			return ev, errors.New("invalid ts; must be RFC3339")
		}
		ev.TS = ts
	}
	return ev, nil
}

type ackResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// EventsHandler handles event requests.
type EventsHandler struct {
	deps EventDependencies
	errs *errorWriter
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(deps EventDependencies, log logger.Logger) *EventsHandler {
	return &EventsHandler{deps: deps, errs: newErrorWriter(log)}
}

// HandlePostEvent handles POST /events. Redelivered event ids are
// acknowledged with duplicate=true; a full queue answers 429.
func (h *EventsHandler) HandlePostEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errs.write(w, r, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	ev, err := req.toEvent()
	if err != nil {
		h.errs.write(w, r, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}

	duplicate, err := h.deps.PublishEvent(r.Context(), ev)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	if duplicate {
		writeJSON(w, http.StatusOK, ackResponse{Status: "duplicate", Duplicate: true})
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted"})
}
