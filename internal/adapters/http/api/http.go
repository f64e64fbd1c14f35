// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/okian/skillmatch/internal/adapters/mq/queue"
	"github.com/okian/skillmatch/internal/adapters/repository"
	service "github.com/okian/skillmatch/internal/app"
	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/internal/recompute"
	"github.com/okian/skillmatch/internal/scheduler"
	"github.com/okian/skillmatch/pkg/logger"
)

// Dependencies required by HTTP handlers. *service.Service satisfies it.
type Dependencies interface {
	RecommendationDependencies
	ScoreDependencies
	SchedulerDependencies
	EventDependencies
	StatsProvider
}

// RecommendationDependencies serves GET /recommendations/{user_id}.
type RecommendationDependencies interface {
	DefaultK() int
	GetRecommendations(ctx context.Context, userID string, k int) (service.Recommendations, error)
}

// ScoreDependencies serves the score inspection routes.
type ScoreDependencies interface {
	GetScore(ctx context.Context, userID, jobID string) (service.ScoreView, error)
	GetFullMatrix(ctx context.Context, page, pageSize int) (service.MatrixPage, error)
}

// SchedulerDependencies serves scheduler control and job inspection.
type SchedulerDependencies interface {
	SchedulerStatus() (scheduler.Status, error)
	StartScheduler() error
	StopScheduler() error
	TriggerRecompute(scope model.Scope) (recompute.TriggerResult, error)
	RecomputeJob(id string) (model.RecomputeJob, error)
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler          *HealthHandler
	statsHandler           *StatsHandler
	eventsHandler          *EventsHandler
	recommendationsHandler *RecommendationsHandler
	scoresHandler          *ScoresHandler
	schedulerHandler       *SchedulerHandler
}

// Option configures a Server.
type Option func(*options)

type options struct {
	topKMax int
	log     logger.Logger
}

// WithTopKMax caps the k accepted by the recommendations route.
func WithTopKMax(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.topKMax = n
		}
	}
}

// WithLogger sets the logger used for internal errors.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, opts ...Option) *Server {
	o := options{topKMax: 100}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Get().Named("http")
	}
	return &Server{
		healthHandler:          NewHealthHandler(),
		statsHandler:           NewStatsHandler(deps),
		eventsHandler:          NewEventsHandler(deps, o.log),
		recommendationsHandler: NewRecommendationsHandler(deps, o.topKMax, o.log),
		scoresHandler:          NewScoresHandler(deps, o.log),
		schedulerHandler:       NewSchedulerHandler(deps, o.log),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	if mux == nil {
		panic("mux is nil")
	}
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.Handle("GET /metrics", s.healthHandler.MetricsHandler())
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))

	mux.HandleFunc("GET /recommendations/{user_id}",
		MetricsMiddleware(s.recommendationsHandler.HandleGetRecommendations, "recommendations"))

	mux.HandleFunc("GET /scores/{user_id}/{job_id}", MetricsMiddleware(s.scoresHandler.HandleGetScore, "score"))
	mux.HandleFunc("GET /scores", MetricsMiddleware(s.scoresHandler.HandleGetMatrix, "scores"))

	mux.HandleFunc("GET /scheduler/status", MetricsMiddleware(s.schedulerHandler.HandleStatus, "scheduler_status"))
	mux.HandleFunc("POST /scheduler/start", MetricsMiddleware(s.schedulerHandler.HandleStart, "scheduler_start"))
	mux.HandleFunc("POST /scheduler/stop", MetricsMiddleware(s.schedulerHandler.HandleStop, "scheduler_stop"))
	mux.HandleFunc("POST /scheduler/trigger", MetricsMiddleware(s.schedulerHandler.HandleTrigger, "scheduler_trigger"))
	mux.HandleFunc("GET /recompute/jobs/{id}", MetricsMiddleware(s.schedulerHandler.HandleGetJob, "recompute_job"))

	mux.HandleFunc("POST /events", MetricsMiddleware(s.eventsHandler.HandlePostEvent, "events"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// statusFor maps domain errors onto HTTP status codes and error codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, model.ErrInvalidK),
		errors.Is(err, model.ErrInvalidScope),
		errors.Is(err, repository.ErrInvalidLimit):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, recompute.ErrClosed):
		return http.StatusConflict, "conflict"
	case errors.Is(err, queue.ErrFull), errors.Is(err, ErrBackpressure):
		return http.StatusTooManyRequests, "backpressure"
	case errors.Is(err, model.ErrServiceUnavailable),
		errors.Is(err, service.ErrNotStarted),
		errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

type errorWriter struct {
	log logger.Logger
}

func newErrorWriter(log logger.Logger) *errorWriter {
	if log == nil {
		log = logger.Nop()
	}
	return &errorWriter{log: log}
}

// write answers with the status mapped from err. Unmapped errors are
// logged and their text is not exposed.
func (e *errorWriter) write(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		e.log.Error(r.Context(), "request failed",
			logger.String("path", r.URL.Path),
			logger.Error(err))
		writeError(w, status, code, nil)
		return
	}
	writeError(w, status, code, err)
}
