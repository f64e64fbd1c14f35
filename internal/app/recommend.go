package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/internal/recompute"
	"github.com/okian/skillmatch/internal/scheduler"
	"github.com/okian/skillmatch/pkg/logger"
	"github.com/okian/skillmatch/pkg/metrics"
)

// Source tells where a recommendation list came from.
type Source string

const (
	// SourceCache means every item is a fresh cached row.
	SourceCache Source = "cache"
	// SourceComputed means the cache missed and the candidate pool was
	// scored synchronously.
	SourceComputed Source = "computed"
	// SourceStale means the feature store was unreachable and cached rows
	// were served regardless of freshness.
	SourceStale Source = "stale"
)

// Recommendations is the answer to a recommendation query.
type Recommendations struct {
	UserID string         `json:"user_id"`
	K      int            `json:"k"`
	Items  []model.Ranked `json:"items"`
	Source Source         `json:"source"`
	// RecomputeJobID names the job warming the cache after a miss.
	RecomputeJobID string `json:"recompute_job_id,omitempty"`
}

// ScoreView is a cached row with its freshness.
type ScoreView struct {
	model.SimilarityScore
	Fresh bool `json:"fresh"`
}

// MatrixPage is one page of the cached score matrix.
type MatrixPage struct {
	Page     int                     `json:"page"`
	PageSize int                     `json:"page_size"`
	Total    int                     `json:"total"`
	Rows     []model.SimilarityScore `json:"rows"`
}

// DefaultK returns the configured recommendation count.
func (s *Service) DefaultK() int { return s.defaultK }

// GetRecommendations returns the k best jobs for a user. Fresh cached rows
// are served first. On a miss the candidate pool is scored synchronously
// and a recompute of the user is triggered in the background. When the
// feature store is unreachable cached rows are served as stale, and with
// no cached rows the query fails with model.ErrServiceUnavailable.
func (s *Service) GetRecommendations(ctx context.Context, userID string, k int) (Recommendations, error) {
	start := time.Now()
	defer func() {
		metrics.RecordRecommendationLatency(float64(time.Since(start).Milliseconds()))
	}()

	out := Recommendations{UserID: userID, K: k}
	if k < 1 {
		metrics.RecordRecommendationError("invalid_k")
		return out, fmt.Errorf("%w: got %d", model.ErrInvalidK, k)
	}
	cache, coord, _, err := s.components()
	if err != nil {
		return out, err
	}

	user, err := s.features.GetUser(ctx, userID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		metrics.RecordRecommendationError("not_found")
		return out, err
	case errors.Is(err, model.ErrServiceUnavailable):
		return s.bestEffort(ctx, out, err)
	case err != nil:
		metrics.RecordRecommendationError("internal")
		return out, fmt.Errorf("get user: %w", err)
	}

	res, err := cache.TopK(ctx, user.Ref, k)
	if errors.Is(err, model.ErrServiceUnavailable) {
		return s.bestEffort(ctx, out, err)
	}
	if err != nil {
		metrics.RecordRecommendationError("internal")
		return out, err
	}
	if len(res.Items) >= k || res.Complete {
		out.Items = res.Items
		out.Source = SourceCache
		return out, nil
	}

	candidates, err := s.features.ListJobs(ctx, model.JobFilter{Near: user.Vector, Limit: s.candidatePool})
	if errors.Is(err, model.ErrServiceUnavailable) {
		return s.bestEffort(ctx, out, err)
	}
	if err != nil {
		metrics.RecordRecommendationError("internal")
		return out, fmt.Errorf("list candidates: %w", err)
	}
	items, err := s.engine.Rank(user, candidates, k)
	if err != nil {
		return out, err
	}
	metrics.RecordOnDemandScored(len(candidates))
	out.Items = items
	out.Source = SourceComputed

	trig, err := coord.Trigger(model.UserScope(userID))
	if err != nil {
		s.logger.Warn(ctx, "could not schedule recompute after cache miss",
			logger.String("user_id", userID), logger.Error(err))
	} else {
		out.RecomputeJobID = trig.JobID
	}
	return out, nil
}

func (s *Service) bestEffort(ctx context.Context, out Recommendations, cause error) (Recommendations, error) {
	cache, _, _, err := s.components()
	if err != nil {
		return out, err
	}
	items, err := cache.BestEffort(ctx, out.UserID, out.K)
	if err != nil || len(items) == 0 {
		metrics.RecordRecommendationError("unavailable")
		return out, cause
	}
	s.logger.Warn(ctx, "serving stale recommendations",
		logger.String("user_id", out.UserID), logger.Error(cause))
	out.Items = items
	out.Source = SourceStale
	return out, nil
}

// GetScore returns the cached score for a pair with its freshness. Unknown
// entities and pairs never computed fail with model.ErrNotFound.
func (s *Service) GetScore(ctx context.Context, userID, jobID string) (ScoreView, error) {
	cache, _, _, err := s.components()
	if err != nil {
		return ScoreView{}, err
	}
	user, err := s.features.GetUser(ctx, userID)
	if err != nil {
		return ScoreView{}, err
	}
	job, err := s.features.GetJob(ctx, jobID)
	if err != nil {
		return ScoreView{}, err
	}
	row, fr, err := cache.Get(ctx, user.Ref, job.Ref)
	if err != nil {
		return ScoreView{}, fmt.Errorf("score %s/%s: %w", userID, jobID, err)
	}
	return ScoreView{SimilarityScore: row, Fresh: fr == model.Fresh}, nil
}

// GetFullMatrix pages through every cached row ordered by (user, job).
func (s *Service) GetFullMatrix(ctx context.Context, page, pageSize int) (MatrixPage, error) {
	out := MatrixPage{Page: page, PageSize: pageSize}
	cache, _, _, err := s.components()
	if err != nil {
		return out, err
	}
	rows, err := cache.Page(ctx, page, pageSize)
	if err != nil {
		return out, err
	}
	total, err := cache.Count(ctx)
	if err != nil {
		return out, err
	}
	out.Rows = rows
	out.Total = total
	return out, nil
}

// SchedulerStatus reports the daily trigger.
func (s *Service) SchedulerStatus() (scheduler.Status, error) {
	_, _, sched, err := s.components()
	if err != nil {
		return scheduler.Status{}, err
	}
	return sched.Status(), nil
}

// StartScheduler arms the daily trigger.
func (s *Service) StartScheduler() error {
	_, _, sched, err := s.components()
	if err != nil {
		return err
	}
	sched.Start()
	return nil
}

// StopScheduler disarms the daily trigger.
func (s *Service) StopScheduler() error {
	_, _, sched, err := s.components()
	if err != nil {
		return err
	}
	sched.Stop()
	return nil
}

// TriggerRecompute starts a recompute now and returns its job id.
func (s *Service) TriggerRecompute(scope model.Scope) (recompute.TriggerResult, error) {
	_, _, sched, err := s.components()
	if err != nil {
		return recompute.TriggerResult{}, err
	}
	return sched.TriggerNow(scope)
}

// RecomputeJob returns a recompute job by id.
func (s *Service) RecomputeJob(id string) (model.RecomputeJob, error) {
	_, coord, _, err := s.components()
	if err != nil {
		return model.RecomputeJob{}, err
	}
	return coord.Job(id)
}

// WaitRecompute blocks until a recompute job finishes.
func (s *Service) WaitRecompute(ctx context.Context, id string) (model.RecomputeJob, error) {
	_, coord, _, err := s.components()
	if err != nil {
		return model.RecomputeJob{}, err
	}
	return coord.Wait(ctx, id)
}
