package matchcheck

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/okian/skillmatch/internal/adapters/featurestore"
	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/internal/recompute"
	"github.com/okian/skillmatch/pkg/logger"
)

const jobPollInterval = 100 * time.Millisecond

// ErrRecomputeFailed is returned when the full recompute does not succeed.
var ErrRecomputeFailed = errors.New("full recompute failed")

// Run checks a service started with seed:
//  1. health check
//  2. full recompute, waited on through the job endpoint
//  3. ranking verification against a local computation
//  4. event publication, including redeliveries
//  5. wait until every event is handled and its recompute finished
//  6. ranking verification again
func Run(ctx context.Context, cfg *Config, seed featurestore.Seed, rng *rand.Rand) (*Stats, error) {
	log := logger.Get().Named("match-check")
	stats := &Stats{StartTime: time.Now()}
	c := newClient(cfg.BaseURL, cfg.Timeout)

	log.Info(ctx, "starting match check",
		logger.String("base_url", cfg.BaseURL),
		logger.Int("users", len(seed.Users)),
		logger.Int("jobs", len(seed.Jobs)),
		logger.Int("k", cfg.K),
		logger.Bool("adjusted", cfg.Adjusted))

	if err := c.get(ctx, "/healthz", nil); err != nil {
		return stats, fmt.Errorf("service health check failed: %w", err)
	}

	job, err := runFullRecompute(ctx, cfg, c, log)
	if err != nil {
		return stats, err
	}
	stats.RecomputeJobID = job.ID
	stats.RecomputeWritten = job.PairsWritten

	exp := newExpected(seed, cfg.Adjusted)
	users := exp.sample(cfg.Sample, rng)
	if err := verifyRecommendations(ctx, cfg, c, exp, users, stats, log); err != nil {
		return stats, fmt.Errorf("after full recompute: %w", err)
	}

	if cfg.Events > 0 {
		submitEvents(ctx, cfg, c, generateEvents(seed, cfg.Events, cfg.Redeliver, rng), stats, log)
		if stats.EventsFailed > 0 {
			log.Warn(ctx, "some events failed", logger.Int("failed", stats.EventsFailed))
		}
		if err := waitSettled(ctx, cfg, c, log); err != nil {
			return stats, err
		}
		if err := verifyRecommendations(ctx, cfg, c, exp, users, stats, log); err != nil {
			return stats, fmt.Errorf("after events: %w", err)
		}
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	log.Info(ctx, "match check passed",
		logger.String("recompute_job", stats.RecomputeJobID),
		logger.Int("pairs_written", stats.RecomputeWritten),
		logger.Int("users_checked", stats.UsersChecked),
		logger.Int("events_accepted", stats.EventsAccepted),
		logger.Int("events_duplicate", stats.EventsDuplicate),
		logger.Duration("duration", stats.Duration))
	return stats, nil
}

// runFullRecompute triggers a full recompute and polls until it finishes.
func runFullRecompute(ctx context.Context, cfg *Config, c *client, log logger.Logger) (model.RecomputeJob, error) {
	var res recompute.TriggerResult
	body := map[string]string{"scope": string(model.ScopeFull)}
	if _, err := c.do(ctx, http.MethodPost, "/scheduler/trigger", body, &res, http.StatusAccepted); err != nil {
		return model.RecomputeJob{}, fmt.Errorf("trigger full recompute: %w", err)
	}
	log.Info(ctx, "full recompute triggered",
		logger.String("job_id", res.JobID),
		logger.Bool("coalesced", res.Coalesced))

	waitCtx, cancel := context.WithTimeout(ctx, cfg.JobWait)
	defer cancel()
	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()

	for {
		var job model.RecomputeJob
		if err := c.get(waitCtx, "/recompute/jobs/"+escape(res.JobID), &job); err != nil {
			return job, fmt.Errorf("poll recompute job: %w", err)
		}
		if !job.Status.Active() {
			if job.Status != model.JobSucceeded {
				return job, fmt.Errorf("%w: job %s %s: %s", ErrRecomputeFailed, job.ID, job.Status, job.Error)
			}
			return job, nil
		}
		select {
		case <-waitCtx.Done():
			return job, fmt.Errorf("wait for job %s: %w", res.JobID, waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// serviceStats is the part of GET /stats the check reads.
type serviceStats struct {
	QueueLength   int             `json:"queueLength"`
	PendingEvents int64           `json:"pendingEvents"`
	Recompute     recompute.Stats `json:"recompute"`
}

func (s serviceStats) settled() bool {
	return s.QueueLength == 0 && s.PendingEvents == 0 &&
		s.Recompute.Pending == 0 && s.Recompute.Running == 0 && s.Recompute.Deferred == 0
}

// waitSettled polls GET /stats until no event or recompute is outstanding.
func waitSettled(ctx context.Context, cfg *Config, c *client, log logger.Logger) error {
	waitCtx, cancel := context.WithTimeout(ctx, cfg.JobWait)
	defer cancel()
	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()

	for {
		var st serviceStats
		if err := c.get(waitCtx, "/stats", &st); err != nil {
			return fmt.Errorf("poll stats: %w", err)
		}
		if st.settled() {
			log.Info(ctx, "service settled")
			return nil
		}
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("wait for events to settle: %w", waitCtx.Err())
		case <-ticker.C:
		}
	}
}
