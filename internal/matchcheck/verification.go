package matchcheck

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/okian/skillmatch/internal/adapters/featurestore"
	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/internal/domain/similarity"
	"github.com/okian/skillmatch/pkg/logger"
)

// scoreTolerance absorbs float round trips through the score stores.
const scoreTolerance = 1e-6

// ErrMismatch is returned when the service disagrees with the local ranking.
var ErrMismatch = errors.New("rankings mismatch")

type recommendations struct {
	UserID string         `json:"user_id"`
	Items  []model.Ranked `json:"items"`
	Source string         `json:"source"`
}

func toEntity(s featurestore.SeedEntity) model.Entity {
	return model.Entity{Ref: model.EntityRef{ID: s.ID, Version: s.Version}, Vector: s.Vector, Traits: s.Traits}
}

// expected ranks every user of seed locally.
type expected struct {
	engine *similarity.Engine
	users  []model.Entity
	jobs   []model.Entity
	byJob  map[string]model.Entity
}

func newExpected(seed featurestore.Seed, adjusted bool) *expected {
	var opts []similarity.Option
	if adjusted {
		opts = append(opts, similarity.WithAdjusters(similarity.DefaultAdjusters()...))
	}
	e := &expected{engine: similarity.NewEngine(opts...), byJob: make(map[string]model.Entity, len(seed.Jobs))}
	for _, u := range seed.Users {
		e.users = append(e.users, toEntity(u))
	}
	for _, j := range seed.Jobs {
		ent := toEntity(j)
		e.jobs = append(e.jobs, ent)
		e.byJob[ent.Ref.ID] = ent
	}
	return e
}

// compare checks got against the local top-k of user. Positions must agree
// on score; a different job id is accepted only when it scores the same.
func (e *expected) compare(user model.Entity, got []model.Ranked, k int) error {
	want, err := e.engine.Rank(user, e.jobs, k)
	if err != nil {
		return err
	}
	if len(got) != len(want) {
		return fmt.Errorf("%w: user %s: got %d items, want %d", ErrMismatch, user.Ref.ID, len(got), len(want))
	}
	for i := range want {
		if math.Abs(got[i].Score-want[i].Score) > scoreTolerance {
			return fmt.Errorf("%w: user %s rank %d: got %s=%.6f, want %s=%.6f",
				ErrMismatch, user.Ref.ID, i+1, got[i].JobID, got[i].Score, want[i].JobID, want[i].Score)
		}
		if got[i].JobID == want[i].JobID {
			continue
		}
		job, ok := e.byJob[got[i].JobID]
		if !ok {
			return fmt.Errorf("%w: user %s rank %d: unknown job %s", ErrMismatch, user.Ref.ID, i+1, got[i].JobID)
		}
		if math.Abs(e.engine.Pair(user, job)-got[i].Score) > scoreTolerance {
			return fmt.Errorf("%w: user %s rank %d: %s scored %.6f, want %.6f",
				ErrMismatch, user.Ref.ID, i+1, got[i].JobID, got[i].Score, e.engine.Pair(user, job))
		}
	}
	return nil
}

// sample picks the users to verify.
func (e *expected) sample(n int, rng *rand.Rand) []model.Entity {
	if n <= 0 || n >= len(e.users) {
		return e.users
	}
	out := make([]model.Entity, 0, n)
	for _, i := range rng.Perm(len(e.users))[:n] {
		out = append(out, e.users[i])
	}
	return out
}

// verifyRecommendations fetches recommendations for users and compares
// them with the local ranking.
func verifyRecommendations(ctx context.Context, cfg *Config, c *client, exp *expected, users []model.Entity, stats *Stats, log logger.Logger) error {
	sources := make(map[string]int)
	var first error
	for _, u := range users {
		var recs recommendations
		if err := c.get(ctx, fmt.Sprintf("/recommendations/%s?k=%d", escape(u.Ref.ID), cfg.K), &recs); err != nil {
			return err
		}
		stats.UsersChecked++
		sources[recs.Source]++
		if err := exp.compare(u, recs.Items, cfg.K); err != nil {
			stats.UsersMismatched++
			if first == nil {
				first = err
			}
			if cfg.Verbose {
				log.Warn(ctx, "ranking mismatch", logger.Error(err))
			}
		}
	}
	log.Info(ctx, "rankings verified",
		logger.Int("users", len(users)),
		logger.Int("mismatched", stats.UsersMismatched),
		logger.Any("sources", sources))
	return first
}
