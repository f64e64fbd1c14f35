package recompute

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/okian/skillmatch/internal/adapters/repository"
	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/pkg/logger"
)

type counts struct {
	written int
	skipped int
	// covered lists entities every pair of which the job wrote.
	covered []coverage
}

type coverage struct {
	kind model.Kind
	ref  model.EntityRef
}

func (n *counts) add(o counts) {
	n.written += o.written
	n.skipped += o.skipped
	n.covered = append(n.covered, o.covered...)
}

// cover records ref when no pair of the batch was skipped.
func (n *counts) cover(kind model.Kind, ref model.EntityRef) {
	if n.skipped == 0 {
		n.covered = append(n.covered, coverage{kind: kind, ref: ref})
	}
}

// fetchErr classifies a feature store failure. A missing subject fails the
// job with ErrNotFound; anything else is a compute failure.
func fetchErr(what string, err error) error {
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%w: %s: %w", model.ErrComputeFailure, what, err)
}

// batcher accumulates rows and flushes them to the sink.
type batcher struct {
	c    *Coordinator
	rows []model.SimilarityScore
	n    counts
}

func (c *Coordinator) newBatcher() *batcher {
	return &batcher{c: c, rows: make([]model.SimilarityScore, 0, c.batchSize)}
}

func (b *batcher) add(ctx context.Context, row model.SimilarityScore) error {
	if err := repository.ValidateRow(row); err != nil {
		b.n.skipped++
		return nil
	}
	b.rows = append(b.rows, row)
	if len(b.rows) >= b.c.batchSize {
		return b.flush(ctx)
	}
	return nil
}

func (b *batcher) flush(ctx context.Context) error {
	if len(b.rows) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := b.c.sink.UpsertBatch(ctx, b.rows)
	b.n.written += n
	b.rows = b.rows[:0]
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: upsert scores: %w", model.ErrComputeFailure, err)
	}
	return nil
}

func (c *Coordinator) pair(user, job model.Entity) model.SimilarityScore {
	return model.SimilarityScore{
		UserID:      user.Ref.ID,
		JobID:       job.Ref.ID,
		Score:       c.scorer.Pair(user, job),
		ComputedAt:  c.now(),
		UserVersion: user.Ref.Version,
		JobVersion:  job.Ref.Version,
	}
}

// scoreUser writes one user against every job.
func (c *Coordinator) scoreUser(ctx context.Context, user model.Entity, jobs []model.Entity) (counts, error) {
	b := c.newBatcher()
	for _, j := range jobs {
		if err := b.add(ctx, c.pair(user, j)); err != nil {
			return b.n, err
		}
	}
	err := b.flush(ctx)
	return b.n, err
}

func (c *Coordinator) computeUser(ctx context.Context, userID string) (counts, error) {
	user, err := c.features.GetUser(ctx, userID)
	if err != nil {
		return counts{}, fetchErr("get user", err)
	}
	jobs, err := c.features.ListJobs(ctx, model.JobFilter{})
	if err != nil {
		return counts{}, fetchErr("list jobs", err)
	}
	n, err := c.scoreUser(ctx, user, jobs)
	if err == nil {
		n.cover(model.KindUser, user.Ref)
	}
	return n, err
}

func (c *Coordinator) computeJob(ctx context.Context, jobID string) (counts, error) {
	job, err := c.features.GetJob(ctx, jobID)
	if err != nil {
		return counts{}, fetchErr("get job", err)
	}
	users, err := c.features.ListUsers(ctx)
	if err != nil {
		return counts{}, fetchErr("list users", err)
	}
	b := c.newBatcher()
	for _, u := range users {
		if err := b.add(ctx, c.pair(u, job)); err != nil {
			return b.n, err
		}
	}
	if err := b.flush(ctx); err != nil {
		return b.n, err
	}
	b.n.cover(model.KindJob, job.Ref)
	return b.n, nil
}

// computeFull scores every user against every job, a bounded number of
// users at a time. Each user is re-read before scoring; users deleted
// since the listing are skipped. Jobs are covered only when no scored
// user had a pair skipped.
func (c *Coordinator) computeFull(ctx context.Context) (counts, error) {
	users, err := c.features.ListUsers(ctx)
	if err != nil {
		return counts{}, fetchErr("list users", err)
	}
	jobs, err := c.features.ListJobs(ctx, model.JobFilter{})
	if err != nil {
		return counts{}, fetchErr("list jobs", err)
	}

	var (
		mu      sync.Mutex
		total   counts
		partial bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for _, listed := range users {
		if err := c.limiter.Wait(gctx); err != nil {
			break
		}
		id := listed.Ref.ID
		g.Go(func() error {
			return safely(func() error {
				user, err := c.features.GetUser(gctx, id)
				if errors.Is(err, model.ErrNotFound) {
					c.logger.Debug(gctx, "user vanished during full recompute",
						logger.String("user_id", id), logger.Error(model.ErrStaleInput))
					mu.Lock()
					total.skipped += len(jobs)
					mu.Unlock()
					return nil
				}
				if err != nil {
					return fetchErr("get user "+id, err)
				}
				n, err := c.scoreUser(gctx, user, jobs)
				if err == nil {
					n.cover(model.KindUser, user.Ref)
				}
				mu.Lock()
				total.add(n)
				partial = partial || n.skipped > 0
				mu.Unlock()
				return err
			})
		})
	}
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err == nil && !partial {
		for _, j := range jobs {
			total.covered = append(total.covered, coverage{kind: model.KindJob, ref: j.Ref})
		}
	}
	return total, err
}
