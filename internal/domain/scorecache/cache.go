// Package scorecache serves cached similarity rows and decides whether
// they are still fresh.
package scorecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/okian/skillmatch/internal/adapters/repository"
	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/pkg/logger"
	"github.com/okian/skillmatch/pkg/metrics"
)

const (
	defaultScanPage     = 64
	defaultCoverageSize = 1 << 17
)

// JobVersions resolves current job versions. featurestore.Reader satisfies it.
type JobVersions interface {
	ListJobs(ctx context.Context, filter model.JobFilter) ([]model.Entity, error)
}

// Cache wraps a repository.Store with freshness rules. A row is fresh when
// it was computed from the current user and job versions, after the last
// invalidation of either entity, and within the optional max age.
//
// Readers never write to the store; only UpsertBatch does.
type Cache struct {
	store    repository.Store
	jobs     JobVersions
	now      func() time.Time
	maxAge   time.Duration
	scanPage int
	logger   logger.Logger

	coverageSize int
	// covered maps an entity key to the version whose every pair was
	// written by one finished job. Eviction only costs a recompute.
	covered *lru.Cache[string, int64]

	mu         sync.RWMutex
	watermarks map[string]time.Time // entity key -> last invalidation
}

// New creates a Cache over store. jobs is consulted by TopK to check job
// versions.
func New(store repository.Store, jobs JobVersions, opts ...Option) *Cache {
	c := &Cache{
		store:        store,
		jobs:         jobs,
		now:          time.Now,
		scanPage:     defaultScanPage,
		coverageSize: defaultCoverageSize,
		watermarks:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	covered, err := lru.New[string, int64](c.coverageSize)
	if err != nil {
		// Only a non-positive size fails and WithCoverageSize rejects those.
		panic(err)
	}
	c.covered = covered
	if c.logger == nil {
		c.logger = logger.Get().Named("score-cache")
	}
	return c
}

func entityKey(kind model.Kind, id string) string {
	return kind.String() + ":" + id
}

// Freshness classifies row against the current versions.
func (c *Cache) Freshness(row model.SimilarityScore, userVersion, jobVersion int64) model.Freshness {
	if !row.Matches(userVersion, jobVersion) {
		return model.Stale
	}
	if c.maxAge > 0 && c.now().Sub(row.ComputedAt) > c.maxAge {
		return model.Stale
	}
	c.mu.RLock()
	uw, uok := c.watermarks[entityKey(model.KindUser, row.UserID)]
	jw, jok := c.watermarks[entityKey(model.KindJob, row.JobID)]
	c.mu.RUnlock()
	if (uok && row.ComputedAt.Before(uw)) || (jok && row.ComputedAt.Before(jw)) {
		return model.Stale
	}
	return model.Fresh
}

// Get returns the cached row for a pair and its freshness against the
// given current refs. Absent rows fail with model.ErrNotFound.
func (c *Cache) Get(ctx context.Context, user, job model.EntityRef) (model.SimilarityScore, model.Freshness, error) {
	row, err := c.store.Get(ctx, user.ID, job.ID)
	if err != nil {
		metrics.RecordCacheLookup("miss")
		return row, model.Stale, err
	}
	f := c.Freshness(row, user.Version, job.Version)
	metrics.RecordCacheLookup(f.String())
	return row, f, nil
}

// TopKResult is the fresh part of a user's cached ranking.
type TopKResult struct {
	Items []model.Ranked
	// Complete is set when every cached row of the user was read and all
	// of them were fresh, so fewer than k items still answer the query.
	Complete bool
	// Scanned counts the rows read from the store.
	Scanned int
}

// TopK returns up to k fresh rows for user ordered by score desc then job
// id asc. It never computes scores.
func (c *Cache) TopK(ctx context.Context, user model.EntityRef, k int) (TopKResult, error) {
	var res TopKResult
	if k < 1 {
		return res, fmt.Errorf("%w: got %d", model.ErrInvalidK, k)
	}

	page := max(c.scanPage, k)
	stale := 0
	for offset := 0; ; offset += page {
		rows, err := c.store.Ranked(ctx, user.ID, offset, page)
		if err != nil {
			return res, fmt.Errorf("read ranking: %w", err)
		}
		res.Scanned += len(rows)
		if len(rows) == 0 {
			res.Complete = stale == 0 && res.Scanned > 0
			break
		}

		versions, err := c.jobVersions(ctx, rows)
		if err != nil {
			return res, err
		}
		for _, r := range rows {
			jv, ok := versions[r.JobID]
			if !ok || c.Freshness(r, user.Version, jv) != model.Fresh {
				stale++
				continue
			}
			res.Items = append(res.Items, model.Ranked{JobID: r.JobID, Score: r.Score})
			if len(res.Items) == k {
				metrics.RecordCacheLookup("fresh")
				return res, nil
			}
		}
		if len(rows) < page {
			res.Complete = stale == 0
			break
		}
	}

	if stale > 0 {
		metrics.RecordCacheLookup("stale")
	} else if res.Scanned == 0 {
		metrics.RecordCacheLookup("miss")
	} else {
		metrics.RecordCacheLookup("fresh")
	}
	return res, nil
}

func (c *Cache) jobVersions(ctx context.Context, rows []model.SimilarityScore) (map[string]int64, error) {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.JobID
	}
	jobs, err := c.jobs.ListJobs(ctx, model.JobFilter{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("resolve job versions: %w", err)
	}
	out := make(map[string]int64, len(jobs))
	for _, j := range jobs {
		out[j.Ref.ID] = j.Ref.Version
	}
	return out, nil
}

// BestEffort returns the user's top k cached rows regardless of
// freshness. It serves degraded answers when the feature store is down.
func (c *Cache) BestEffort(ctx context.Context, userID string, k int) ([]model.Ranked, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: got %d", model.ErrInvalidK, k)
	}
	rows, err := c.store.Ranked(ctx, userID, 0, k)
	if err != nil {
		return nil, fmt.Errorf("read ranking: %w", err)
	}
	out := make([]model.Ranked, len(rows))
	for i, r := range rows {
		out[i] = model.Ranked{JobID: r.JobID, Score: r.Score}
	}
	return out, nil
}

// UpsertBatch writes rows.
func (c *Cache) UpsertBatch(ctx context.Context, rows []model.SimilarityScore) (int, error) {
	return c.store.UpsertBatch(ctx, rows)
}

// MarkCovered records that every pair of the entity was written at
// ref.Version. Rows written for one pair do not cover either side.
func (c *Cache) MarkCovered(kind model.Kind, ref model.EntityRef) {
	c.covered.Add(entityKey(kind, ref.ID), ref.Version)
}

// Covered returns the entity version last recorded by MarkCovered.
func (c *Cache) Covered(kind model.Kind, id string) (int64, bool) {
	return c.covered.Get(entityKey(kind, id))
}

// Invalidate marks every row of userID and every row of jobID computed
// before now as stale. Rows stay available to BestEffort. Empty ids are
// ignored.
func (c *Cache) Invalidate(userID, jobID string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if userID != "" {
		c.watermarks[entityKey(model.KindUser, userID)] = now
	}
	if jobID != "" {
		c.watermarks[entityKey(model.KindJob, jobID)] = now
	}
	c.logger.Debug(context.Background(), "invalidated cached scores",
		logger.String("user_id", userID), logger.String("job_id", jobID))
}

// Page returns rows ordered by (user, job). page starts at 1.
func (c *Cache) Page(ctx context.Context, page, pageSize int) ([]model.SimilarityScore, error) {
	if page < 1 || pageSize < 1 {
		return nil, fmt.Errorf("%w: page=%d page_size=%d", repository.ErrInvalidLimit, page, pageSize)
	}
	return c.store.Page(ctx, (page-1)*pageSize, pageSize)
}

// Count returns the number of cached rows.
func (c *Cache) Count(ctx context.Context) (int, error) {
	return c.store.Count(ctx)
}
