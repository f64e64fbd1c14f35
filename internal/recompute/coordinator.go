// Package recompute runs similarity recompute jobs and keeps at most one
// active job per scope key.
package recompute

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/pkg/logger"
	"github.com/okian/skillmatch/pkg/metrics"
)

// Features is the read side recompute jobs score from.
type Features interface {
	ListUsers(ctx context.Context) ([]model.Entity, error)
	ListJobs(ctx context.Context, filter model.JobFilter) ([]model.Entity, error)
	GetUser(ctx context.Context, id string) (model.Entity, error)
	GetJob(ctx context.Context, id string) (model.Entity, error)
}

// Sink receives computed rows.
type Sink interface {
	UpsertBatch(ctx context.Context, rows []model.SimilarityScore) (int, error)
}

// CoverageRecorder is implemented by sinks that track which entity
// versions a succeeded job wrote every pair for.
type CoverageRecorder interface {
	MarkCovered(kind model.Kind, ref model.EntityRef)
}

// Scorer scores one pair.
type Scorer interface {
	Pair(user, job model.Entity) float64
}

// TriggerResult tells the caller what a trigger turned into.
type TriggerResult struct {
	JobID string `json:"job_id"`
	// Coalesced is set when a job for the same scope key was already
	// active and JobID names it.
	Coalesced bool `json:"coalesced"`
	// Deferred is set when an incremental trigger arrived during a full
	// recompute. JobID names the full job; the scope runs after it.
	Deferred bool `json:"deferred"`
}

// Stats is a snapshot of the job registry.
type Stats struct {
	Pending  int `json:"pending"`
	Running  int `json:"running"`
	Deferred int `json:"deferred"`
	History  int `json:"history"`
}

type jobState struct {
	job   model.RecomputeJob
	dirty bool
	done  chan struct{}
}

// Coordinator owns the scope table. A full job excludes every incremental
// job: it waits for in-flight ones to drain and defers new ones until it
// finishes.
type Coordinator struct {
	features    Features
	sink        Sink
	scorer      Scorer
	logger      logger.Logger
	now         func() time.Time
	parallelism int
	limiter     *rate.Limiter
	batchSize   int
	historySize int
	retention   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	drained     *sync.Cond
	active      map[string]*jobState // scope key -> pending or running job
	jobs        map[string]*jobState // job id -> job
	finished    []string             // finished job ids, oldest first
	incremental int                  // active incremental jobs
	running     int
	full        *jobState
	deferred    map[string]model.Scope
	closed      bool
}

// New creates a Coordinator.
func New(features Features, sink Sink, scorer Scorer, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		features:    features,
		sink:        sink,
		scorer:      scorer,
		now:         time.Now,
		parallelism: runtime.NumCPU(),
		limiter:     rate.NewLimiter(rate.Inf, 0),
		batchSize:   500,
		historySize: 100,
		retention:   24 * time.Hour,
		ctx:         ctx,
		cancel:      cancel,
		active:      make(map[string]*jobState),
		jobs:        make(map[string]*jobState),
		deferred:    make(map[string]model.Scope),
	}
	c.drained = sync.NewCond(&c.mu)
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Get().Named("recompute")
	}
	return c
}

// Trigger starts a job for scope or joins the active one. It never blocks
// on a running job.
func (c *Coordinator) Trigger(scope model.Scope) (TriggerResult, error) {
	if !scope.IsFull() && scope.ID == "" {
		return TriggerResult{}, fmt.Errorf("%w: %s scope needs an id", model.ErrInvalidScope, scope.Kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return TriggerResult{}, ErrClosed
	}
	return c.triggerLocked(scope), nil
}

func (c *Coordinator) triggerLocked(scope model.Scope) TriggerResult {
	key := scope.Key()
	if st, ok := c.active[key]; ok {
		if st.job.Status == model.JobRunning && !scope.IsFull() {
			// The running job may have read the entity before this change.
			st.dirty = true
		}
		metrics.RecordRecomputeCoalesced(string(scope.Kind))
		return TriggerResult{JobID: st.job.ID, Coalesced: true}
	}
	if !scope.IsFull() && c.full != nil {
		c.deferred[key] = scope
		metrics.RecordRecomputeDeferred()
		c.logger.Debug(context.Background(), "deferred incremental recompute behind full job",
			logger.String("scope", key), logger.String("full_job_id", c.full.job.ID))
		return TriggerResult{JobID: c.full.job.ID, Deferred: true}
	}

	st := &jobState{
		job: model.RecomputeJob{
			ID:        uuid.NewString(),
			Scope:     scope,
			Status:    model.JobPending,
			CreatedAt: c.now(),
		},
		done: make(chan struct{}),
	}
	c.active[key] = st
	c.jobs[st.job.ID] = st
	if scope.IsFull() {
		c.full = st
	} else {
		c.incremental++
	}

	c.wg.Add(1)
	go c.run(st)
	return TriggerResult{JobID: st.job.ID}
}

// Job returns a snapshot of a job. Unknown or pruned ids fail with
// model.ErrNotFound.
func (c *Coordinator) Job(id string) (model.RecomputeJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	st, ok := c.jobs[id]
	if !ok {
		return model.RecomputeJob{}, fmt.Errorf("recompute job %q: %w", id, model.ErrNotFound)
	}
	return st.job, nil
}

// Wait blocks until the job finishes or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, id string) (model.RecomputeJob, error) {
	c.mu.Lock()
	st, ok := c.jobs[id]
	c.mu.Unlock()
	if !ok {
		return model.RecomputeJob{}, fmt.Errorf("recompute job %q: %w", id, model.ErrNotFound)
	}
	select {
	case <-st.done:
	case <-ctx.Done():
		return model.RecomputeJob{}, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return st.job, nil
}

// Stats reports registry counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Pending:  len(c.active) - c.running,
		Running:  c.running,
		Deferred: len(c.deferred),
		History:  len(c.finished),
	}
}

// Shutdown cancels active jobs and waits for them to record their failure.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.deferred = make(map[string]model.Scope)
	c.drained.Broadcast()
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for recompute jobs: %w", ctx.Err())
	}
}

func (c *Coordinator) run(st *jobState) {
	defer c.wg.Done()
	scope := st.job.Scope

	c.mu.Lock()
	if scope.IsFull() {
		for c.incremental > 0 && !c.closed {
			c.drained.Wait()
		}
	}
	if c.closed {
		c.mu.Unlock()
		c.finish(st, counts{}, ErrClosed)
		return
	}
	st.job.Status = model.JobRunning
	st.job.StartedAt = c.now()
	c.running++
	metrics.UpdateRecomputeRunning(c.running)
	c.mu.Unlock()

	c.logger.Info(c.ctx, "recompute job started",
		logger.String("job_id", st.job.ID), logger.String("scope", scope.Key()))

	var n counts
	err := safely(func() error {
		var err error
		n, err = c.execute(c.ctx, scope)
		return err
	})
	c.finish(st, n, err)
}

func (c *Coordinator) execute(ctx context.Context, scope model.Scope) (counts, error) {
	switch scope.Kind {
	case model.ScopeUser:
		return c.computeUser(ctx, scope.ID)
	case model.ScopeJob:
		return c.computeJob(ctx, scope.ID)
	default:
		return c.computeFull(ctx)
	}
}

func (c *Coordinator) finish(st *jobState, n counts, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	job := &st.job
	wasRunning := job.Status == model.JobRunning
	job.FinishedAt = c.now()
	job.PairsWritten = n.written
	job.PairsSkipped = n.skipped
	switch {
	case err == nil:
		job.Status = model.JobSucceeded
		if rec, ok := c.sink.(CoverageRecorder); ok {
			for _, cv := range n.covered {
				rec.MarkCovered(cv.kind, cv.ref)
			}
		}
	case errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) || errors.Is(err, model.ErrCancelled):
		job.Status = model.JobFailed
		job.Error = model.ErrCancelled.Error()
	default:
		job.Status = model.JobFailed
		job.Error = err.Error()
	}
	close(st.done)

	if wasRunning {
		c.running--
		metrics.UpdateRecomputeRunning(c.running)
	}
	delete(c.active, job.Scope.Key())
	c.finished = append(c.finished, job.ID)
	c.pruneLocked()

	dur := job.FinishedAt.Sub(job.CreatedAt)
	metrics.RecordRecomputeJob(string(job.Scope.Kind), string(job.Status), float64(dur.Milliseconds()))
	metrics.RecordRecomputePairs(n.written, n.skipped)
	fields := []logger.Field{
		logger.String("job_id", job.ID),
		logger.String("scope", job.Scope.Key()),
		logger.String("status", string(job.Status)),
		logger.Int("pairs_written", n.written),
		logger.Int("pairs_skipped", n.skipped),
		logger.Duration("duration", dur),
	}
	if job.Status == model.JobFailed {
		c.logger.Error(context.Background(), "recompute job failed", append(fields, logger.String("reason", job.Error))...)
	} else {
		c.logger.Info(context.Background(), "recompute job finished", fields...)
	}

	if job.Scope.IsFull() {
		c.full = nil
		deferred := c.deferred
		c.deferred = make(map[string]model.Scope)
		if !c.closed {
			for _, s := range deferred {
				c.triggerLocked(s)
			}
		}
		return
	}

	c.incremental--
	if c.incremental == 0 {
		c.drained.Broadcast()
	}
	if st.dirty && !c.closed {
		c.triggerLocked(job.Scope)
	}
}

// pruneLocked drops finished jobs beyond the history size or older than
// the retention window.
func (c *Coordinator) pruneLocked() {
	cutoff := c.now().Add(-c.retention)
	drop := 0
	for drop < len(c.finished) {
		st := c.jobs[c.finished[drop]]
		if len(c.finished)-drop <= c.historySize && !st.job.FinishedAt.Before(cutoff) {
			break
		}
		delete(c.jobs, st.job.ID)
		drop++
	}
	if drop > 0 {
		c.finished = append(c.finished[:0], c.finished[drop:]...)
	}
}

// safely turns a panic in fn into ErrComputeFailure.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", model.ErrComputeFailure, r)
		}
	}()
	return fn()
}
