// Package service wires the matching engine together and implements the
// dependencies required by the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/okian/skillmatch/internal/adapters/featurestore"
	eventqueue "github.com/okian/skillmatch/internal/adapters/mq/queue"
	workerpool "github.com/okian/skillmatch/internal/adapters/mq/worker"
	"github.com/okian/skillmatch/internal/adapters/repository"
	"github.com/okian/skillmatch/internal/domain/dedupe"
	"github.com/okian/skillmatch/internal/domain/scorecache"
	"github.com/okian/skillmatch/internal/domain/similarity"
	"github.com/okian/skillmatch/internal/recompute"
	"github.com/okian/skillmatch/internal/scheduler"
	"github.com/okian/skillmatch/pkg/logger"
	"github.com/okian/skillmatch/pkg/metrics"
)

// ErrNotStarted is returned by operations that need Start to have run.
var ErrNotStarted = errors.New("service not started")

// Policy decides which mutation events cause a recompute.
type Policy string

const (
	// PolicyAny recomputes on every event.
	PolicyAny Policy = "any"
	// PolicySemantic skips events whose entity version was already scored.
	PolicySemantic Policy = "semantic"
)

// Service implements the API dependencies for the matching engine.
type Service struct {
	mu sync.RWMutex

	// Injected backends
	features featurestore.Reader
	scores   repository.Store

	// Core components, built by Start
	engine     *similarity.Engine
	cache      *scorecache.Cache
	coord      *recompute.Coordinator
	sched      *scheduler.Scheduler
	deduper    dedupe.Deduper
	eventQueue eventqueue.Queue
	workerPool *workerpool.Pool
	supervisor *suture.Supervisor
	superErr   <-chan error
	cancel     context.CancelFunc

	// Configuration
	workerCount     int
	queueSize       int
	dedupeSize      int
	defaultK        int
	candidatePool   int
	parallelism     int
	ratePerSecond   float64
	batchSize       int
	historySize     int
	retention       time.Duration
	policy          Policy
	maxAge          time.Duration
	adjustments     bool
	schedule        scheduler.Config
	schedulerClock  scheduler.Clock
	shutdownTimeout time.Duration

	// State
	started   bool
	startedAt time.Time

	// pendingEvents counts accepted events not yet handled by a worker.
	pendingEvents atomic.Int64

	// Logging
	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of event workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum size of the event queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets how many event ids are remembered.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDefaultK sets the recommendation count used when callers pass none.
func WithDefaultK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.defaultK = k
		}
	}
}

// WithCandidatePool bounds the jobs scored synchronously on a cache miss.
func WithCandidatePool(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.candidatePool = n
		}
	}
}

// WithRecompute tunes full recomputes: users in flight, user batches per
// second (0 means unlimited) and rows per upsert.
func WithRecompute(parallelism int, perSecond float64, batchSize int) Option {
	return func(s *Service) {
		if parallelism > 0 {
			s.parallelism = parallelism
		}
		if perSecond >= 0 {
			s.ratePerSecond = perSecond
		}
		if batchSize > 0 {
			s.batchSize = batchSize
		}
	}
}

// WithJobHistory bounds the recompute job registry.
func WithJobHistory(size int, retention time.Duration) Option {
	return func(s *Service) {
		if size > 0 {
			s.historySize = size
		}
		if retention > 0 {
			s.retention = retention
		}
	}
}

// WithInvalidationPolicy selects which events cause a recompute.
func WithInvalidationPolicy(p Policy) Option {
	return func(s *Service) {
		if p == PolicyAny || p == PolicySemantic {
			s.policy = p
		}
	}
}

// WithScoreMaxAge treats rows older than d as stale.
func WithScoreMaxAge(d time.Duration) Option {
	return func(s *Service) { s.maxAge = d }
}

// WithScoreAdjustments enables the entry-level and completeness adjusters.
func WithScoreAdjustments(enabled bool) Option {
	return func(s *Service) { s.adjustments = enabled }
}

// WithSchedule sets the daily full recompute.
func WithSchedule(cfg scheduler.Config) Option {
	return func(s *Service) { s.schedule = cfg }
}

// WithSchedulerClock replaces the scheduler's wall clock.
func WithSchedulerClock(c scheduler.Clock) Option {
	return func(s *Service) { s.schedulerClock = c }
}

// WithShutdownTimeout bounds how long Stop waits for running jobs.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// New constructs a Service over a feature store and a score store. The
// service owns scores and closes it on Stop.
func New(features featurestore.Reader, scores repository.Store, opts ...Option) *Service {
	s := &Service{
		features:        features,
		scores:          scores,
		workerCount:     4,
		queueSize:       10000,
		dedupeSize:      50000,
		defaultK:        20,
		candidatePool:   200,
		parallelism:     runtime.NumCPU(),
		batchSize:       500,
		historySize:     100,
		retention:       24 * time.Hour,
		policy:          PolicyAny,
		schedule:        scheduler.Config{Hour: 8, Location: time.Local, Enabled: true},
		shutdownTimeout: 10 * time.Second,
	}

	// Apply all options
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start builds the components and starts the supervised scheduler and
// event workers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get()
	}
	s.logger.Info(ctx, "starting matching service...")

	var engineOpts []similarity.Option
	if s.adjustments {
		engineOpts = append(engineOpts, similarity.WithAdjusters(similarity.DefaultAdjusters()...))
	}
	s.engine = similarity.NewEngine(engineOpts...)
	s.cache = scorecache.New(s.scores, s.features,
		scorecache.WithMaxAge(s.maxAge),
		scorecache.WithLogger(s.logger.Named("score-cache")),
	)
	s.coord = recompute.New(s.features, s.cache, s.engine,
		recompute.WithParallelism(s.parallelism),
		recompute.WithRateLimit(s.ratePerSecond),
		recompute.WithBatchSize(s.batchSize),
		recompute.WithHistory(s.historySize, s.retention),
		recompute.WithLogger(s.logger.Named("recompute")),
	)
	sched, err := scheduler.New(s.coord, s.schedule,
		scheduler.WithClock(s.schedulerClock),
		scheduler.WithLogger(s.logger.Named("scheduler")),
	)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	s.sched = sched

	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.eventQueue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.queueSize))
	s.workerPool = workerpool.NewPool(s.workerCount, s.eventQueue, workerpool.HandlerFunc(s.handleQueued),
		workerpool.WithPoolLogger(s.logger.Named("worker")))

	s.supervisor = suture.New("skillmatch", suture.Spec{
		EventHook: s.supervisorEvent,
		Timeout:   s.shutdownTimeout,
	})
	s.supervisor.Add(s.sched)
	s.supervisor.Add(s.workerPool)

	superCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.superErr = s.supervisor.ServeBackground(superCtx)

	s.started = true
	s.startedAt = time.Now()
	metrics.UpdateQueueCapacity(s.queueSize)
	metrics.UpdateWorkerCount(s.workerCount)
	s.logger.Info(ctx, "matching service started",
		logger.Int("workers", s.workerCount),
		logger.Int("queueSize", s.queueSize),
		logger.Int("dedupeSize", s.dedupeSize),
		logger.String("policy", string(s.policy)),
		logger.Bool("scheduler", s.schedule.Enabled),
	)
	return nil
}

func (s *Service) supervisorEvent(e suture.Event) {
	fields := make([]logger.Field, 0, len(e.Map()))
	for k, v := range e.Map() {
		fields = append(fields, logger.Any(k, v))
	}
	s.logger.Warn(context.Background(), e.String(), fields...)
}

// Stop gracefully shuts down the service: workers and scheduler first,
// then running recompute jobs, then the score store.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	s.logger.Info(ctx, "stopping matching service...")

	_ = s.eventQueue.Close()
	s.cancel()
	select {
	case <-s.superErr:
	case <-ctx.Done():
		s.logger.Warn(ctx, "supervisor did not stop in time")
	}

	if err := s.coord.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "recompute jobs still running at shutdown", logger.Error(err))
	}
	if err := s.scores.Close(); err != nil {
		s.logger.Warn(ctx, "closing score store", logger.Error(err))
	}

	s.started = false
	s.logger.Info(ctx, "matching service stopped")
}

// components returns the started components or ErrNotStarted.
func (s *Service) components() (*scorecache.Cache, *recompute.Coordinator, *scheduler.Scheduler, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, nil, nil, ErrNotStarted
	}
	return s.cache, s.coord, s.sched, nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]interface{}{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"dedupeSize":  s.dedupeSize,
		"policy":      string(s.policy),
	}

	if s.started {
		queueLen := s.eventQueue.Len()
		stats["queueLength"] = queueLen
		stats["pendingEvents"] = s.pendingEvents.Load()
		stats["dedupeEntries"] = s.deduper.Size()
		stats["recompute"] = s.coord.Stats()
		stats["uptimeSeconds"] = int64(time.Since(s.startedAt).Seconds())
		if n, err := s.cache.Count(ctx); err == nil {
			stats["cachedScores"] = n
			metrics.UpdateCacheRows(n)
		}
		metrics.UpdateQueueSize(queueLen)
	}

	return stats
}
