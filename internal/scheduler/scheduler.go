// Package scheduler issues the daily full recompute.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/internal/recompute"
	"github.com/okian/skillmatch/pkg/logger"
	"github.com/okian/skillmatch/pkg/metrics"
)

// ErrInvalidSchedule rejects an out-of-range hour or minute.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Coordinator is the part of recompute.Coordinator the scheduler drives.
type Coordinator interface {
	Trigger(scope model.Scope) (recompute.TriggerResult, error)
	Job(id string) (model.RecomputeJob, error)
	Wait(ctx context.Context, id string) (model.RecomputeJob, error)
}

// Config sets the daily trigger time.
type Config struct {
	Hour     int
	Minute   int
	Location *time.Location
	Enabled  bool
}

// Status is what Status reports.
type Status struct {
	Enabled   bool                `json:"enabled"`
	NextRunAt *time.Time          `json:"next_run_at"`
	LastJob   *model.RecomputeJob `json:"last_job"`
	Schedule  string              `json:"schedule"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// Scheduler fires a full recompute once a day. Serve owns the timer;
// Start, Stop and TriggerNow may be called from any goroutine.
type Scheduler struct {
	coord  Coordinator
	hour   int
	minute int
	loc    *time.Location
	clock  Clock
	logger logger.Logger

	mu        sync.Mutex
	enabled   bool
	lastFired time.Time
	lastJobID string
	lastJob   *model.RecomputeJob
	wake      chan struct{}
}

// New validates cfg and creates a Scheduler.
func New(coord Coordinator, cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.Hour < 0 || cfg.Hour > 23 || cfg.Minute < 0 || cfg.Minute > 59 {
		return nil, fmt.Errorf("%w: %02d:%02d", ErrInvalidSchedule, cfg.Hour, cfg.Minute)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	s := &Scheduler{
		coord:   coord,
		hour:    cfg.Hour,
		minute:  cfg.Minute,
		loc:     cfg.Location,
		clock:   realClock{},
		enabled: cfg.Enabled,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("scheduler")
	}
	return s, nil
}

// NextRun returns the first trigger time strictly after t.
func (s *Scheduler) NextRun(t time.Time) time.Time {
	t = t.In(s.loc)
	next := time.Date(t.Year(), t.Month(), t.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(t) {
		next = time.Date(t.Year(), t.Month(), t.Day()+1, s.hour, s.minute, 0, 0, s.loc)
	}
	return next
}

// nextLocked never returns a time at or before the last firing, so an
// early timer cannot fire the same day twice.
func (s *Scheduler) nextLocked() time.Time {
	from := s.clock.Now()
	if s.lastFired.After(from) {
		from = s.lastFired
	}
	return s.NextRun(from)
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start enables the daily trigger. Calling it again is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		return
	}
	s.enabled = true
	s.poke()
	s.logger.Info(context.Background(), "scheduler started",
		logger.Time("next_run_at", s.nextLocked()))
}

// Stop disables the daily trigger. Running jobs are unaffected.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	s.enabled = false
	s.poke()
	s.logger.Info(context.Background(), "scheduler stopped")
}

// Status reports whether the trigger is armed, when it fires next and the
// last job it issued.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		Enabled:  s.enabled,
		Schedule: fmt.Sprintf("%02d:%02d %s", s.hour, s.minute, s.loc),
	}
	if s.enabled {
		next := s.nextLocked()
		st.NextRunAt = &next
	}
	lastID := s.lastJobID
	s.mu.Unlock()

	if lastID == "" {
		return st
	}
	// The coordinator prunes finished jobs; fall back to the snapshot.
	if job, err := s.coord.Job(lastID); err == nil {
		s.remember(job)
	}
	s.mu.Lock()
	if s.lastJob != nil {
		job := *s.lastJob
		st.LastJob = &job
	}
	s.mu.Unlock()
	return st
}

// remember updates the last job snapshot. A finished snapshot is never
// replaced by an older active one.
func (s *Scheduler) remember(job model.RecomputeJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID != s.lastJobID {
		return
	}
	if s.lastJob != nil && s.lastJob.ID == job.ID && !s.lastJob.Status.Active() && job.Status.Active() {
		return
	}
	s.lastJob = &job
}

// track records the final state of id once it finishes.
func (s *Scheduler) track(id string) {
	job, err := s.coord.Wait(context.Background(), id)
	if err != nil {
		return
	}
	s.remember(job)
}

// TriggerNow issues a recompute immediately and returns without waiting.
func (s *Scheduler) TriggerNow(scope model.Scope) (recompute.TriggerResult, error) {
	res, err := s.coord.Trigger(scope)
	if err != nil {
		return res, err
	}
	s.mu.Lock()
	s.lastJobID = res.JobID
	s.lastJob = &model.RecomputeJob{ID: res.JobID, Scope: scope, Status: model.JobPending}
	s.mu.Unlock()
	if job, err := s.coord.Job(res.JobID); err == nil {
		s.remember(job)
	}
	go s.track(res.JobID)
	return res, nil
}

// Serve drives the daily timer until ctx is done.
func (s *Scheduler) Serve(ctx context.Context) error {
	for {
		s.mu.Lock()
		enabled := s.enabled
		var next time.Time
		if enabled {
			next = s.nextLocked()
		}
		s.mu.Unlock()

		var (
			fire <-chan time.Time
			stop = func() {}
		)
		if enabled {
			metrics.UpdateSchedulerNextRun(next.Unix())
			fire, stop = s.clock.After(next.Sub(s.clock.Now()))
		}

		select {
		case <-ctx.Done():
			stop()
			return ctx.Err()
		case <-s.wake:
			stop()
		case <-fire:
			s.fire(ctx, next)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, at time.Time) {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return
	}
	s.lastFired = at
	s.mu.Unlock()

	metrics.RecordSchedulerFiring()
	res, err := s.TriggerNow(model.FullScope())
	if err != nil {
		s.logger.Error(ctx, "daily recompute trigger failed", logger.Error(err))
		return
	}
	s.logger.Info(ctx, "daily recompute triggered",
		logger.String("job_id", res.JobID),
		logger.Bool("coalesced", res.Coalesced))
}

// String names the service for the supervisor.
func (s *Scheduler) String() string { return "scheduler" }
