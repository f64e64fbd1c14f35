package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/internal/domain/scorecache"
	"github.com/okian/skillmatch/pkg/logger"
	"github.com/okian/skillmatch/pkg/metrics"
)

// PublishEvent accepts a mutation event for asynchronous processing.
// Redelivered event ids are acknowledged without being queued again and
// reported as duplicate. A missing event id is generated.
func (s *Service) PublishEvent(ctx context.Context, e model.Event) (duplicate bool, err error) {
	if _, err := e.Scope(); err != nil {
		return false, err
	}
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return false, ErrNotStarted
	}

	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.TS.IsZero() {
		e.TS = time.Now()
	}
	metrics.RecordEventReceived(string(e.Type))

	if s.deduper.SeenAndRecord(ctx, e.EventID) {
		metrics.RecordEventDuplicate()
		s.logger.Debug(ctx, "duplicate event detected, skipping",
			logger.String("event_id", e.EventID),
			logger.String("entity_id", e.EntityID))
		return true, nil
	}

	s.pendingEvents.Add(1)
	if err := s.eventQueue.Enqueue(ctx, e); err != nil {
		s.pendingEvents.Add(-1)
		// Forget the id so a redelivery can be accepted later.
		s.deduper.Unrecord(ctx, e.EventID)
		return false, fmt.Errorf("enqueue event %s: %w", e.EventID, err)
	}
	metrics.UpdateQueueSize(s.eventQueue.Len())
	return false, nil
}

// handleQueued is the worker pool handler.
func (s *Service) handleQueued(ctx context.Context, e model.Event) error {
	defer s.pendingEvents.Add(-1)
	return s.HandleEvent(ctx, e)
}

// HandleEvent applies one mutation event: it invalidates the cached rows
// of the changed entity and triggers an incremental recompute. Under the
// semantic policy events for an already scored version are dropped.
func (s *Service) HandleEvent(ctx context.Context, e model.Event) error {
	scope, err := e.Scope()
	if err != nil {
		return err
	}
	cache, coord, _, err := s.components()
	if err != nil {
		return err
	}

	if s.policy == PolicySemantic {
		skip, gone := s.alreadyScored(ctx, cache, e)
		if skip {
			s.logger.Debug(ctx, "event carries no new version, skipping",
				logger.String("event_id", e.EventID),
				logger.String("entity_id", e.EntityID))
			return nil
		}
		if gone {
			s.invalidate(cache, e)
			return nil
		}
	}

	s.invalidate(cache, e)
	res, err := coord.Trigger(scope)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", scope.Key(), err)
	}
	s.logger.Debug(ctx, "event triggered recompute",
		logger.String("event_id", e.EventID),
		logger.String("job_id", res.JobID),
		logger.Bool("coalesced", res.Coalesced),
		logger.Bool("deferred", res.Deferred))
	return nil
}

func (s *Service) invalidate(cache *scorecache.Cache, e model.Event) {
	if e.Type == model.EventUserChanged {
		cache.Invalidate(e.EntityID, "")
		return
	}
	cache.Invalidate("", e.EntityID)
}

// alreadyScored reports whether a finished job already wrote every pair of
// the entity's current version. gone reports a deleted entity. Lookup
// failures other than not found fall back to recomputing.
func (s *Service) alreadyScored(ctx context.Context, cache *scorecache.Cache, e model.Event) (skip, gone bool) {
	var (
		ent  model.Entity
		err  error
		kind = model.KindUser
	)
	if e.Type == model.EventJobChanged {
		kind = model.KindJob
		ent, err = s.features.GetJob(ctx, e.EntityID)
	} else {
		ent, err = s.features.GetUser(ctx, e.EntityID)
	}
	if errors.Is(err, model.ErrNotFound) {
		return false, true
	}
	if err != nil {
		return false, false
	}
	last, ok := cache.Covered(kind, e.EntityID)
	return ok && last == ent.Ref.Version, false
}
