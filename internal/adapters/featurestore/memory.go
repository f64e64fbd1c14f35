package featurestore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/internal/domain/similarity"
)

// MemoryStore is an in-process Store. Returned vectors are copies.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]model.Entity
	jobs  map[string]model.Entity
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]model.Entity),
		jobs:  make(map[string]model.Entity),
	}
}

func clone(e model.Entity) model.Entity {
	e.Vector = append(model.FeatureVector(nil), e.Vector...)
	if e.Traits.Completeness != nil {
		c := *e.Traits.Completeness
		e.Traits.Completeness = &c
	}
	return e
}

func put(m map[string]model.Entity, e model.Entity, kind model.Kind) (model.EntityRef, error) {
	if e.Ref.ID == "" {
		return model.EntityRef{}, fmt.Errorf("%w: empty %s id", model.ErrInvalidScope, kind)
	}
	e.Ref.Kind = kind
	if e.Ref.Version == 0 {
		e.Ref.Version = m[e.Ref.ID].Ref.Version + 1
	}
	m[e.Ref.ID] = clone(e)
	return e.Ref, nil
}

// PutUser implements Writer.
func (s *MemoryStore) PutUser(_ context.Context, e model.Entity) (model.EntityRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.users, e, model.KindUser)
}

// PutJob implements Writer.
func (s *MemoryStore) PutJob(_ context.Context, e model.Entity) (model.EntityRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.jobs, e, model.KindJob)
}

// DeleteUser removes a user.
func (s *MemoryStore) DeleteUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
}

// DeleteJob removes a job posting.
func (s *MemoryStore) DeleteJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

func sortedValues(m map[string]model.Entity) []model.Entity {
	out := make([]model.Entity, 0, len(m))
	for _, e := range m {
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.ID < out[j].Ref.ID })
	return out
}

// ListUsers implements Reader, ordered by id.
func (s *MemoryStore) ListUsers(_ context.Context) ([]model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.users), nil
}

// ListJobs implements Reader. With Near set, jobs come back by descending
// similarity to Near; otherwise by id.
func (s *MemoryStore) ListJobs(_ context.Context, filter model.JobFilter) ([]model.Entity, error) {
	s.mu.RLock()
	var out []model.Entity
	if filter.IDs != nil {
		for _, id := range filter.IDs {
			if e, ok := s.jobs[id]; ok {
				out = append(out, clone(e))
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Ref.ID < out[j].Ref.ID })
	} else {
		out = sortedValues(s.jobs)
	}
	s.mu.RUnlock()

	if len(filter.Near) > 0 {
		score := make(map[string]float64, len(out))
		for _, e := range out {
			score[e.Ref.ID] = similarity.Score(filter.Near, e.Vector)
		}
		sort.SliceStable(out, func(i, j int) bool {
			return score[out[i].Ref.ID] > score[out[j].Ref.ID]
		})
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetUser implements Reader.
func (s *MemoryStore) GetUser(_ context.Context, id string) (model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.users[id]; ok {
		return clone(e), nil
	}
	return model.Entity{}, fmt.Errorf("user %q: %w", id, model.ErrNotFound)
}

// GetJob implements Reader.
func (s *MemoryStore) GetJob(_ context.Context, id string) (model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.jobs[id]; ok {
		return clone(e), nil
	}
	return model.Entity{}, fmt.Errorf("job %q: %w", id, model.ErrNotFound)
}
