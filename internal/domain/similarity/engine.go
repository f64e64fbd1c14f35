package similarity

import (
	"fmt"

	"github.com/okian/skillmatch/internal/domain/model"
)

// Adjuster rescales a raw score using entity traits.
type Adjuster func(user, job model.Entity, score float64) float64

// Option configures an Engine.
type Option func(*Engine)

// WithAdjusters appends score adjusters applied in order after cosine scoring.
func WithAdjusters(adj ...Adjuster) Option {
	return func(e *Engine) {
		e.adjusters = append(e.adjusters, adj...)
	}
}

// Engine scores entities. Without adjusters it equals Score.
type Engine struct {
	adjusters []Adjuster
}

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Pair scores one user against one job.
func (e *Engine) Pair(user, job model.Entity) float64 {
	s := Score(user.Vector, job.Vector)
	for _, adj := range e.adjusters {
		s = adj(user, job, s)
	}
	return clamp(s)
}

// Rank returns the k best jobs for user.
func (e *Engine) Rank(user model.Entity, jobs []model.Entity, k int) ([]model.Ranked, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: got %d", model.ErrInvalidK, k)
	}
	sel := NewSelector(k)
	for _, j := range jobs {
		sel.Offer(model.Ranked{JobID: j.Ref.ID, Score: e.Pair(user, j)})
	}
	return sel.Result(), nil
}
