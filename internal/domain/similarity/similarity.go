// Package similarity scores users against job postings and selects the
// best matches. Everything here is pure and safe for concurrent use.
package similarity

import (
	"container/heap"
	"fmt"
	"math"

	"github.com/okian/skillmatch/internal/domain/model"
)

// Score returns the cosine similarity of u and j clamped to [0,1].
// Empty, all-zero or differently sized vectors score 0.
func Score(u, j model.FeatureVector) float64 {
	if len(u) == 0 || len(u) != len(j) {
		return 0
	}
	var dot, nu, nj float64
	for i := range u {
		dot += u[i] * j[i]
		nu += u[i] * u[i]
		nj += j[i] * j[i]
	}
	if nu == 0 || nj == 0 {
		return 0
	}
	// sqrt(nu*nj) keeps identical vectors at exactly 1. The product can
	// overflow or underflow where the separate roots do not.
	denom := math.Sqrt(nu * nj)
	if denom == 0 || math.IsInf(denom, 0) {
		denom = math.Sqrt(nu) * math.Sqrt(nj)
	}
	return clamp(dot / denom)
}

func clamp(s float64) float64 {
	switch {
	case math.IsNaN(s) || s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}

// Candidate is a job vector offered to Rank.
type Candidate struct {
	JobID  string
	Vector model.FeatureVector
}

// Rank scores u against every candidate and returns the k best, score
// descending with ties broken by job id ascending.
func Rank(u model.FeatureVector, candidates []Candidate, k int) ([]model.Ranked, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: got %d", model.ErrInvalidK, k)
	}
	sel := NewSelector(k)
	for _, c := range candidates {
		sel.Offer(model.Ranked{JobID: c.JobID, Score: Score(u, c.Vector)})
	}
	return sel.Result(), nil
}

// Before reports whether a ranks ahead of b.
func Before(a, b model.Ranked) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.JobID < b.JobID
}

// Selector keeps the k best entries offered so far in a bounded min-heap
// whose root is the current worst.
type Selector struct {
	k int
	h rankedHeap
}

// NewSelector returns a selector for k >= 1 entries.
func NewSelector(k int) *Selector {
	return &Selector{k: k, h: make(rankedHeap, 0, min(k, 1024))}
}

// Offer considers r for the result.
func (s *Selector) Offer(r model.Ranked) {
	if s.h.Len() < s.k {
		heap.Push(&s.h, r)
		return
	}
	if Before(r, s.h[0]) {
		s.h[0] = r
		heap.Fix(&s.h, 0)
	}
}

// Len returns the number of entries currently held.
func (s *Selector) Len() int { return s.h.Len() }

// Result drains the selector into rank order.
func (s *Selector) Result() []model.Ranked {
	out := make([]model.Ranked, s.h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&s.h).(model.Ranked)
	}
	return out
}

// TopK merges already scored entries into the k best.
func TopK(items []model.Ranked, k int) ([]model.Ranked, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: got %d", model.ErrInvalidK, k)
	}
	sel := NewSelector(k)
	for _, r := range items {
		sel.Offer(r)
	}
	return sel.Result(), nil
}

type rankedHeap []model.Ranked

func (h rankedHeap) Len() int { return len(h) }

// Less puts the worst entry at the root.
func (h rankedHeap) Less(i, j int) bool { return Before(h[j], h[i]) }
func (h rankedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *rankedHeap) Push(x any) { *h = append(*h, x.(model.Ranked)) }

func (h *rankedHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
