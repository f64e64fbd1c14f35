package repository

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/pkg/metrics"
)

// In-memory Store. Each user owns a treap ordered by score DESC then
// job id ASC, so in-order traversal yields the user's ranking and subtree
// sizes let Ranked skip an offset in O(log n).

type node struct {
	jobID string
	score float64
	prio  uint64
	left  *node
	right *node
	size  int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

// less returns true if (aScore, aID) ranks before (bScore, bID).
func less(aScore float64, aID string, bScore float64, bID string) bool {
	if aScore != bScore {
		return aScore > bScore
	}
	return aID < bID
}

func rotateRight(y *node) *node {
	x := y.left
	y.left = x.right
	x.right = y
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	x.right = y.left
	y.left = x
	fix(x)
	fix(y)
	return y
}

func insert(n *node, jobID string, score float64, prio uint64) *node {
	if n == nil {
		return &node{jobID: jobID, score: score, prio: prio, size: 1}
	}
	if less(score, jobID, n.score, n.jobID) {
		n.left = insert(n.left, jobID, score, prio)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, jobID, score, prio)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func deleteNode(n *node, jobID string, score float64) *node {
	if n == nil {
		return nil
	}
	switch {
	case score == n.score && jobID == n.jobID:
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = deleteNode(n.right, jobID, score)
		} else {
			n = rotateLeft(n)
			n.left = deleteNode(n.left, jobID, score)
		}
	case less(score, jobID, n.score, n.jobID):
		n.left = deleteNode(n.left, jobID, score)
	default:
		n.right = deleteNode(n.right, jobID, score)
	}
	fix(n)
	return n
}

// collectRange appends in-order nodes with rank in [offset, offset+limit).
func collectRange(n *node, offset, limit int, visit func(*node)) (int, int) {
	if n == nil || limit == 0 {
		return offset, limit
	}
	leftSize := nsize(n.left)
	if offset < leftSize {
		offset, limit = collectRange(n.left, offset, limit, visit)
	} else {
		offset -= leftSize
	}
	if limit == 0 {
		return offset, limit
	}
	if offset == 0 {
		visit(n)
		limit--
	} else {
		offset--
	}
	return collectRange(n.right, offset, limit, visit)
}

type userIndex struct {
	root *node
	rows map[string]model.SimilarityScore
}

// TreapStore is an in-memory Store.
type TreapStore struct {
	mu     sync.RWMutex
	users  map[string]*userIndex
	count  int
	closed bool

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewTreapStore constructs an empty in-memory store.
func NewTreapStore() *TreapStore {
	return &TreapStore{
		users: make(map[string]*userIndex),
		rng:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

func (s *TreapStore) priority() uint64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Uint64()
}

// UpsertBatch implements Store. The whole batch is applied under one lock.
func (s *TreapStore) UpsertBatch(_ context.Context, rows []model.SimilarityScore) (int, error) {
	start := time.Now()
	defer func() {
		metrics.RecordCacheUpsertLatency(float64(time.Since(start).Milliseconds()))
	}()

	for _, r := range rows {
		if err := ValidateRow(r); err != nil {
			return 0, err
		}
	}
	prios := make([]uint64, len(rows))
	for i := range prios {
		prios[i] = s.priority()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	for i, r := range rows {
		idx, ok := s.users[r.UserID]
		if !ok {
			idx = &userIndex{rows: make(map[string]model.SimilarityScore)}
			s.users[r.UserID] = idx
		}
		if old, ok := idx.rows[r.JobID]; ok {
			idx.root = deleteNode(idx.root, old.JobID, old.Score)
		} else {
			s.count++
		}
		idx.rows[r.JobID] = r
		idx.root = insert(idx.root, r.JobID, r.Score, prios[i])
	}
	metrics.UpdateCacheRows(s.count)
	return len(rows), nil
}

// Get implements Store.
func (s *TreapStore) Get(_ context.Context, userID, jobID string) (model.SimilarityScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx, ok := s.users[userID]; ok {
		if r, ok := idx.rows[jobID]; ok {
			return r, nil
		}
	}
	return model.SimilarityScore{}, ErrNotFound
}

// Ranked implements Store.
func (s *TreapStore) Ranked(_ context.Context, userID string, offset, limit int) ([]model.SimilarityScore, error) {
	if err := validateWindow(offset, limit); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	out := make([]model.SimilarityScore, 0, min(limit, len(idx.rows)))
	collectRange(idx.root, offset, limit, func(n *node) {
		out = append(out, idx.rows[n.jobID])
	})
	return out, nil
}

// Page implements Store.
func (s *TreapStore) Page(_ context.Context, offset, limit int) ([]model.SimilarityScore, error) {
	if err := validateWindow(offset, limit); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	userIDs := make([]string, 0, len(s.users))
	for id := range s.users {
		userIDs = append(userIDs, id)
	}
	sort.Strings(userIDs)

	out := make([]model.SimilarityScore, 0, limit)
	for _, uid := range userIDs {
		idx := s.users[uid]
		if offset >= len(idx.rows) {
			offset -= len(idx.rows)
			continue
		}
		jobIDs := make([]string, 0, len(idx.rows))
		for jid := range idx.rows {
			jobIDs = append(jobIDs, jid)
		}
		sort.Strings(jobIDs)
		for _, jid := range jobIDs[offset:] {
			out = append(out, idx.rows[jid])
			if len(out) == limit {
				return out, nil
			}
		}
		offset = 0
	}
	return out, nil
}

// Count implements Store.
func (s *TreapStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count, nil
}

// Close implements Store. Later writes fail with ErrClosed.
func (s *TreapStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
