package repository

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/okian/skillmatch/internal/domain/model"
)

func TestTreapStore_RankedMatchesSort(t *testing.T) {
	ctx := context.Background()
	store := NewTreapStore()
	r := rand.New(rand.NewSource(3))

	want := map[string]model.SimilarityScore{}
	for i := 0; i < 2000; i++ {
		job := fmt.Sprintf("j%04d", r.Intn(500))
		score := float64(r.Intn(20)) / 20 // plenty of ties
		rw := row("u", job, score)
		if _, err := store.UpsertBatch(ctx, []model.SimilarityScore{rw}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		want[job] = rw
	}

	expected := make([]model.SimilarityScore, 0, len(want))
	for _, rw := range want {
		expected = append(expected, rw)
	}
	sort.Slice(expected, func(i, j int) bool {
		return less(expected[i].Score, expected[i].JobID, expected[j].Score, expected[j].JobID)
	})

	if n, _ := store.Count(ctx); n != len(expected) {
		t.Fatalf("expected count %d, got %d", len(expected), n)
	}
	for _, window := range [][2]int{{0, 10}, {7, 33}, {len(expected) - 5, 10}, {0, len(expected)}} {
		got, err := store.Ranked(ctx, "u", window[0], window[1])
		if err != nil {
			t.Fatalf("ranked: %v", err)
		}
		end := min(window[0]+window[1], len(expected))
		if fmt.Sprint(jobIDs(got)) != fmt.Sprint(jobIDs(expected[window[0]:end])) {
			t.Errorf("window %v mismatch", window)
		}
	}
}

func TestTreapStore_SizesStayConsistent(t *testing.T) {
	ctx := context.Background()
	store := NewTreapStore()
	for i := 0; i < 300; i++ {
		_, _ = store.UpsertBatch(ctx, []model.SimilarityScore{row("u", fmt.Sprintf("j%d", i%50), float64(i%7)/7)})
	}
	root := store.users["u"].root
	var check func(n *node) int
	check = func(n *node) int {
		if n == nil {
			return 0
		}
		size := 1 + check(n.left) + check(n.right)
		if n.size != size {
			t.Fatalf("node %s size %d, want %d", n.jobID, n.size, size)
		}
		if n.left != nil && n.left.prio > n.prio || n.right != nil && n.right.prio > n.prio {
			t.Fatalf("heap order violated at %s", n.jobID)
		}
		return size
	}
	if got := check(root); got != 50 {
		t.Fatalf("expected 50 nodes, got %d", got)
	}
}

func TestTreapStore_Closed(t *testing.T) {
	store := NewTreapStore()
	_ = store.Close()
	if _, err := store.UpsertBatch(context.Background(), []model.SimilarityScore{row("u", "j", 1)}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func BenchmarkTreapStore_UpsertAndRank(b *testing.B) {
	ctx := context.Background()
	store := NewTreapStore()
	batch := make([]model.SimilarityScore, 500)
	for i := range batch {
		batch[i] = row(fmt.Sprintf("u%d", i%10), fmt.Sprintf("j%d", i), rand.Float64())
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.UpsertBatch(ctx, batch)
		_, _ = store.Ranked(ctx, "u3", 0, 20)
	}
}
