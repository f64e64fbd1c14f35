// Package dedupe remembers mutation event ids so redelivered events are
// acknowledged without triggering another recompute.
package dedupe

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMaxSize = 50000

// Deduper records seen event IDs.
type Deduper interface {
	// SeenAndRecord atomically checks if id was seen and records it if not.
	// Returns true if id was already seen.
	SeenAndRecord(ctx context.Context, id string) bool

	// Unrecord forgets id so a redelivery is processed again. Used when an
	// event was recorded but could not be enqueued.
	Unrecord(ctx context.Context, id string)

	Size() int64
}

// inMemoryDeduper keeps the most recent maxSize ids in an LRU. A redelivery
// does not refresh an id, so the oldest recorded id is evicted first.
type inMemoryDeduper struct {
	seen    *lru.Cache[string, struct{}]
	maxSize int
}

// NewInMemoryDeduper creates a new in-memory deduper.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{maxSize: defaultMaxSize}
	for _, opt := range opts {
		opt(d)
	}
	seen, err := lru.New[string, struct{}](d.maxSize)
	if err != nil {
		// Only a non-positive size fails and options reject those.
		panic(err)
	}
	d.seen = seen
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, id string) bool {
	ok, _ := d.seen.ContainsOrAdd(id, struct{}{})
	return ok
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, id string) {
	d.seen.Remove(id)
}

func (d *inMemoryDeduper) Size() int64 {
	return int64(d.seen.Len())
}
