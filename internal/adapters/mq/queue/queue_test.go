package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/okian/skillmatch/internal/domain/model"
)

func userChanged(id string) model.Event {
	return model.Event{EventID: "evt-" + id, Type: model.EventUserChanged, EntityID: id}
}

func TestInMemoryQueue_BasicOperations(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	if l := q.Len(); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}
	if err := q.Enqueue(ctx, userChanged("u1")); err != nil {
		t.Fatalf("expected enqueue to succeed: %v", err)
	}
	if l := q.Len(); l != 1 {
		t.Errorf("expected length 1, got %d", l)
	}

	e := <-q.Dequeue()
	if e.EntityID != "u1" || e.Type != model.EventUserChanged {
		t.Errorf("unexpected event %+v", e)
	}
	if q.Cap() != 2 {
		t.Errorf("expected cap 2, got %d", q.Cap())
	}
}

func TestInMemoryQueue_Capacity(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	for _, id := range []string{"u1", "u2"} {
		if err := q.Enqueue(ctx, userChanged(id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	if err := q.Enqueue(ctx, userChanged("u3")); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestInMemoryQueue_CancelledContext(t *testing.T) {
	q := NewInMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Enqueue(ctx, userChanged("u1")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestInMemoryQueue_ConcurrentAccess(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(1000))
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = q.Enqueue(ctx, userChanged(fmt.Sprintf("u%d-%d", p, i)))
			}
		}(p)
	}
	wg.Wait()
	_ = q.Close()

	seen := 0
	for range q.Dequeue() {
		seen++
	}
	if seen != 500 {
		t.Errorf("expected 500 events, got %d", seen)
	}
}

func TestInMemoryQueue_GracefulShutdown(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(4))
	ctx := context.Background()
	_ = q.Enqueue(ctx, userChanged("u1"))

	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !q.IsClosed() {
		t.Error("expected queue to report closed")
	}
	if err := q.Enqueue(ctx, userChanged("u2")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}

	// buffered events drain before the channel closes
	e, ok := <-q.Dequeue()
	if !ok || e.EntityID != "u1" {
		t.Errorf("expected buffered u1, got %+v ok=%v", e, ok)
	}
	if _, ok := <-q.Dequeue(); ok {
		t.Error("expected closed channel")
	}
}
