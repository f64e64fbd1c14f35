package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/okian/skillmatch/internal/adapters/mq/queue"
	"github.com/okian/skillmatch/internal/adapters/mq/worker"
	"github.com/okian/skillmatch/internal/domain/model"
	logging "github.com/okian/skillmatch/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logging.Init()
}

type recordingHandler struct {
	mu   sync.Mutex
	seen []string
	fail map[string]error
}

func (h *recordingHandler) HandleEvent(_ context.Context, e worker.Event) error { //nolint:gocritic // hugeParam
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, e.EntityID)
	if e.EntityID == "boom" {
		panic("handler exploded")
	}
	return h.fail[e.EntityID]
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func event(id string) model.Event {
	return model.Event{EventID: "evt-" + id, Type: model.EventJobChanged, EntityID: id, TS: time.Now()}
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a worker over a queue", t, func() {
		q := queue.NewInMemoryQueue(queue.WithCapacity(10))
		h := &recordingHandler{fail: map[string]error{"bad": errors.New("nope")}}
		w := worker.NewInMemoryWorker(q, h, worker.WithName("w-test"))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		convey.Convey("When events, failing events and panicking events arrive", func() {
			for _, id := range []string{"j1", "bad", "boom", "j2"} {
				convey.So(q.Enqueue(ctx, event(id)), convey.ShouldBeNil)
			}

			convey.Convey("Then every event reaches the handler and the worker survives", func() {
				deadline := time.Now().Add(2 * time.Second)
				for h.count() < 4 && time.Now().Before(deadline) {
					time.Sleep(5 * time.Millisecond)
				}
				convey.So(h.count(), convey.ShouldEqual, 4)

				sctx, scancel := context.WithTimeout(context.Background(), time.Second)
				defer scancel()
				convey.So(w.Shutdown(sctx), convey.ShouldBeNil)
				convey.So(w.Shutdown(sctx), convey.ShouldBeNil)
			})
		})
	})
}

func TestWorkerPool(t *testing.T) {
	convey.Convey("Given a pool of three workers", t, func() {
		q := queue.NewInMemoryQueue(queue.WithCapacity(100))
		h := &recordingHandler{}
		pool := worker.NewPool(3, q, h)
		convey.So(pool.Size(), convey.ShouldEqual, 3)
		convey.So(pool.String(), convey.ShouldEqual, "event-worker-pool")

		convey.Convey("When the queue is closed after some events", func() {
			for i := 0; i < 20; i++ {
				_ = q.Enqueue(context.Background(), event(fmt.Sprintf("j%d", i)))
			}
			_ = q.Close()
			err := pool.Serve(context.Background())

			convey.Convey("Then all events drain and the service asks not to be restarted", func() {
				convey.So(h.count(), convey.ShouldEqual, 20)
				convey.So(errors.Is(err, suture.ErrDoNotRestart), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When the context is cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- pool.Serve(ctx) }()
			cancel()

			convey.Convey("Then Serve returns the context error", func() {
				select {
				case err := <-done:
					convey.So(errors.Is(err, context.Canceled), convey.ShouldBeTrue)
				case <-time.After(2 * time.Second):
					t.Fatal("pool did not stop")
				}
			})
		})

		convey.Convey("When the size is not positive", func() {
			convey.So(worker.NewPool(0, q, h).Size(), convey.ShouldBeGreaterThan, 0)
		})
	})
}

func TestHandlerFunc(t *testing.T) {
	convey.Convey("Given a HandlerFunc", t, func() {
		called := false
		var h worker.Handler = worker.HandlerFunc(func(context.Context, worker.Event) error {
			called = true
			return nil
		})
		convey.So(h.HandleEvent(context.Background(), event("x")), convey.ShouldBeNil)
		convey.So(called, convey.ShouldBeTrue)
	})
}
