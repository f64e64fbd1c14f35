// Package worker drains the mutation event queue and hands each event to
// a Handler.
package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/pkg/logger"
	"github.com/okian/skillmatch/pkg/metrics"
)

const defaultWorkerCount = 4

// Event is what workers read off the queue.
type Event = model.Event

// Handler reacts to one mutation event.
type Handler interface {
	HandleEvent(ctx context.Context, e Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e Event) error

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(ctx context.Context, e Event) error { return f(ctx, e) } //nolint:gocritic // hugeParam

// Queue defines how workers receive events.
type Queue interface {
	Dequeue() <-chan Event
}

// InMemoryWorker processes events from a queue one at a time.
type InMemoryWorker struct {
	queue   Queue
	handler Handler
	name    string
	logger  logger.Logger

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
}

// NewInMemoryWorker creates a new worker.
func NewInMemoryWorker(queue Queue, handler Handler, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    queue,
		handler:  handler,
		name:     "worker",
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logger.Get().Named(w.name)
	}
	return w
}

// Run consumes events until ctx is cancelled, Shutdown is called or the
// queue is closed and drained.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	events := w.queue.Dequeue()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := w.process(ctx, e); err != nil {
				w.logger.Error(ctx, "error processing event",
					logger.String("event_id", e.EventID),
					logger.String("type", string(e.Type)),
					logger.String("entity_id", e.EntityID),
					logger.Error(err))
			}
		}
	}
}

// Shutdown stops the worker after its current event.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (w *InMemoryWorker) process(ctx context.Context, e Event) (err error) { //nolint:gocritic // hugeParam
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			metrics.RecordWorkerError()
		}
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()
	return w.handler.HandleEvent(ctx, e)
}

// Pool runs a fixed set of workers over one queue. It is a suture.Service.
type Pool struct {
	queue   Queue
	handler Handler
	size    int
	logger  logger.Logger
}

// NewPool creates a pool of size workers; size < 1 selects the default.
func NewPool(size int, queue Queue, handler Handler, opts ...PoolOption) *Pool {
	if size < 1 {
		size = defaultWorkerCount
	}
	p := &Pool{queue: queue, handler: handler, size: size}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logger.Get().Named("worker-pool")
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Serve runs the workers until ctx is done or the queue closes. A closed
// queue ends the service for good.
func (p *Pool) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		w := NewInMemoryWorker(p.queue, p.handler,
			WithName("worker-"+strconv.Itoa(i)),
			WithLogger(p.logger.Named("worker-"+strconv.Itoa(i))))
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	metrics.UpdateWorkerCount(p.size)
	p.logger.Info(ctx, "worker pool started", logger.Int("workers", p.size))

	wg.Wait()
	metrics.UpdateWorkerCount(0)

	if err := ctx.Err(); err != nil {
		return err
	}
	p.logger.Info(ctx, "event queue closed, worker pool done")
	return suture.ErrDoNotRestart
}

// String names the service in supervisor logs.
func (p *Pool) String() string { return "event-worker-pool" }
