package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/skillmatch/internal/adapters/featurestore"
	eventqueue "github.com/okian/skillmatch/internal/adapters/mq/queue"
	"github.com/okian/skillmatch/internal/adapters/repository"
	service "github.com/okian/skillmatch/internal/app"
	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/internal/recompute"
	"github.com/okian/skillmatch/internal/scheduler"
	"github.com/okian/skillmatch/pkg/logger"
	"github.com/okian/skillmatch/pkg/metrics"
)

// features wraps a memory store with an outage switch and an optional
// gate that holds ListUsers.
type features struct {
	*featurestore.MemoryStore
	down atomic.Bool
	gate chan struct{}

	mu      sync.Mutex
	jobGate chan struct{} // holds GetJob while open
}

func newFeatures() *features {
	f := &features{MemoryStore: featurestore.NewMemoryStore(), gate: make(chan struct{})}
	close(f.gate)
	return f
}

func (f *features) holdJobs() {
	f.mu.Lock()
	f.jobGate = make(chan struct{})
	f.mu.Unlock()
}

func (f *features) releaseJobs() {
	f.mu.Lock()
	if f.jobGate != nil {
		close(f.jobGate)
		f.jobGate = nil
	}
	f.mu.Unlock()
}

var errOutage = errors.New("connection refused")

func (f *features) unavailable() error {
	return errors.Join(model.ErrServiceUnavailable, errOutage)
}

func (f *features) ListUsers(ctx context.Context) ([]model.Entity, error) {
	<-f.gate
	if f.down.Load() {
		return nil, f.unavailable()
	}
	return f.MemoryStore.ListUsers(ctx)
}

func (f *features) ListJobs(ctx context.Context, filter model.JobFilter) ([]model.Entity, error) {
	if f.down.Load() {
		return nil, f.unavailable()
	}
	return f.MemoryStore.ListJobs(ctx, filter)
}

func (f *features) GetUser(ctx context.Context, id string) (model.Entity, error) {
	if f.down.Load() {
		return model.Entity{}, f.unavailable()
	}
	return f.MemoryStore.GetUser(ctx, id)
}

func (f *features) GetJob(ctx context.Context, id string) (model.Entity, error) {
	f.mu.Lock()
	hold := f.jobGate
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return model.Entity{}, ctx.Err()
		}
	}
	if f.down.Load() {
		return model.Entity{}, f.unavailable()
	}
	return f.MemoryStore.GetJob(ctx, id)
}

// gatedStore holds writes while hold is set.
type gatedStore struct {
	*repository.TreapStore
	mu   sync.Mutex
	hold chan struct{}
}

func (g *gatedStore) block() {
	g.mu.Lock()
	g.hold = make(chan struct{})
	g.mu.Unlock()
}

func (g *gatedStore) unblock() {
	g.mu.Lock()
	if g.hold != nil {
		close(g.hold)
		g.hold = nil
	}
	g.mu.Unlock()
}

func (g *gatedStore) UpsertBatch(ctx context.Context, rows []model.SimilarityScore) (int, error) {
	g.mu.Lock()
	hold := g.hold
	g.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return g.TreapStore.UpsertBatch(ctx, rows)
}

type harness struct {
	ctx      context.Context
	features *features
	store    *gatedStore
	svc      *service.Service
}

func put(f *features, kind model.Kind, id string, v ...float64) {
	e := model.Entity{Ref: model.EntityRef{ID: id}, Vector: v}
	var err error
	if kind == model.KindUser {
		_, err = f.PutUser(context.Background(), e)
	} else {
		_, err = f.PutJob(context.Background(), e)
	}
	So(err, ShouldBeNil)
}

// newHarness seeds U1=[1,0,1], J1=[1,0,1], J2=[0,1,0] and starts a service
// with the scheduler disarmed.
func newHarness(opts ...service.Option) *harness {
	h := &harness{
		ctx:      context.Background(),
		features: newFeatures(),
		store:    &gatedStore{TreapStore: repository.NewTreapStore()},
	}
	put(h.features, model.KindUser, "U1", 1, 0, 1)
	put(h.features, model.KindJob, "J1", 1, 0, 1)
	put(h.features, model.KindJob, "J2", 0, 1, 0)

	opts = append([]service.Option{
		service.WithLogger(logger.Nop()),
		service.WithWorkerCount(2),
		service.WithSchedule(scheduler.Config{Hour: 8, Location: time.UTC}),
	}, opts...)
	h.svc = service.New(h.features, h.store, opts...)
	So(h.svc.Start(h.ctx), ShouldBeNil)
	Reset(h.svc.Stop)
	return h
}

func (h *harness) recompute(scope model.Scope) model.RecomputeJob {
	res, err := h.svc.TriggerRecompute(scope)
	So(err, ShouldBeNil)
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	job, err := h.svc.WaitRecompute(ctx, res.JobID)
	So(err, ShouldBeNil)
	So(job.Status, ShouldEqual, model.JobSucceeded)
	return job
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestServiceLifecycle(t *testing.T) {
	Convey("Given a service that was never started", t, func() {
		svc := service.New(newFeatures(), repository.NewTreapStore(), service.WithLogger(logger.Nop()))

		Convey("Then queries fail with ErrNotStarted", func() {
			_, err := svc.GetRecommendations(context.Background(), "U1", 1)
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
			So(svc.GetStats()["started"], ShouldEqual, false)
		})

		Convey("Then stopping it is a no-op", func() {
			svc.Stop()
		})
	})

	Convey("Given a started service", t, func() {
		h := newHarness()

		Convey("Then stats report it running", func() {
			stats := h.svc.GetStats()
			So(stats["started"], ShouldEqual, true)
			So(stats["workerCount"], ShouldEqual, 2)
		})

		Convey("When it is stopped", func() {
			h.svc.Stop()
			h.svc.Stop()

			Convey("Then it reports stopped and refuses events", func() {
				So(h.svc.GetStats()["started"], ShouldEqual, false)
				_, err := h.svc.PublishEvent(h.ctx, model.Event{Type: model.EventUserChanged, EntityID: "U1"})
				So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
			})
		})
	})
}

func TestRecommendations(t *testing.T) {
	Convey("Given users and jobs with an empty cache", t, func() {
		h := newHarness()

		Convey("When U1 asks for one recommendation", func() {
			rec, err := h.svc.GetRecommendations(h.ctx, "U1", 1)
			So(err, ShouldBeNil)

			Convey("Then J1 comes back with a perfect score", func() {
				So(rec.Items, ShouldResemble, []model.Ranked{{JobID: "J1", Score: 1.0}})
				So(rec.Source, ShouldEqual, service.SourceComputed)
				So(rec.RecomputeJobID, ShouldNotBeEmpty)
			})

			Convey("And the cache is warmed for the next query", func() {
				So(eventually(func() bool {
					rec, err := h.svc.GetRecommendations(h.ctx, "U1", 1)
					return err == nil && rec.Source == service.SourceCache
				}), ShouldBeTrue)
				rec, _ := h.svc.GetRecommendations(h.ctx, "U1", 2)
				So(rec.Items, ShouldResemble, []model.Ranked{{JobID: "J1", Score: 1.0}, {JobID: "J2", Score: 0}})
				So(rec.Source, ShouldEqual, service.SourceCache)
			})
		})

		Convey("When the user is unknown", func() {
			_, err := h.svc.GetRecommendations(h.ctx, "nobody", 1)
			So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
		})

		Convey("When k is below one", func() {
			_, err := h.svc.GetRecommendations(h.ctx, "U1", 0)
			So(errors.Is(err, model.ErrInvalidK), ShouldBeTrue)
		})

		Convey("When the feature store is down and nothing is cached", func() {
			h.features.down.Store(true)
			_, err := h.svc.GetRecommendations(h.ctx, "U1", 1)

			Convey("Then the query fails as unavailable instead of returning nothing", func() {
				So(errors.Is(err, model.ErrServiceUnavailable), ShouldBeTrue)
			})
		})

		Convey("When the feature store goes down after a full recompute", func() {
			h.recompute(model.FullScope())
			h.features.down.Store(true)
			rec, err := h.svc.GetRecommendations(h.ctx, "U1", 1)

			Convey("Then cached rows are served as stale", func() {
				So(err, ShouldBeNil)
				So(rec.Source, ShouldEqual, service.SourceStale)
				So(rec.Items[0].JobID, ShouldEqual, "J1")
			})
		})
	})
}

func TestScoresAndMatrix(t *testing.T) {
	Convey("Given a fully recomputed cache", t, func() {
		h := newHarness()
		job := h.recompute(model.FullScope())
		So(job.PairsWritten, ShouldEqual, 2)

		Convey("Then a pair can be inspected", func() {
			v, err := h.svc.GetScore(h.ctx, "U1", "J1")
			So(err, ShouldBeNil)
			So(v.Score, ShouldEqual, 1.0)
			So(v.Fresh, ShouldBeTrue)
			So(v.UserVersion, ShouldEqual, 1)
		})

		Convey("Then unknown pairs are not found", func() {
			_, err := h.svc.GetScore(h.ctx, "U1", "J9")
			So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
		})

		Convey("Then the matrix pages through every row", func() {
			page, err := h.svc.GetFullMatrix(h.ctx, 1, 1)
			So(err, ShouldBeNil)
			So(page.Total, ShouldEqual, 2)
			So(page.Rows, ShouldHaveLength, 1)
			So(page.Rows[0].JobID, ShouldEqual, "J1")

			page, err = h.svc.GetFullMatrix(h.ctx, 3, 1)
			So(err, ShouldBeNil)
			So(page.Rows, ShouldBeEmpty)
		})
	})
}

func TestFullRecomputeCoalescing(t *testing.T) {
	Convey("Given a full recompute held while listing users", t, func() {
		h := newHarness()
		h.features.gate = make(chan struct{})

		first, err := h.svc.TriggerRecompute(model.FullScope())
		So(err, ShouldBeNil)

		Convey("When another full recompute is triggered immediately", func() {
			second, err := h.svc.TriggerRecompute(model.FullScope())
			So(err, ShouldBeNil)

			Convey("Then it returns the same job id and one job is active", func() {
				So(second.JobID, ShouldEqual, first.JobID)
				So(second.Coalesced, ShouldBeTrue)
				stats := h.svc.GetStats()["recompute"].(recompute.Stats)
				So(stats.Pending+stats.Running, ShouldEqual, 1)
				So(stats.History, ShouldEqual, 0)

				status, err := h.svc.SchedulerStatus()
				So(err, ShouldBeNil)
				So(status.LastJob.ID, ShouldEqual, first.JobID)
				So(status.LastJob.Status.Active(), ShouldBeTrue)

				close(h.features.gate)
				ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
				defer cancel()
				job, err := h.svc.WaitRecompute(ctx, first.JobID)
				So(err, ShouldBeNil)
				So(job.Status, ShouldEqual, model.JobSucceeded)
			})
		})
	})
}

func TestUserChanged(t *testing.T) {
	Convey("Given a warm cache where U1 prefers J1", t, func() {
		h := newHarness()
		h.recompute(model.FullScope())
		rec, err := h.svc.GetRecommendations(h.ctx, "U1", 1)
		So(err, ShouldBeNil)
		So(rec.Items[0].JobID, ShouldEqual, "J1")

		Convey("When U1 changes and recomputes are held", func() {
			h.store.block()
			put(h.features, model.KindUser, "U1", 0, 1, 0)
			dup, err := h.svc.PublishEvent(h.ctx, model.Event{EventID: "e1", Type: model.EventUserChanged, EntityID: "U1"})
			So(err, ShouldBeNil)
			So(dup, ShouldBeFalse)

			Convey("Then the old rows are not served as fresh", func() {
				v, err := h.svc.GetScore(h.ctx, "U1", "J1")
				So(err, ShouldBeNil)
				So(v.Fresh, ShouldBeFalse)

				rec, err := h.svc.GetRecommendations(h.ctx, "U1", 1)
				So(err, ShouldBeNil)
				So(rec.Source, ShouldNotEqual, service.SourceCache)
				h.store.unblock()
			})

			Convey("And once the recompute lands U1 prefers J2 from the cache", func() {
				h.store.unblock()
				So(eventually(func() bool {
					rec, err := h.svc.GetRecommendations(h.ctx, "U1", 1)
					return err == nil && rec.Source == service.SourceCache &&
						len(rec.Items) == 1 && rec.Items[0].JobID == "J2" && rec.Items[0].Score == 1.0
				}), ShouldBeTrue)
				So(eventually(func() bool {
					return h.svc.GetStats()["pendingEvents"] == int64(0)
				}), ShouldBeTrue)
			})

			Convey("And a redelivery of the event is acknowledged as a duplicate", func() {
				dup, err := h.svc.PublishEvent(h.ctx, model.Event{EventID: "e1", Type: model.EventUserChanged, EntityID: "U1"})
				So(err, ShouldBeNil)
				So(dup, ShouldBeTrue)
				h.store.unblock()
			})
		})

		Convey("When an event is malformed", func() {
			_, err := h.svc.PublishEvent(h.ctx, model.Event{Type: "deleted", EntityID: "U1"})
			So(errors.Is(err, model.ErrInvalidScope), ShouldBeTrue)
		})
	})
}

func TestSemanticPolicy(t *testing.T) {
	Convey("Given the semantic invalidation policy and a warm cache", t, func() {
		h := newHarness(service.WithInvalidationPolicy(service.PolicySemantic))
		h.recompute(model.FullScope())

		Convey("When an event arrives for an unchanged user", func() {
			So(h.svc.HandleEvent(h.ctx, model.Event{EventID: "e1", Type: model.EventUserChanged, EntityID: "U1"}), ShouldBeNil)

			Convey("Then the cached rows stay fresh", func() {
				v, err := h.svc.GetScore(h.ctx, "U1", "J1")
				So(err, ShouldBeNil)
				So(v.Fresh, ShouldBeTrue)
			})
		})

		Convey("When the job really changed", func() {
			put(h.features, model.KindJob, "J2", 1, 0, 1)
			So(h.svc.HandleEvent(h.ctx, model.Event{EventID: "e2", Type: model.EventJobChanged, EntityID: "J2"}), ShouldBeNil)

			Convey("Then J2 is rescored", func() {
				So(eventually(func() bool {
					v, err := h.svc.GetScore(h.ctx, "U1", "J2")
					return err == nil && v.Fresh && v.Score == 1.0
				}), ShouldBeTrue)
			})
		})
	})

	Convey("Given the semantic policy and a second user", t, func() {
		h := newHarness(service.WithInvalidationPolicy(service.PolicySemantic))
		put(h.features, model.KindUser, "U2", 1, 0, 1)
		h.recompute(model.FullScope())

		Convey("When a user recompute writes a changed job before its event is handled", func() {
			put(h.features, model.KindJob, "J1", 0, 1, 0)
			h.recompute(model.UserScope("U1"))

			v, err := h.svc.GetScore(h.ctx, "U1", "J1")
			So(err, ShouldBeNil)
			So(v.Fresh, ShouldBeTrue)

			So(h.svc.HandleEvent(h.ctx, model.Event{EventID: "e3", Type: model.EventJobChanged, EntityID: "J1"}), ShouldBeNil)

			Convey("Then the other user's row for the job is rescored too", func() {
				So(eventually(func() bool {
					v, err := h.svc.GetScore(h.ctx, "U2", "J1")
					return err == nil && v.Fresh && v.Score == 0
				}), ShouldBeTrue)
			})
		})

		Convey("When a job recompute covered the current version", func() {
			put(h.features, model.KindJob, "J1", 0, 1, 0)
			h.recompute(model.JobScope("J1"))
			before := h.svc.GetStats()["recompute"].(recompute.Stats)

			So(h.svc.HandleEvent(h.ctx, model.Event{EventID: "e4", Type: model.EventJobChanged, EntityID: "J1"}), ShouldBeNil)

			Convey("Then the event starts no job", func() {
				after := h.svc.GetStats()["recompute"].(recompute.Stats)
				So(after.History, ShouldEqual, before.History)
				So(after.Pending+after.Running, ShouldEqual, 0)
			})
		})
	})
}

// rejectedEvents reads the queue rejection counter from the service registry.
func rejectedEvents() float64 {
	families, err := metrics.GetRegistry().Gather()
	So(err, ShouldBeNil)
	for _, f := range families {
		if strings.HasSuffix(f.GetName(), "queue_rejected_total") {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestQueueBackpressure(t *testing.T) {
	Convey("Given one worker held on a job lookup and a queue of one", t, func() {
		h := newHarness(
			service.WithInvalidationPolicy(service.PolicySemantic),
			service.WithWorkerCount(1),
			service.WithQueueSize(1),
		)
		h.features.holdJobs()
		defer h.features.releaseJobs()

		Convey("When events keep arriving", func() {
			before := rejectedEvents()
			full := 0
			for i := 0; i < 10; i++ {
				_, err := h.svc.PublishEvent(h.ctx, model.Event{
					EventID: fmt.Sprintf("bp-%d", i), Type: model.EventJobChanged, EntityID: "J1",
				})
				if errors.Is(err, eventqueue.ErrFull) {
					full++
				}
			}

			Convey("Then every rejection is counted once", func() {
				So(full, ShouldBeGreaterThan, 0)
				So(rejectedEvents()-before, ShouldEqual, float64(full))
			})
		})
	})
}
