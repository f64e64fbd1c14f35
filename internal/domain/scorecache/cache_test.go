package scorecache_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/skillmatch/internal/adapters/featurestore"
	"github.com/okian/skillmatch/internal/adapters/repository"
	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/internal/domain/scorecache"
	"github.com/okian/skillmatch/pkg/logger"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func row(user, job string, score float64, at time.Time, uv, jv int64) model.SimilarityScore {
	return model.SimilarityScore{UserID: user, JobID: job, Score: score, ComputedAt: at, UserVersion: uv, JobVersion: jv}
}

func jobIDs(rs []model.Ranked) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.JobID
	}
	return out
}

type fixture struct {
	ctx      context.Context
	clk      *clock
	features *featurestore.MemoryStore
	cache    *scorecache.Cache
	user     model.EntityRef
}

// newFixture stores user u1 (version 1) and jobs j0..j(n-1) (version 1)
// with one cached row each; j0 scores highest.
func newFixture(n int, opts ...scorecache.Option) *fixture {
	ctx := context.Background()
	clk := &clock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	features := featurestore.NewMemoryStore()
	user, _ := features.PutUser(ctx, model.Entity{Ref: model.EntityRef{ID: "u1"}, Vector: model.FeatureVector{1}})

	var rows []model.SimilarityScore
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("j%d", i)
		_, _ = features.PutJob(ctx, model.Entity{Ref: model.EntityRef{ID: id}, Vector: model.FeatureVector{1}})
		rows = append(rows, row("u1", id, 1-float64(i)/float64(n+1), clk.t, 1, 1))
	}

	opts = append([]scorecache.Option{scorecache.WithClock(clk.now), scorecache.WithLogger(logger.Nop())}, opts...)
	c := scorecache.New(repository.NewTreapStore(), features, opts...)
	if len(rows) > 0 {
		_, _ = c.UpsertBatch(ctx, rows)
	}
	clk.advance(time.Minute)
	return &fixture{ctx: ctx, clk: clk, features: features, cache: c, user: user}
}

func TestGet(t *testing.T) {
	Convey("Given a cache with one row per job", t, func() {
		f := newFixture(3)

		Convey("When the versions still match", func() {
			r, fr, err := f.cache.Get(f.ctx, f.user, model.EntityRef{ID: "j1", Kind: model.KindJob, Version: 1})
			So(err, ShouldBeNil)
			So(r.JobID, ShouldEqual, "j1")
			So(fr, ShouldEqual, model.Fresh)
		})

		Convey("When the job has a newer version", func() {
			_, fr, err := f.cache.Get(f.ctx, f.user, model.EntityRef{ID: "j1", Kind: model.KindJob, Version: 2})
			So(err, ShouldBeNil)
			So(fr, ShouldEqual, model.Stale)
		})

		Convey("When the pair was never computed", func() {
			_, _, err := f.cache.Get(f.ctx, f.user, model.EntityRef{ID: "j9", Kind: model.KindJob, Version: 1})
			So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
		})
	})
}

func TestTopK(t *testing.T) {
	Convey("Given a cache with five fresh rows", t, func() {
		f := newFixture(5, scorecache.WithScanPage(2))

		Convey("When asking for the top 3", func() {
			res, err := f.cache.TopK(f.ctx, f.user, 3)
			So(err, ShouldBeNil)

			Convey("Then the best rows come back in order", func() {
				So(jobIDs(res.Items), ShouldResemble, []string{"j0", "j1", "j2"})
			})
		})

		Convey("When asking for more rows than exist", func() {
			res, err := f.cache.TopK(f.ctx, f.user, 10)
			So(err, ShouldBeNil)

			Convey("Then every row is returned and the answer is complete", func() {
				So(res.Items, ShouldHaveLength, 5)
				So(res.Complete, ShouldBeTrue)
			})
		})

		Convey("When one job changes version", func() {
			_, err := f.features.PutJob(f.ctx, model.Entity{Ref: model.EntityRef{ID: "j0"}, Vector: model.FeatureVector{1}})
			So(err, ShouldBeNil)
			res, err := f.cache.TopK(f.ctx, f.user, 10)
			So(err, ShouldBeNil)

			Convey("Then its row is skipped and the answer is incomplete", func() {
				So(jobIDs(res.Items), ShouldResemble, []string{"j1", "j2", "j3", "j4"})
				So(res.Complete, ShouldBeFalse)
			})
		})

		Convey("When a job disappears from the feature store", func() {
			f.features.DeleteJob("j1")
			res, err := f.cache.TopK(f.ctx, f.user, 2)
			So(err, ShouldBeNil)
			So(jobIDs(res.Items), ShouldResemble, []string{"j0", "j2"})
		})

		Convey("When the user version moved on", func() {
			res, err := f.cache.TopK(f.ctx, model.EntityRef{ID: "u1", Kind: model.KindUser, Version: 2}, 3)
			So(err, ShouldBeNil)
			So(res.Items, ShouldBeEmpty)
			So(res.Scanned, ShouldEqual, 5)
		})

		Convey("Then k below one is rejected", func() {
			_, err := f.cache.TopK(f.ctx, f.user, 0)
			So(errors.Is(err, model.ErrInvalidK), ShouldBeTrue)
		})
	})

	Convey("Given a user without cached rows", t, func() {
		f := newFixture(0)
		res, err := f.cache.TopK(f.ctx, f.user, 3)
		So(err, ShouldBeNil)
		So(res.Items, ShouldBeEmpty)
		So(res.Complete, ShouldBeFalse)
	})
}

func TestInvalidate(t *testing.T) {
	Convey("Given a cache with fresh rows", t, func() {
		f := newFixture(3)
		j1 := model.EntityRef{ID: "j1", Kind: model.KindJob, Version: 1}

		Convey("When a job is invalidated", func() {
			f.cache.Invalidate("", "j1")

			Convey("Then its rows are stale even with matching versions", func() {
				_, fr, err := f.cache.Get(f.ctx, f.user, j1)
				So(err, ShouldBeNil)
				So(fr, ShouldEqual, model.Stale)

				res, err := f.cache.TopK(f.ctx, f.user, 3)
				So(err, ShouldBeNil)
				So(jobIDs(res.Items), ShouldResemble, []string{"j0", "j2"})
			})

			Convey("And the rows are still served as best effort", func() {
				best, err := f.cache.BestEffort(f.ctx, "u1", 3)
				So(err, ShouldBeNil)
				So(jobIDs(best), ShouldResemble, []string{"j0", "j1", "j2"})
			})

			Convey("And a row computed afterwards is fresh again", func() {
				f.clk.advance(time.Second)
				_, err := f.cache.UpsertBatch(f.ctx, []model.SimilarityScore{row("u1", "j1", 0.5, f.clk.t, 1, 1)})
				So(err, ShouldBeNil)
				_, fr, err := f.cache.Get(f.ctx, f.user, j1)
				So(err, ShouldBeNil)
				So(fr, ShouldEqual, model.Fresh)
			})
		})

		Convey("When the user is invalidated", func() {
			f.cache.Invalidate("u1", "")
			res, err := f.cache.TopK(f.ctx, f.user, 3)
			So(err, ShouldBeNil)
			So(res.Items, ShouldBeEmpty)
		})
	})
}

func TestMaxAge(t *testing.T) {
	Convey("Given a cache with a one hour max age", t, func() {
		f := newFixture(2, scorecache.WithMaxAge(time.Hour))
		j0 := model.EntityRef{ID: "j0", Kind: model.KindJob, Version: 1}

		_, fr, err := f.cache.Get(f.ctx, f.user, j0)
		So(err, ShouldBeNil)
		So(fr, ShouldEqual, model.Fresh)

		Convey("When the rows age past the window", func() {
			f.clk.advance(2 * time.Hour)

			Convey("Then they are stale", func() {
				_, fr, err := f.cache.Get(f.ctx, f.user, j0)
				So(err, ShouldBeNil)
				So(fr, ShouldEqual, model.Stale)
			})
		})
	})
}

func TestCoverageAndPaging(t *testing.T) {
	Convey("Given rows written for several versions", t, func() {
		f := newFixture(3)
		_, err := f.cache.UpsertBatch(f.ctx, []model.SimilarityScore{
			row("u1", "j0", 0.9, f.clk.t, 4, 2),
			row("u2", "j0", 0.1, f.clk.t, 1, 3),
		})
		So(err, ShouldBeNil)

		Convey("Then writing rows alone covers no entity", func() {
			_, ok := f.cache.Covered(model.KindJob, "j0")
			So(ok, ShouldBeFalse)
			_, ok = f.cache.Covered(model.KindUser, "u1")
			So(ok, ShouldBeFalse)
		})

		Convey("Then the last marked version per entity is remembered", func() {
			f.cache.MarkCovered(model.KindUser, model.EntityRef{ID: "u1", Version: 4})
			f.cache.MarkCovered(model.KindJob, model.EntityRef{ID: "j0", Version: 3})
			f.cache.MarkCovered(model.KindJob, model.EntityRef{ID: "j0", Version: 2})

			v, ok := f.cache.Covered(model.KindUser, "u1")
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, 4)
			v, ok = f.cache.Covered(model.KindJob, "j0")
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, 2)
			_, ok = f.cache.Covered(model.KindJob, "u1")
			So(ok, ShouldBeFalse)
		})

		Convey("Then pages walk rows in (user, job) order", func() {
			n, err := f.cache.Count(f.ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 4)

			p1, err := f.cache.Page(f.ctx, 1, 3)
			So(err, ShouldBeNil)
			So(p1, ShouldHaveLength, 3)
			So(p1[0].JobID, ShouldEqual, "j0")
			p2, err := f.cache.Page(f.ctx, 2, 3)
			So(err, ShouldBeNil)
			So(p2, ShouldHaveLength, 1)
			So(p2[0].UserID, ShouldEqual, "u2")

			_, err = f.cache.Page(f.ctx, 0, 3)
			So(errors.Is(err, repository.ErrInvalidLimit), ShouldBeTrue)
		})
	})
}

func TestCoverageBound(t *testing.T) {
	Convey("Given a cache remembering two covered entities", t, func() {
		f := newFixture(1, scorecache.WithCoverageSize(2))
		for i := 0; i < 3; i++ {
			f.cache.MarkCovered(model.KindJob, model.EntityRef{ID: fmt.Sprintf("j%d", i), Version: 1})
		}

		Convey("Then the oldest coverage is forgotten", func() {
			_, ok := f.cache.Covered(model.KindJob, "j0")
			So(ok, ShouldBeFalse)
			_, ok = f.cache.Covered(model.KindJob, "j2")
			So(ok, ShouldBeTrue)
		})
	})
}
