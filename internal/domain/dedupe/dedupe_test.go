package dedupe_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/okian/skillmatch/internal/domain/dedupe"
	. "github.com/smartystreets/goconvey/convey"
)

func TestInMemoryDeduper(t *testing.T) {
	ctx := context.Background()

	Convey("Given a new InMemoryDeduper", t, func() {
		d := dedupe.NewInMemoryDeduper()

		Convey("When an event id is seen for the first time", func() {
			seen := d.SeenAndRecord(ctx, "evt-1")

			Convey("Then it is recorded", func() {
				So(seen, ShouldBeFalse)
				So(d.Size(), ShouldEqual, 1)
			})

			Convey("And a redelivery is reported as seen", func() {
				So(d.SeenAndRecord(ctx, "evt-1"), ShouldBeTrue)
				So(d.Size(), ShouldEqual, 1)
			})
		})

		Convey("When an id is unrecorded", func() {
			d.SeenAndRecord(ctx, "evt-2")
			d.Unrecord(ctx, "evt-2")
			d.Unrecord(ctx, "never-seen")

			Convey("Then it can be recorded again", func() {
				So(d.Size(), ShouldEqual, 0)
				So(d.SeenAndRecord(ctx, "evt-2"), ShouldBeFalse)
			})
		})
	})

	Convey("Given a bounded deduper", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(3))
		for i := 0; i < 4; i++ {
			d.SeenAndRecord(ctx, fmt.Sprintf("evt-%d", i))
		}

		Convey("Then the oldest id is evicted first", func() {
			So(d.Size(), ShouldEqual, 3)
			So(d.SeenAndRecord(ctx, "evt-3"), ShouldBeTrue)
			So(d.SeenAndRecord(ctx, "evt-1"), ShouldBeTrue)
			So(d.SeenAndRecord(ctx, "evt-0"), ShouldBeFalse)
		})
	})

	Convey("Given a deduper with a non-positive size", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(0))
		for i := 0; i < 1000; i++ {
			d.SeenAndRecord(ctx, fmt.Sprintf("evt-%d", i))
		}

		Convey("Then the default bound applies and nothing is evicted yet", func() {
			So(d.Size(), ShouldEqual, 1000)
			So(d.SeenAndRecord(ctx, "evt-0"), ShouldBeTrue)
		})
	})

	Convey("Given a full deduper that sees a redelivery", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(2))
		d.SeenAndRecord(ctx, "a")
		d.SeenAndRecord(ctx, "b")
		So(d.SeenAndRecord(ctx, "a"), ShouldBeTrue)
		d.SeenAndRecord(ctx, "c")

		Convey("Then the redelivered id is still evicted first", func() {
			So(d.Size(), ShouldEqual, 2)
			So(d.SeenAndRecord(ctx, "b"), ShouldBeTrue)
			So(d.SeenAndRecord(ctx, "a"), ShouldBeFalse)
		})
	})
}

func TestDeduperConcurrentFirstSeen(t *testing.T) {
	Convey("Given many goroutines racing on one id", t, func() {
		d := dedupe.NewInMemoryDeduper()
		var firsts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if !d.SeenAndRecord(context.Background(), "same") {
					firsts.Add(1)
				}
			}()
		}
		wg.Wait()

		Convey("Then exactly one of them records it", func() {
			So(firsts.Load(), ShouldEqual, 1)
		})
	})
}
