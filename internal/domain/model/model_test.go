package model_test

import (
	"errors"
	"testing"

	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/smartystreets/goconvey/convey"
)

func TestScope(t *testing.T) {
	convey.Convey("Given scope constructors", t, func() {
		convey.Convey("Then keys are distinct per kind and id", func() {
			convey.So(model.FullScope().Key(), convey.ShouldEqual, "full")
			convey.So(model.UserScope("7").Key(), convey.ShouldEqual, "user:7")
			convey.So(model.JobScope("7").Key(), convey.ShouldEqual, "job:7")
			convey.So(model.FullScope().IsFull(), convey.ShouldBeTrue)
		})

		convey.Convey("When parsing external forms", func() {
			s, err := model.ParseScope("USER", "u1")
			convey.So(err, convey.ShouldBeNil)
			convey.So(s, convey.ShouldResemble, model.UserScope("u1"))

			s, err = model.ParseScope("", "")
			convey.So(err, convey.ShouldBeNil)
			convey.So(s.IsFull(), convey.ShouldBeTrue)

			_, err = model.ParseScope("job", "")
			convey.So(errors.Is(err, model.ErrInvalidScope), convey.ShouldBeTrue)

			_, err = model.ParseScope("team", "x")
			convey.So(errors.Is(err, model.ErrInvalidScope), convey.ShouldBeTrue)
		})
	})
}

func TestEventScope(t *testing.T) {
	convey.Convey("Given mutation events", t, func() {
		convey.Convey("When the type is known", func() {
			s, err := model.Event{Type: model.EventJobChanged, EntityID: "j1"}.Scope()
			convey.So(err, convey.ShouldBeNil)
			convey.So(s.Key(), convey.ShouldEqual, "job:j1")
		})

		convey.Convey("When the type or id is missing", func() {
			_, err := model.Event{Type: "deleted", EntityID: "j1"}.Scope()
			convey.So(errors.Is(err, model.ErrInvalidScope), convey.ShouldBeTrue)
			_, err = model.Event{Type: model.EventUserChanged}.Scope()
			convey.So(errors.Is(err, model.ErrInvalidScope), convey.ShouldBeTrue)
		})
	})
}

func TestStatusAndFreshness(t *testing.T) {
	convey.Convey("Given job statuses", t, func() {
		convey.So(model.JobPending.Active(), convey.ShouldBeTrue)
		convey.So(model.JobRunning.Active(), convey.ShouldBeTrue)
		convey.So(model.JobFailed.Active(), convey.ShouldBeFalse)
		convey.So(model.Fresh.String(), convey.ShouldEqual, "fresh")
		convey.So(model.Stale.String(), convey.ShouldEqual, "stale")
		convey.So(model.KindJob.String(), convey.ShouldEqual, "job")
	})

	convey.Convey("Given a score row", t, func() {
		row := model.SimilarityScore{UserVersion: 2, JobVersion: 5}
		convey.So(row.Matches(2, 5), convey.ShouldBeTrue)
		convey.So(row.Matches(3, 5), convey.ShouldBeFalse)
	})
}
