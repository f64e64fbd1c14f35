package similarity_test

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/internal/domain/similarity"
	. "github.com/smartystreets/goconvey/convey"
)

func randomVector(r *rand.Rand, dim int) model.FeatureVector {
	v := make(model.FeatureVector, dim)
	for i := range v {
		v[i] = 0.01 + r.Float64()*10
	}
	return v
}

func TestScore(t *testing.T) {
	Convey("Given cosine scoring", t, func() {
		Convey("When vectors are identical and non-zero", func() {
			r := rand.New(rand.NewSource(7))
			exact := true
			for i := 0; i < 500; i++ {
				v := randomVector(r, 1+r.Intn(64))
				w := append(model.FeatureVector(nil), v...)
				if similarity.Score(v, w) != 1.0 {
					exact = false
				}
			}

			Convey("Then the score is exactly 1", func() {
				So(similarity.Score(model.FeatureVector{1, 0, 1}, model.FeatureVector{1, 0, 1}), ShouldEqual, 1.0)
				So(exact, ShouldBeTrue)
			})
		})

		Convey("When either vector is all zero", func() {
			So(similarity.Score(model.FeatureVector{1, 2, 3}, model.FeatureVector{0, 0, 0}), ShouldEqual, 0)
			So(similarity.Score(model.FeatureVector{0, 0}, model.FeatureVector{0, 0}), ShouldEqual, 0)
		})

		Convey("When vectors are orthogonal or opposite", func() {
			So(similarity.Score(model.FeatureVector{1, 0, 1}, model.FeatureVector{0, 1, 0}), ShouldEqual, 0)
			So(similarity.Score(model.FeatureVector{1, 1}, model.FeatureVector{-1, -1}), ShouldEqual, 0)
		})

		Convey("When dimensions differ or are empty", func() {
			So(similarity.Score(model.FeatureVector{1, 1}, model.FeatureVector{1, 1, 1}), ShouldEqual, 0)
			So(similarity.Score(nil, nil), ShouldEqual, 0)
		})

		Convey("When vectors partially overlap", func() {
			s := similarity.Score(model.FeatureVector{1, 1, 0}, model.FeatureVector{1, 0, 0})
			So(s, ShouldAlmostEqual, 0.7071067811865475, 1e-12)
		})

		Convey("When magnitudes are huge", func() {
			s := similarity.Score(model.FeatureVector{1e150, 1e150}, model.FeatureVector{1e150, 1e150})
			So(s, ShouldAlmostEqual, 1.0, 1e-12)
		})

		Convey("When magnitudes are tiny enough for the norm product to underflow", func() {
			So(similarity.Score(model.FeatureVector{1e-160, 0}, model.FeatureVector{1e-160, 1e-160}), ShouldAlmostEqual, 0.7071067811865475, 1e-3)
			So(similarity.Score(model.FeatureVector{1e-160, 0}, model.FeatureVector{0, 1e-160}), ShouldEqual, 0)
		})
	})
}

func TestRank(t *testing.T) {
	Convey("Given a user and candidate jobs", t, func() {
		u := model.FeatureVector{1, 0, 1}
		candidates := []similarity.Candidate{
			{JobID: "J2", Vector: model.FeatureVector{0, 1, 0}},
			{JobID: "J1", Vector: model.FeatureVector{1, 0, 1}},
			{JobID: "J3", Vector: model.FeatureVector{1, 0, 0}},
			{JobID: "J0", Vector: model.FeatureVector{0, 0, 1}},
		}

		Convey("When k is 1", func() {
			got, err := similarity.Rank(u, candidates, 1)

			Convey("Then the identical job wins with score 1", func() {
				So(err, ShouldBeNil)
				So(got, ShouldResemble, []model.Ranked{{JobID: "J1", Score: 1.0}})
			})
		})

		Convey("When scores tie", func() {
			got, err := similarity.Rank(u, candidates, 3)

			Convey("Then the lower job id ranks first", func() {
				So(err, ShouldBeNil)
				So(len(got), ShouldEqual, 3)
				So(got[0].JobID, ShouldEqual, "J1")
				So(got[1].JobID, ShouldEqual, "J0")
				So(got[2].JobID, ShouldEqual, "J3")
				So(got[1].Score, ShouldEqual, got[2].Score)
			})
		})

		Convey("When k exceeds the candidate count", func() {
			got, err := similarity.Rank(u, candidates, 10)
			So(err, ShouldBeNil)
			So(len(got), ShouldEqual, len(candidates))
			So(got[len(got)-1].JobID, ShouldEqual, "J2")
		})

		Convey("When k is below 1", func() {
			_, err := similarity.Rank(u, candidates, 0)
			So(errors.Is(err, model.ErrInvalidK), ShouldBeTrue)
			_, err = similarity.TopK(nil, -3)
			So(errors.Is(err, model.ErrInvalidK), ShouldBeTrue)
		})

		Convey("When there are no candidates", func() {
			got, err := similarity.Rank(u, nil, 5)
			So(err, ShouldBeNil)
			So(got, ShouldBeEmpty)
		})
	})
}

func TestRankMatchesFullSort(t *testing.T) {
	Convey("Given random candidate pools", t, func() {
		r := rand.New(rand.NewSource(42))
		mismatches := 0
		for trial := 0; trial < 50; trial++ {
			dim := 4
			u := randomVector(r, dim)
			n := 1 + r.Intn(200)
			cands := make([]similarity.Candidate, n)
			for i := range cands {
				v := randomVector(r, dim)
				if i%5 == 0 && i > 0 {
					v = cands[i-1].Vector // force ties
				}
				cands[i] = similarity.Candidate{JobID: fmt.Sprintf("job-%03d", r.Intn(1000)*1000+i), Vector: v}
			}
			k := 1 + r.Intn(30)

			got, err := similarity.Rank(u, cands, k)
			if err != nil {
				t.Fatal(err)
			}

			all := make([]model.Ranked, n)
			for i, c := range cands {
				all[i] = model.Ranked{JobID: c.JobID, Score: similarity.Score(u, c.Vector)}
			}
			sort.Slice(all, func(i, j int) bool { return similarity.Before(all[i], all[j]) })
			want := all[:min(k, n)]

			if fmt.Sprint(got) != fmt.Sprint(want) {
				mismatches++
			}
			for i := 1; i < len(got); i++ {
				if !similarity.Before(got[i-1], got[i]) {
					mismatches++
				}
			}
		}

		Convey("Then partial selection agrees with a full sort", func() {
			So(mismatches, ShouldEqual, 0)
		})
	})
}

func TestRankConcurrentUse(t *testing.T) {
	Convey("Given many goroutines ranking the same candidates", t, func() {
		cands := []similarity.Candidate{
			{JobID: "a", Vector: model.FeatureVector{1, 0}},
			{JobID: "b", Vector: model.FeatureVector{0, 1}},
		}
		var wg sync.WaitGroup
		results := make([][]model.Ranked, 32)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], _ = similarity.Rank(model.FeatureVector{1, 0}, cands, 2)
			}(i)
		}
		wg.Wait()

		Convey("Then every caller sees the same ranking", func() {
			for _, r := range results {
				So(r, ShouldResemble, results[0])
			}
		})
	})
}
