package model

import "time"

// SimilarityScore is a cached score for one (user, job) pair stamped with
// the entity versions it was computed from.
type SimilarityScore struct {
	UserID      string    `json:"user_id"`
	JobID       string    `json:"job_id"`
	Score       float64   `json:"score"`
	ComputedAt  time.Time `json:"computed_at"`
	UserVersion int64     `json:"user_version"`
	JobVersion  int64     `json:"job_version"`
}

// Matches reports whether the row was computed from the given versions.
func (s SimilarityScore) Matches(userVersion, jobVersion int64) bool {
	return s.UserVersion == userVersion && s.JobVersion == jobVersion
}

// Freshness classifies a cached row against current entity versions.
type Freshness int

const (
	// Stale rows may only be served as best effort.
	Stale Freshness = iota
	Fresh
)

func (f Freshness) String() string {
	if f == Fresh {
		return "fresh"
	}
	return "stale"
}

// Ranked is one element of a top-K result.
type Ranked struct {
	JobID string  `json:"job_id"`
	Score float64 `json:"score"`
}
