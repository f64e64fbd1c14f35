package model

// Kind distinguishes users from job postings.
type Kind int

const (
	KindUser Kind = iota
	KindJob
)

func (k Kind) String() string {
	if k == KindJob {
		return "job"
	}
	return "user"
}

// FeatureVector holds weights over a dimension shared by users and jobs,
// e.g. one dimension per known skill. Callers must not mutate a vector
// they did not create.
type FeatureVector []float64

// EntityRef identifies an entity at a specific version. Version grows
// whenever a feature-relevant attribute changes.
type EntityRef struct {
	ID      string
	Kind    Kind
	Version int64
}

// Traits are optional attributes read by score adjustments.
type Traits struct {
	// EntryLevel marks a user without professional experience.
	EntryLevel bool `json:"entry_level,omitempty"`
	// AcceptsEntryLevel marks a job open to entry-level applicants.
	AcceptsEntryLevel bool `json:"accepts_entry_level,omitempty"`
	// Completeness is the share of filled profile fields in [0,1]; nil when unknown.
	Completeness *float64 `json:"completeness,omitempty"`
}

// Entity is a user or job posting as seen by the engine.
type Entity struct {
	Ref    EntityRef
	Vector FeatureVector
	Traits Traits
}

// JobFilter narrows ListJobs. The zero value lists every job.
type JobFilter struct {
	// IDs restricts the result to these ids. Unknown ids are omitted.
	IDs []string
	// Near orders candidates by vector distance when the store supports it.
	Near FeatureVector
	// Limit caps the result size; 0 means no cap.
	Limit int
}
