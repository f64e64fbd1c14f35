package similarity

import "github.com/okian/skillmatch/internal/domain/model"

// EntryLevelPenaltyFactor scales scores of entry-level users against jobs
// that do not take entry-level applicants.
const EntryLevelPenaltyFactor = 0.4

// EntryLevelPenalty damps matches an entry-level user cannot apply to.
func EntryLevelPenalty(user, job model.Entity, score float64) float64 {
	if user.Traits.EntryLevel && !job.Traits.AcceptsEntryLevel {
		return score * EntryLevelPenaltyFactor
	}
	return score
}

// CompletenessDamping scales a score by how complete the user profile is.
// Users without a completeness figure are left alone.
func CompletenessDamping(user, _ model.Entity, score float64) float64 {
	if user.Traits.Completeness == nil {
		return score
	}
	return score * completenessFactor(*user.Traits.Completeness)
}

func completenessFactor(c float64) float64 {
	switch {
	case c >= 1.0:
		return 1.0
	case c >= 0.8:
		return 0.9
	case c >= 0.6:
		return 0.7
	case c >= 0.4:
		return 0.5
	case c >= 0.2:
		return 0.2
	default:
		return 0.1
	}
}

// DefaultAdjusters returns the adjusters enabled by score_adjustments.
func DefaultAdjusters() []Adjuster {
	return []Adjuster{EntryLevelPenalty, CompletenessDamping}
}
