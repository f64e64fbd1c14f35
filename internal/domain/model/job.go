package model

import (
	"fmt"
	"strings"
	"time"
)

// ScopeKind is the breadth of a recompute job.
type ScopeKind string

const (
	ScopeFull ScopeKind = "full"
	ScopeUser ScopeKind = "user"
	ScopeJob  ScopeKind = "job"
)

// Scope is what a recompute job covers. ID is empty for ScopeFull.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
}

// FullScope covers every (user, job) pair.
func FullScope() Scope { return Scope{Kind: ScopeFull} }

// UserScope covers every pair of one user.
func UserScope(id string) Scope { return Scope{Kind: ScopeUser, ID: id} }

// JobScope covers every pair of one job posting.
func JobScope(id string) Scope { return Scope{Kind: ScopeJob, ID: id} }

// ParseScope builds a scope from its external form.
func ParseScope(kind, id string) (Scope, error) {
	switch ScopeKind(strings.ToLower(strings.TrimSpace(kind))) {
	case "", ScopeFull:
		return FullScope(), nil
	case ScopeUser:
		if id == "" {
			return Scope{}, fmt.Errorf("%w: user scope needs an id", ErrInvalidScope)
		}
		return UserScope(id), nil
	case ScopeJob:
		if id == "" {
			return Scope{}, fmt.Errorf("%w: job scope needs an id", ErrInvalidScope)
		}
		return JobScope(id), nil
	default:
		return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, kind)
	}
}

// Key is the unit of mutual exclusion: "full", "user:<id>" or "job:<id>".
func (s Scope) Key() string {
	if s.Kind == ScopeFull {
		return string(ScopeFull)
	}
	return string(s.Kind) + ":" + s.ID
}

// IsFull reports whether the scope covers all pairs.
func (s Scope) IsFull() bool { return s.Kind == ScopeFull }

// JobStatus is the lifecycle state of a recompute job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Active reports whether the job still holds its scope key.
func (s JobStatus) Active() bool { return s == JobPending || s == JobRunning }

// RecomputeJob is a snapshot of one recompute run.
type RecomputeJob struct {
	ID           string    `json:"id"`
	Scope        Scope     `json:"scope"`
	Status       JobStatus `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Error        string    `json:"error,omitempty"`
	PairsWritten int       `json:"pairs_written"`
	PairsSkipped int       `json:"pairs_skipped"`
}
