package model

import "errors"

// Sentinel errors shared by the engine and its adapters.
var (
	// ErrNotFound means an unknown user, job or cached row.
	ErrNotFound = errors.New("not found")
	// ErrStaleInput means an entity vanished while a recompute was reading it.
	ErrStaleInput = errors.New("stale input")
	// ErrComputeFailure aborts a recompute job.
	ErrComputeFailure = errors.New("compute failure")
	// ErrServiceUnavailable means a dependency could not be reached.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrCancelled marks a job stopped by shutdown.
	ErrCancelled = errors.New("cancelled")
	// ErrInvalidK rejects k < 1.
	ErrInvalidK = errors.New("k must be >= 1")
	// ErrInvalidScope rejects malformed recompute scopes and events.
	ErrInvalidScope = errors.New("invalid scope")
)
