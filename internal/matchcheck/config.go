// Package matchcheck drives a running skillmatch service over HTTP and
// checks its recommendations against a local computation.
package matchcheck

import "time"

// Config holds configuration for a check run.
type Config struct {
	BaseURL   string        // Base URL of the service
	SeedFile  string        // Feature seed the service was started with
	Events    int           // Mutation events to publish
	Redeliver float64       // Share of events sent twice
	K         int           // Recommendations requested per user
	Sample    int           // Users whose rankings are verified; 0 checks all
	Workers   int           // Concurrent HTTP workers
	Timeout   time.Duration // HTTP request timeout
	JobWait   time.Duration // How long to wait for the full recompute
	Adjusted  bool          // Service runs with score adjustments
	Verbose   bool          // Log every mismatch
}

// GenerateConfig shapes a generated seed file.
type GenerateConfig struct {
	Users     int
	Jobs      int
	Dim       int
	Seed      uint64 // PRNG seed; equal seeds give equal files
	EntryRate float64
}

// Stats holds check statistics.
type Stats struct {
	EventsSubmitted  int
	EventsAccepted   int
	EventsDuplicate  int
	EventsRejected   int
	EventsFailed     int
	UsersChecked     int
	UsersMismatched  int
	RecomputeJobID   string
	RecomputeWritten int
	StartTime        time.Time
	EndTime          time.Time
	Duration         time.Duration
}
