package recompute

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/okian/skillmatch/pkg/logger"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces time.Now for job timestamps and row ComputedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithParallelism bounds how many users a full recompute scores at once.
func WithParallelism(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.parallelism = n
		}
	}
}

// WithRateLimit paces full recompute user batches. Zero means unlimited.
func WithRateLimit(perSecond float64) Option {
	return func(c *Coordinator) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithBatchSize caps rows per UpsertBatch call.
func WithBatchSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithHistory bounds the registry of finished jobs by count and age.
func WithHistory(size int, retention time.Duration) Option {
	return func(c *Coordinator) {
		if size > 0 {
			c.historySize = size
		}
		if retention > 0 {
			c.retention = retention
		}
	}
}
