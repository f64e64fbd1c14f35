package scorecache

import (
	"time"

	"github.com/okian/skillmatch/pkg/logger"
)

// Option configures a Cache.
type Option func(*Cache)

// WithMaxAge marks rows older than d as stale. Zero disables the check.
func WithMaxAge(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.maxAge = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the cache logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithScanPage sets how many rows TopK reads from the store per round trip.
func WithScanPage(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.scanPage = n
		}
	}
}

// WithCoverageSize bounds how many entities' coverage is remembered.
func WithCoverageSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.coverageSize = n
		}
	}
}
