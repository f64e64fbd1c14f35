// Package config defines service configuration structures and loading hooks.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Score cache backends.
const (
	StoreMemory = "memory"
	StoreBadger = "badger"
	StoreRedis  = "redis"
)

// Feature store backends.
const (
	FeaturesMemory   = "memory"
	FeaturesPostgres = "postgres"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// EventQueueSize bounds the in-memory mutation event queue.
	EventQueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of event workers.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize sets how many event ids are remembered for redelivery
	// detection.
	DedupeSize int `koanf:"dedupe_size"`

	// Daily full recompute.
	ScheduleHour     int    `koanf:"schedule_hour"`
	ScheduleMinute   int    `koanf:"schedule_minute"`
	ScheduleTimezone string `koanf:"schedule_timezone"`
	SchedulerEnabled bool   `koanf:"scheduler_enabled"`

	// TopKDefault is used when a request names no k; TopKMax caps it.
	TopKDefault int `koanf:"top_k_default"`
	TopKMax     int `koanf:"top_k_max"`

	// CandidatePoolSize bounds the postings scored synchronously on a
	// cache miss.
	CandidatePoolSize int `koanf:"candidate_pool_size"`

	RecomputeParallelism int     `koanf:"recompute_parallelism"`
	RecomputeRatePerSec  float64 `koanf:"recompute_rate_per_sec"`
	UpsertBatchSize      int     `koanf:"upsert_batch_size"`

	JobHistorySize int           `koanf:"job_history_size"`
	JobRetention   time.Duration `koanf:"job_retention"`

	// InvalidationPolicy is "any" or "semantic".
	InvalidationPolicy string `koanf:"invalidation_policy"`

	// ScoreMaxAge makes older rows stale. Zero disables it.
	ScoreMaxAge time.Duration `koanf:"score_max_age"`

	// ScoreAdjustments enables the entry-level and completeness factors.
	ScoreAdjustments bool `koanf:"score_adjustments"`

	// ScoreStore selects the score cache backend.
	ScoreStore  string `koanf:"score_store"`
	BadgerPath  string `koanf:"badger_path"`
	RedisAddr   string `koanf:"redis_addr"`
	RedisDB     int    `koanf:"redis_db"`
	RedisPrefix string `koanf:"redis_prefix"`

	// FeatureStore selects where user and job features are read from.
	FeatureStore    string `koanf:"feature_store"`
	PostgresDSN     string `koanf:"postgres_dsn"`
	FeatureSeedFile string `koanf:"feature_seed_file"`

	BreakerFailureThreshold uint32        `koanf:"breaker_failure_threshold"`
	BreakerTimeout          time.Duration `koanf:"breaker_timeout"`

	// ShutdownTimeout bounds graceful shutdown of HTTP and recompute jobs.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:                "info",
		Addr:                    ":9080",
		EventQueueSize:          10_000,
		WorkerCount:             4,
		DedupeSize:              50_000,
		ScheduleHour:            8,
		ScheduleMinute:          0,
		ScheduleTimezone:        "Local",
		SchedulerEnabled:        true,
		TopKDefault:             20,
		TopKMax:                 100,
		CandidatePoolSize:       200,
		RecomputeParallelism:    runtime.NumCPU(),
		RecomputeRatePerSec:     0,
		UpsertBatchSize:         500,
		JobHistorySize:          100,
		JobRetention:            24 * time.Hour,
		InvalidationPolicy:      "any",
		ScoreStore:              StoreMemory,
		BadgerPath:              "./data/scores",
		RedisAddr:               "localhost:6379",
		RedisPrefix:             "skillmatch",
		FeatureStore:            FeaturesMemory,
		BreakerFailureThreshold: 5,
		BreakerTimeout:          30 * time.Second,
		ShutdownTimeout:         10 * time.Second,
	}
}

// Location resolves ScheduleTimezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ScheduleTimezone)
	if err != nil {
		return nil, fmt.Errorf("%w: schedule_timezone %q: %w", ErrInvalidConfig, c.ScheduleTimezone, err)
	}
	return loc, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var problems []string
	check := func(bad bool, format string, args ...any) {
		if bad {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(strings.TrimSpace(c.Addr) == "", "addr must not be empty")
	check(c.EventQueueSize < 1, "queue_size must be >= 1")
	check(c.WorkerCount < 1, "worker_count must be >= 1")
	check(c.DedupeSize < 1, "dedupe_size must be >= 1")
	check(c.ScheduleHour < 0 || c.ScheduleHour > 23, "schedule_hour must be in [0,23], got %d", c.ScheduleHour)
	check(c.ScheduleMinute < 0 || c.ScheduleMinute > 59, "schedule_minute must be in [0,59], got %d", c.ScheduleMinute)
	check(c.TopKDefault < 1, "top_k_default must be >= 1")
	check(c.TopKMax < c.TopKDefault, "top_k_max must be >= top_k_default")
	check(c.CandidatePoolSize < 1, "candidate_pool_size must be >= 1")
	check(c.RecomputeParallelism < 1, "recompute_parallelism must be >= 1")
	check(c.RecomputeRatePerSec < 0, "recompute_rate_per_sec must be >= 0")
	check(c.UpsertBatchSize < 1, "upsert_batch_size must be >= 1")
	check(c.JobHistorySize < 1, "job_history_size must be >= 1")
	check(c.JobRetention < 0, "job_retention must be >= 0")
	check(c.ScoreMaxAge < 0, "score_max_age must be >= 0")
	check(c.InvalidationPolicy != "any" && c.InvalidationPolicy != "semantic",
		"invalidation_policy must be any or semantic, got %q", c.InvalidationPolicy)

	switch c.ScoreStore {
	case StoreMemory:
	case StoreBadger:
		check(c.BadgerPath == "", "badger_path must be set for the badger score store")
	case StoreRedis:
		check(c.RedisAddr == "", "redis_addr must be set for the redis score store")
	default:
		check(true, "score_store must be memory, badger or redis, got %q", c.ScoreStore)
	}
	switch c.FeatureStore {
	case FeaturesMemory:
	case FeaturesPostgres:
		check(c.PostgresDSN == "", "postgres_dsn must be set for the postgres feature store")
	default:
		check(true, "feature_store must be memory or postgres, got %q", c.FeatureStore)
	}
	check(c.BreakerFailureThreshold < 1, "breaker_failure_threshold must be >= 1")

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
