package featurestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/pkg/logger"
	"github.com/okian/skillmatch/pkg/metrics"
)

// BreakerConfig tunes the circuit breaker in front of a Reader.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	Timeout          time.Duration
	Interval         time.Duration
	MaxRequests      uint32
}

// DefaultBreakerConfig trips after five consecutive failures and probes
// again after thirty seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "feature-store",
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		MaxRequests:      1,
	}
}

// BreakerReader guards a Reader with a circuit breaker. Every failure,
// including a rejected call while the breaker is open, is returned
// wrapping model.ErrServiceUnavailable.
type BreakerReader struct {
	next Reader
	cb   *gobreaker.CircuitBreaker[any]
	log  logger.Logger
}

// NewBreakerReader wraps next.
func NewBreakerReader(next Reader, cfg BreakerConfig, log logger.Logger) *BreakerReader {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 1
	}
	b := &BreakerReader{next: next, log: log}
	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.UpdateFeatureStoreBreakerState(stateValue(to))
			b.log.Warn(context.Background(), "feature store breaker changed state",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Unknown ids and caller cancellation say nothing about the
			// store's health.
			return err == nil ||
				errors.Is(err, model.ErrNotFound) ||
				errors.Is(err, context.Canceled)
		},
	})
	metrics.UpdateFeatureStoreBreakerState(stateValue(b.cb.State()))
	return b
}

func stateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// State reports the breaker state as closed, half-open or open.
func (b *BreakerReader) State() string {
	return b.cb.State().String()
}

func guard[T any](b *BreakerReader, op string, fn func() (T, error)) (T, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err == nil {
		return res.(T), nil
	}
	var zero T
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, context.Canceled) {
		return zero, err
	}
	metrics.RecordFeatureStoreError(op)
	return zero, fmt.Errorf("%w: %s: %w", model.ErrServiceUnavailable, op, err)
}

// ListUsers implements Reader.
func (b *BreakerReader) ListUsers(ctx context.Context) ([]model.Entity, error) {
	return guard(b, "list_users", func() ([]model.Entity, error) {
		return b.next.ListUsers(ctx)
	})
}

// ListJobs implements Reader.
func (b *BreakerReader) ListJobs(ctx context.Context, filter model.JobFilter) ([]model.Entity, error) {
	return guard(b, "list_jobs", func() ([]model.Entity, error) {
		return b.next.ListJobs(ctx, filter)
	})
}

// GetUser implements Reader.
func (b *BreakerReader) GetUser(ctx context.Context, id string) (model.Entity, error) {
	return guard(b, "get_user", func() (model.Entity, error) {
		return b.next.GetUser(ctx, id)
	})
}

// GetJob implements Reader.
func (b *BreakerReader) GetJob(ctx context.Context, id string) (model.Entity, error) {
	return guard(b, "get_job", func() (model.Entity, error) {
		return b.next.GetJob(ctx, id)
	})
}
