// Package metrics provides Prometheus metrics for the skillmatch service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the skillmatch service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	registry         prometheus.Registerer

	// Recompute
	recomputeJobs       *prometheus.CounterVec
	recomputeDuration   *prometheus.HistogramVec
	recomputeCoalesced  *prometheus.CounterVec
	recomputeDeferred   prometheus.Counter
	recomputePairs      *prometheus.CounterVec
	recomputeRunning    prometheus.Gauge
	schedulerFirings    prometheus.Counter
	schedulerNextRunSec prometheus.Gauge

	// Score cache
	cacheLookups       *prometheus.CounterVec
	cacheRows          prometheus.Gauge
	cacheUpsertLatency prometheus.Histogram
	onDemandScored     prometheus.Counter

	// Recommendations
	recommendationLatency prometheus.Histogram
	recommendationErrors  *prometheus.CounterVec

	// Mutation events
	eventsReceived  *prometheus.CounterVec
	eventsDuplicate prometheus.Counter
	queueSize       prometheus.Gauge
	queueCapacity   prometheus.Gauge
	queueRejected   prometheus.Counter

	// Workers
	workerCount             prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// Feature store
	featureStoreBreakerState prometheus.Gauge
	featureStoreErrors       *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "skillmatch",
		subsystem:        "engine",
		histogramBuckets: []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) histogram(name, help string) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: m.histogramBuckets,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: m.histogramBuckets,
	}, labels)
}

func (m *Manager) initializeMetrics() {
	m.recomputeJobs = m.counterVec("recompute_jobs_total", "Recompute jobs finished by scope kind and status", "scope", "status")
	m.recomputeDuration = m.histogramVec("recompute_duration_milliseconds", "Recompute job wall time in milliseconds", "scope")
	m.recomputeCoalesced = m.counterVec("recompute_coalesced_total", "Triggers merged into an active job", "scope")
	m.recomputeDeferred = m.counter("recompute_deferred_total", "Incremental triggers deferred until the running full recompute finishes")
	m.recomputePairs = m.counterVec("recompute_pairs_total", "Pairs processed by recompute jobs", "outcome")
	m.recomputeRunning = m.gauge("recompute_running", "Recompute jobs currently running")
	m.schedulerFirings = m.counter("scheduler_firings_total", "Daily trigger firings")
	m.schedulerNextRunSec = m.gauge("scheduler_next_run_timestamp_seconds", "Unix time of the next daily trigger, 0 when disabled")

	m.cacheLookups = m.counterVec("cache_lookups_total", "Score cache lookups by result", "result")
	m.cacheRows = m.gauge("cache_rows", "Rows held by the score store")
	m.cacheUpsertLatency = m.histogram("cache_upsert_latency_milliseconds", "Score store batch upsert latency in milliseconds")
	m.onDemandScored = m.counter("on_demand_scored_total", "Pairs scored synchronously on a cache miss")

	m.recommendationLatency = m.histogram("recommendation_latency_milliseconds", "Recommendation query latency in milliseconds")
	m.recommendationErrors = m.counterVec("recommendation_errors_total", "Recommendation query failures by kind", "kind")

	m.eventsReceived = m.counterVec("events_received_total", "Mutation events accepted by type", "type")
	m.eventsDuplicate = m.counter("events_duplicate_total", "Mutation events dropped as duplicates")
	m.queueSize = m.gauge("queue_size", "Current size of the mutation event queue")
	m.queueCapacity = m.gauge("queue_capacity", "Mutation event queue capacity")
	m.queueRejected = m.counter("queue_rejected_total", "Mutation events rejected because the queue was full")

	m.workerCount = m.gauge("worker_count", "Mutation event workers")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds", "Mutation event handling latency in milliseconds")
	m.workerErrors = m.counter("worker_errors_total", "Mutation events whose handling failed")

	m.featureStoreBreakerState = m.gauge("feature_store_breaker_state", "Feature store circuit state: 0 closed, 1 half-open, 2 open")
	m.featureStoreErrors = m.counterVec("feature_store_errors_total", "Feature store call failures by operation", "op")

	m.httpRequests = m.counterVec("http_requests_total", "Total number of HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds", "endpoint", "method", "status_code")
}

// Recompute metrics.

// RecordRecomputeJob records a finished job.
func RecordRecomputeJob(scope, status string, durationMs float64) {
	globalManager.recomputeJobs.WithLabelValues(scope, status).Inc()
	globalManager.recomputeDuration.WithLabelValues(scope).Observe(durationMs)
}

// RecordRecomputeCoalesced increments the coalesced trigger counter.
func RecordRecomputeCoalesced(scope string) {
	globalManager.recomputeCoalesced.WithLabelValues(scope).Inc()
}

// RecordRecomputeDeferred increments the deferred trigger counter.
func RecordRecomputeDeferred() {
	globalManager.recomputeDeferred.Inc()
}

// RecordRecomputePairs adds written and skipped pair counts.
func RecordRecomputePairs(written, skipped int) {
	globalManager.recomputePairs.WithLabelValues("written").Add(float64(written))
	globalManager.recomputePairs.WithLabelValues("skipped").Add(float64(skipped))
}

// UpdateRecomputeRunning sets the number of running jobs.
func UpdateRecomputeRunning(n int) {
	globalManager.recomputeRunning.Set(float64(n))
}

// RecordSchedulerFiring increments the daily firing counter.
func RecordSchedulerFiring() {
	globalManager.schedulerFirings.Inc()
}

// UpdateSchedulerNextRun sets the next run unix time; 0 means disabled.
func UpdateSchedulerNextRun(unix int64) {
	globalManager.schedulerNextRunSec.Set(float64(unix))
}

// Score cache metrics.

// RecordCacheLookup records a lookup outcome: fresh, stale or miss.
func RecordCacheLookup(result string) {
	globalManager.cacheLookups.WithLabelValues(result).Inc()
}

// UpdateCacheRows sets the stored row count.
func UpdateCacheRows(n int) {
	globalManager.cacheRows.Set(float64(n))
}

// RecordCacheUpsertLatency records a batch upsert latency.
func RecordCacheUpsertLatency(latencyMs float64) {
	globalManager.cacheUpsertLatency.Observe(latencyMs)
}

// RecordOnDemandScored adds pairs scored on the query path.
func RecordOnDemandScored(n int) {
	globalManager.onDemandScored.Add(float64(n))
}

// RecordRecommendationLatency records a recommendation query latency.
func RecordRecommendationLatency(latencyMs float64) {
	globalManager.recommendationLatency.Observe(latencyMs)
}

// RecordRecommendationError records a failed recommendation query.
func RecordRecommendationError(kind string) {
	globalManager.recommendationErrors.WithLabelValues(kind).Inc()
}

// Event and queue metrics.

// RecordEventReceived increments the accepted event counter.
func RecordEventReceived(eventType string) {
	globalManager.eventsReceived.WithLabelValues(eventType).Inc()
}

// RecordEventDuplicate increments the duplicate event counter.
func RecordEventDuplicate() {
	globalManager.eventsDuplicate.Inc()
}

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueRejected increments the rejected event counter.
func RecordQueueRejected() {
	globalManager.queueRejected.Inc()
}

// Worker metrics.

// UpdateWorkerCount sets the current worker count.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// RecordWorkerProcessingLatency records worker processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	globalManager.workerErrors.Inc()
}

// Feature store metrics.

// UpdateFeatureStoreBreakerState sets the breaker state gauge.
func UpdateFeatureStoreBreakerState(state int) {
	globalManager.featureStoreBreakerState.Set(float64(state))
}

// RecordFeatureStoreError increments the failure counter for op.
func RecordFeatureStoreError(op string) {
	globalManager.featureStoreErrors.WithLabelValues(op).Inc()
}

// HTTP metrics.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
