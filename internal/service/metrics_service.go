package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Enrollment outcome labels.
const (
	OutcomeCommitted        = "committed"
	OutcomeUnchanged        = "unchanged"
	OutcomeValidation       = "validation"
	OutcomeCapacityExceeded = "capacity_exceeded"
	OutcomeNotFound         = "not_found"
	OutcomeConflict         = "conflict"
	OutcomeGuarded          = "guarded"
	OutcomeError            = "error"
)

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry          *prometheus.Registry
	handler           http.Handler
	requestDuration   *prometheus.HistogramVec
	requestTotal      *prometheus.CounterVec
	cacheLatency      prometheus.Observer
	cacheWrite        prometheus.Observer
	cacheHitRatio     prometheus.Gauge
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	enrollments       *prometheus.CounterVec
	enrollmentRetries prometheus.Counter
	compensations     *prometheus.CounterVec
	rolloverRuns      *prometheus.CounterVec
	rolloverBatches   *prometheus.CounterVec

	cacheHitCount        uint64
	cacheMissCount       uint64
	requestCount         uint64
	requestDurationTotal uint64
	committedCount       uint64
	rejectedCount        uint64
	retryCount           uint64
}

// MetricsSnapshot summarises process counters for the admin dashboard.
type MetricsSnapshot struct {
	Requests             uint64  `json:"requests"`
	AvgRequestMs         float64 `json:"avg_request_ms"`
	CacheHitRatio        float64 `json:"cache_hit_ratio"`
	EnrollmentsCommitted uint64  `json:"enrollments_committed"`
	EnrollmentsRejected  uint64  `json:"enrollments_rejected"`
	TransactionRetries   uint64  `json:"transaction_retries"`
	Goroutines           int     `json:"goroutines"`
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "audience", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "audience", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	enrollments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_submissions_total",
		Help: "Selection submissions by outcome",
	}, []string{"outcome"})

	enrollmentRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enrollment_transaction_retries_total",
		Help: "Enrollment transactions retried after a serialization failure or deadlock",
	})

	compensations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_compensations_total",
		Help: "Admin compensation operations by kind and outcome",
	}, []string{"operation", "outcome"})

	rolloverRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollover_runs_total",
		Help: "Term rollover runs by terminal status",
	}, []string{"status"})

	rolloverBatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollover_batches_total",
		Help: "Term rollover batches committed by phase",
	}, []string{"phase"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses,
		enrollments, enrollmentRetries, compensations, rolloverRuns, rolloverBatches, goroutines)

	return &MetricsService{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:   requestDuration,
		requestTotal:      requestTotal,
		cacheLatency:      cacheLatency,
		cacheWrite:        cacheWrite,
		cacheHitRatio:     cacheHitRatio,
		cacheHits:         cacheHits,
		cacheMisses:       cacheMisses,
		enrollments:       enrollments,
		enrollmentRetries: enrollmentRetries,
		compensations:     compensations,
		rolloverRuns:      rolloverRuns,
		rolloverBatches:   rolloverBatches,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
// audience separates student, admin and public traffic on the same route.
func (m *MetricsService) ObserveHTTPRequest(method, path, audience string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, audience, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, audience, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	total := hits + atomic.LoadUint64(&m.cacheMissCount)
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// RecordEnrollment counts a submission by outcome.
func (m *MetricsService) RecordEnrollment(outcome string) {
	if m == nil {
		return
	}
	m.enrollments.WithLabelValues(outcome).Inc()
	switch outcome {
	case OutcomeCommitted, OutcomeUnchanged:
		atomic.AddUint64(&m.committedCount, 1)
	default:
		atomic.AddUint64(&m.rejectedCount, 1)
	}
}

// RecordTransactionRetry counts one retried enrollment transaction.
func (m *MetricsService) RecordTransactionRetry() {
	if m == nil {
		return
	}
	m.enrollmentRetries.Inc()
	atomic.AddUint64(&m.retryCount, 1)
}

// RecordCompensation counts an admin reversal.
func (m *MetricsService) RecordCompensation(operation, outcome string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(operation, outcome).Inc()
}

// RecordRolloverBatch counts a committed rollover batch for the phase.
func (m *MetricsService) RecordRolloverBatch(phase string) {
	if m == nil {
		return
	}
	m.rolloverBatches.WithLabelValues(phase).Inc()
}

// RecordRolloverRun counts a finished rollover run.
func (m *MetricsService) RecordRolloverRun(status string) {
	if m == nil {
		return
	}
	m.rolloverRuns.WithLabelValues(status).Inc()
}

// Snapshot returns aggregated metrics suitable for the admin dashboard.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var cacheRatio float64
	if hits+misses > 0 {
		cacheRatio = float64(hits) / float64(hits+misses)
	}
	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return MetricsSnapshot{
		Requests:             requests,
		AvgRequestMs:         avgRequestMs,
		CacheHitRatio:        cacheRatio,
		EnrollmentsCommitted: atomic.LoadUint64(&m.committedCount),
		EnrollmentsRejected:  atomic.LoadUint64(&m.rejectedCount),
		TransactionRetries:   atomic.LoadUint64(&m.retryCount),
		Goroutines:           runtime.NumGoroutine(),
	}
}
