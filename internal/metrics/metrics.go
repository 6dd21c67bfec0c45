// Package metrics provides Prometheus metrics for classification runs, the
// worker pools and the HTTP API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noos_runs_submitted_total",
			Help: "Total number of classification runs accepted, by mode",
		},
		[]string{"mode"},
	)
	RunsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "noos_runs_rejected_total",
			Help: "Total number of classification runs rejected because the pool was busy",
		},
	)
	RunsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "noos_runs_completed_total",
			Help: "Total number of classification runs completed successfully",
		},
	)
	RunsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noos_runs_failed_total",
			Help: "Total number of classification runs that failed, by reason",
		},
		[]string{"reason"},
	)
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "noos_runs_active",
			Help: "Number of classification runs currently executing",
		},
	)
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "noos_run_duration_seconds",
			Help:    "Classification run duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)
	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "noos_phase_duration_seconds",
			Help:    "Duration of each run phase in seconds",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"phase"},
	)
	StylesClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noos_styles_classified_total",
			Help: "Total number of styles classified, by type",
		},
		[]string{"type"},
	)
	SalesWarnings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "noos_sales_warnings_total",
			Help: "Total number of sales rows skipped because of missing master data",
		},
	)
	PoolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "noos_pool_queue_depth",
			Help: "Current number of jobs waiting in a worker pool",
		},
		[]string{"pool"},
	)
	PoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "noos_pool_active_workers",
			Help: "Number of workers currently executing a job",
		},
		[]string{"pool"},
	)
	PoolRejections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "noos_pool_rejected_jobs",
			Help: "Jobs rejected by a worker pool since start",
		},
		[]string{"pool"},
	)
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noos_result_cache_requests_total",
			Help: "Result cache lookups, by outcome",
		},
		[]string{"outcome"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noos_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "noos_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordRunSubmitted(mode string) {
	RunsSubmitted.WithLabelValues(mode).Inc()
}

func RecordRunRejected() {
	RunsRejected.Inc()
}

func RecordRunStarted() {
	RunsActive.Inc()
}

func RecordRunCompleted(duration time.Duration) {
	RunsActive.Dec()
	RunsCompleted.Inc()
	RunDuration.WithLabelValues("completed").Observe(duration.Seconds())
}

func RecordRunFailed(reason string, duration time.Duration) {
	RunsActive.Dec()
	RunsFailed.WithLabelValues(reason).Inc()
	RunDuration.WithLabelValues("failed").Observe(duration.Seconds())
}

func RecordPhase(phase string, duration time.Duration) {
	PhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

func RecordClassification(counts map[string]int, warnings int) {
	for t, n := range counts {
		StylesClassified.WithLabelValues(t).Add(float64(n))
	}
	SalesWarnings.Add(float64(warnings))
}

func UpdatePoolGauges(pool string, queued int, active, rejected int64) {
	PoolQueueDepth.WithLabelValues(pool).Set(float64(queued))
	PoolActiveWorkers.WithLabelValues(pool).Set(float64(active))
	PoolRejections.WithLabelValues(pool).Set(float64(rejected))
}

func RecordCacheLookup(hit bool) {
	if hit {
		CacheRequests.WithLabelValues("hit").Inc()
		return
	}
	CacheRequests.WithLabelValues("miss").Inc()
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
