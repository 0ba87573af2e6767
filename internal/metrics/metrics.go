// Package metrics provides Prometheus instrumentation for mediarelay. All
// metrics are prefixed with "mediarelay_".
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediarelay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediarelay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Transcoder metrics
var (
	EncodeAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediarelay_encode_attempts_total",
			Help: "Total number of encode attempts by encoder and outcome",
		},
		[]string{"encoder", "preset", "status"},
	)

	EncodeAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediarelay_encode_attempt_duration_seconds",
			Help:    "Encode attempt duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"encoder"},
	)

	CompressionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediarelay_compressions_total",
			Help: "Total number of target-size compressions",
		},
		[]string{"strategy", "status"},
	)

	ProbeCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediarelay_probe_cache_lookups_total",
			Help: "Probe cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss"
	)
)

// Fetch metrics
var (
	FetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediarelay_fetch_attempts_total",
			Help: "Total number of fetch attempts by rendition and outcome",
		},
		[]string{"rendition", "status"},
	)

	FetchBackoffSeconds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediarelay_fetch_backoff_seconds_total",
			Help: "Seconds spent waiting between fetch attempts",
		},
		[]string{"reason"}, // "generic", "rate_limited"
	)

	SizeEstimatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediarelay_size_estimates_total",
			Help: "Size estimates by source",
		},
		[]string{"source"}, // "reported", "heuristic", "unknown", "cache"
	)
)

// Job metrics
var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediarelay_jobs_total",
			Help: "Total number of jobs by kind and final status",
		},
		[]string{"kind", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediarelay_job_duration_seconds",
			Help:    "Job duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"kind"},
	)

	JobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediarelay_jobs_in_progress",
			Help: "Number of jobs currently running",
		},
	)
)

// Application info metric
var (
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mediarelay_app_info",
			Help: "Application information",
		},
		[]string{"version", "go_version"},
	)
)

// SetAppInfo sets the application info metric
func SetAppInfo(version, goVersion string) {
	AppInfo.WithLabelValues(version, goVersion).Set(1)
}
