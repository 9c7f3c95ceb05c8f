// Package metrics exposes Nexus's ambient Prometheus metrics (spec
// §4.9 expanded): job lifecycle counters, queue depth, GPU
// utilization, and API request instrumentation, rebuilt in the
// teacher's promauto idiom for the Nexus domain.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
	)

	JobsTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_jobs_terminal_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_job_duration_seconds",
			Help:    "Wall-clock time from started_at to completed_at",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1s to ~4.5 hours
		},
		[]string{"status"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nexus_queue_depth",
			Help: "Current number of jobs by status",
		},
		[]string{"status"},
	)

	GPUUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nexus_gpu_memory_used_mib",
			Help: "Current GPU memory used, in MiB",
		},
		[]string{"gpu_index"},
	)

	GPUBlacklisted = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nexus_gpu_blacklisted",
			Help: "1 if the GPU index is currently blacklisted, else 0",
		},
		[]string{"gpu_index"},
	)

	SchedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexus_scheduler_tick_duration_seconds",
			Help:    "Time taken to run one scheduler tick's four tasks",
			Buckets: prometheus.DefBuckets,
		},
	)

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_api_request_duration_seconds",
			Help:    "API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

// Handler returns the Prometheus metrics HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordJobSubmission records a job submission.
func RecordJobSubmission() {
	JobsSubmitted.Inc()
}

// RecordJobTerminal records a job reaching a terminal status, with
// its wall-clock duration if known.
func RecordJobTerminal(status string, durationSeconds float64) {
	JobsTerminal.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		JobDuration.WithLabelValues(status).Observe(durationSeconds)
	}
}

// SetQueueDepth updates the queue depth gauge for one status.
func SetQueueDepth(status string, count float64) {
	QueueDepth.WithLabelValues(status).Set(count)
}

// SetGPUMetrics updates the per-GPU utilization and blacklist gauges.
func SetGPUMetrics(index int, memoryUsedMiB float64, blacklisted bool) {
	label := strconv.Itoa(index)
	GPUUtilization.WithLabelValues(label).Set(memoryUsedMiB)
	b := 0.0
	if blacklisted {
		b = 1.0
	}
	GPUBlacklisted.WithLabelValues(label).Set(b)
}

// RecordAPIRequest records one completed API request.
func RecordAPIRequest(method, endpoint, statusCode string, durationSeconds float64) {
	APIRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
