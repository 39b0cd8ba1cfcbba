package jobs

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Processing outcomes used as the status label.
const (
	outcomeProcessed   = "processed"
	outcomeReleased    = "released"
	outcomeFailed      = "failed"
	outcomeRateLimited = "rate_limited"
)

var (
	jobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobqueue_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"backend", "queue", "handler"},
	)

	jobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobqueue_jobs_processed_total",
			Help: "Total number of jobs handled by workers, by outcome",
		},
		[]string{"queue", "handler", "status"},
	)

	jobsReleasedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobqueue_jobs_released_total",
			Help: "Total number of jobs released back to their queue for a retry",
		},
		[]string{"queue", "handler"},
	)

	jobsRateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobqueue_jobs_rate_limited_total",
			Help: "Total number of jobs postponed by a rate limit",
		},
		[]string{"queue", "handler"},
	)

	jobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobqueue_jobs_failed_total",
			Help: "Total number of jobs moved to the failed state",
		},
		[]string{"queue", "handler"},
	)

	jobsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobqueue_jobs_inflight",
			Help: "Current number of in-flight jobs being processed by workers",
		},
		[]string{"queue"},
	)
)

// Collectors returns the job metrics for registration with a registry. The
// same collectors are shared by every dispatcher and worker in the process.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		jobsEnqueuedTotal,
		jobsProcessedTotal,
		jobsReleasedTotal,
		jobsRateLimitedTotal,
		jobsFailedTotal,
		jobsInFlight,
	}
}

func recordJobEnqueued(backend, queue, handler string) {
	jobsEnqueuedTotal.WithLabelValues(
		normalizeMetricLabel(backend, "unknown"),
		normalizeMetricLabel(queue, "unknown"),
		normalizeMetricLabel(handler, "unknown"),
	).Inc()
}

func recordJobOutcome(rec *Record, outcome string) {
	queue := normalizeMetricLabel(rec.Queue, "unknown")
	handler := normalizeMetricLabel(rec.Handler, "unknown")

	jobsProcessedTotal.WithLabelValues(queue, handler, outcome).Inc()
	switch outcome {
	case outcomeReleased:
		jobsReleasedTotal.WithLabelValues(queue, handler).Inc()
	case outcomeRateLimited:
		jobsRateLimitedTotal.WithLabelValues(queue, handler).Inc()
	case outcomeFailed:
		jobsFailedTotal.WithLabelValues(queue, handler).Inc()
	}
}

func incrementJobInFlight(queue string) {
	jobsInFlight.WithLabelValues(normalizeMetricLabel(queue, "unknown")).Inc()
}

func decrementJobInFlight(queue string) {
	jobsInFlight.WithLabelValues(normalizeMetricLabel(queue, "unknown")).Dec()
}

func normalizeMetricLabel(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
