// Package metrics exposes Prometheus counters for the sleep service.
// Labels never carry user or session ids.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LifecycleTotal counts lifecycle operations by operation and outcome kind ("ok" on success).
	LifecycleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sleepbot_lifecycle_operations_total",
		Help: "Total number of session lifecycle operations, by operation and outcome.",
	}, []string{"op", "outcome"})

	// ConfirmationsTotal counts phase-one decisions by field and decision.
	ConfirmationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sleepbot_update_intents_total",
		Help: "Total number of resolved update intents, by field and decision.",
	}, []string{"field", "decision"})

	StaleWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sleepbot_stale_session_writes_total",
		Help: "Total number of writes applied to sessions older than the edit window.",
	})

	StorageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sleepbot_storage_call_duration_seconds",
		Help:    "Latency of session store calls, by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sleepbot_http_requests_total",
		Help: "Total number of HTTP requests, by route and status code.",
	}, []string{"route", "status"})
)

// RecordLifecycle counts one operation. outcome is "ok" or an error kind.
func RecordLifecycle(op, outcome string) {
	LifecycleTotal.WithLabelValues(op, outcome).Inc()
}

func RecordIntent(field, decision string) {
	ConfirmationsTotal.WithLabelValues(field, decision).Inc()
}

func RecordStaleWrite() {
	StaleWritesTotal.Inc()
}

// ObserveStorage records the time since start for a store call.
func ObserveStorage(op string, start time.Time) {
	StorageDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func RecordHTTP(route, status string) {
	HTTPRequestsTotal.WithLabelValues(route, status).Inc()
}
