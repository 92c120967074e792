package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peerlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	intents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerlink",
			Subsystem: "intent",
			Name:      "results_total",
			Help:      "Intent results by operation and outcome.",
		},
		[]string{"node", "op", "result"},
	)
	intentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peerlink",
			Subsystem: "intent",
			Name:      "duration_seconds",
			Help:      "Intent duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "op"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerlink",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions by target state.",
		},
		[]string{"node", "state"},
	)
	groupEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerlink",
			Subsystem: "group",
			Name:      "events_total",
			Help:      "Group lifecycle and roster events.",
		},
		[]string{"node", "event"},
	)
	peerSets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerlink",
			Subsystem: "peerset",
			Name:      "submissions_total",
			Help:      "Peer-set submissions by aggregate outcome.",
		},
		[]string{"node", "aggregate"},
	)
	peerSetSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peerlink",
			Subsystem: "peerset",
			Name:      "targets",
			Help:      "Targets per peer-set submission.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			intents,
			intentDuration,
			sessionTransitions,
			groupEvents,
			peerSets,
			peerSetSize,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordIntent counts one intent result. result is "ok", "cached" or the
// failure kind.
func RecordIntent(node, op, result string, duration time.Duration) {
	RegisterMetrics()
	intents.WithLabelValues(node, op, result).Inc()
	intentDuration.WithLabelValues(node, op).Observe(duration.Seconds())
}

func RecordSessionTransition(node, state string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(node, state).Inc()
}

func RecordGroupEvent(node, event string) {
	RegisterMetrics()
	groupEvents.WithLabelValues(node, event).Inc()
}

func RecordPeerSet(node, aggregate string, targets int) {
	RegisterMetrics()
	peerSets.WithLabelValues(node, aggregate).Inc()
	peerSetSize.WithLabelValues(node).Observe(float64(targets))
}
