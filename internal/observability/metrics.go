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
			Namespace: "readerlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "readerlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "readerlink",
			Subsystem: "protocol",
			Name:      "messages_total",
			Help:      "Messages moved by nodes, by direction and action.",
		},
		[]string{"node", "direction", "action"},
	)
	nodeRequests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "readerlink",
			Subsystem: "node",
			Name:      "request_duration_seconds",
			Help:      "Correlated request/reply latency per node kind and outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "outcome"},
	)
	sessionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "readerlink",
			Subsystem: "registry",
			Name:      "sessions_open",
			Help:      "Sessions currently tracked as OPENING or OPEN.",
		},
	)
	sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "readerlink",
			Subsystem: "registry",
			Name:      "sessions_closed_total",
			Help:      "Closed sessions by reason.",
		},
		[]string{"reason"},
	)
	transmits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "readerlink",
			Subsystem: "reader",
			Name:      "transmits_total",
			Help:      "Batch transmissions by side and result kind.",
		},
		[]string{"side", "kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			messages,
			nodeRequests,
			sessionsOpen,
			sessionsClosed,
			transmits,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordMessage counts one message; direction is "in" or "out".
func RecordMessage(node, direction, action string) {
	RegisterMetrics()
	messages.WithLabelValues(node, direction, action).Inc()
}

func RecordNodeRequest(kind, outcome string, duration time.Duration) {
	RegisterMetrics()
	nodeRequests.WithLabelValues(kind, outcome).Observe(duration.Seconds())
}

func SessionOpened() {
	RegisterMetrics()
	sessionsOpen.Inc()
}

func SessionClosed(reason string) {
	RegisterMetrics()
	sessionsOpen.Dec()
	sessionsClosed.WithLabelValues(reason).Inc()
}

// RecordTransmit counts one batch result; side is "client" or "server".
func RecordTransmit(side, kind string) {
	RegisterMetrics()
	transmits.WithLabelValues(side, kind).Inc()
}
