package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zoquete",
			Subsystem: "conn",
			Name:      "frames_total",
			Help:      "Frames written or read, by direction and message kind.",
		},
		[]string{"direction", "kind"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zoquete",
			Subsystem: "conn",
			Name:      "decode_errors_total",
			Help:      "Malformed frames, by decode mode.",
		},
		[]string{"mode"},
	)
	connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zoquete",
			Subsystem: "conn",
			Name:      "open",
			Help:      "Open connections, by role.",
		},
		[]string{"role"},
	)
	connectionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zoquete",
			Subsystem: "conn",
			Name:      "closed_total",
			Help:      "Connections that reached a terminal state, by state.",
		},
		[]string{"state"},
	)
	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "zoquete",
			Subsystem: "requests",
			Name:      "pending",
			Help:      "Requests awaiting a reply across all connections.",
		},
	)
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zoquete",
			Subsystem: "requests",
			Name:      "settled_total",
			Help:      "Settled outbound requests, by outcome.",
		},
		[]string{"outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zoquete",
			Subsystem: "requests",
			Name:      "duration_seconds",
			Help:      "Time from send to settlement.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	handlerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zoquete",
			Subsystem: "handlers",
			Name:      "calls_total",
			Help:      "Inbound requests handled, by event and reply kind.",
		},
		[]string{"event", "kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesTotal,
			decodeErrors,
			connections,
			connectionsClosed,
			pendingRequests,
			requestsTotal,
			requestDuration,
			handlerCalls,
		)
	})
}

func RecordFrame(direction, kind string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(direction, kind).Inc()
}

func RecordDecodeError(mode string) {
	RegisterMetrics()
	decodeErrors.WithLabelValues(mode).Inc()
}

func RecordConnOpened(role string) {
	RegisterMetrics()
	connections.WithLabelValues(role).Inc()
}

func RecordConnClosed(role, state string) {
	RegisterMetrics()
	connections.WithLabelValues(role).Dec()
	connectionsClosed.WithLabelValues(state).Inc()
}

func RecordRequestSent() {
	RegisterMetrics()
	pendingRequests.Inc()
}

func RecordRequestSettled(outcome string, elapsed time.Duration) {
	RegisterMetrics()
	pendingRequests.Dec()
	requestsTotal.WithLabelValues(outcome).Inc()
	requestDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func RecordHandlerCall(event, kind string) {
	RegisterMetrics()
	handlerCalls.WithLabelValues(event, kind).Inc()
}
