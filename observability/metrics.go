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
			Namespace: "sioserver",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sioserver",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds. Long-poll waits are included.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sioserver",
			Subsystem: "session",
			Name:      "handshakes_total",
			Help:      "Handshake attempts by result.",
		},
		[]string{"result"},
	)
	activeTransports = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sioserver",
			Subsystem: "session",
			Name:      "active_transports",
			Help:      "Transports currently attached to a session.",
		},
		[]string{"transport"},
	)
	packets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sioserver",
			Subsystem: "protocol",
			Name:      "packets_total",
			Help:      "Packets handled, by direction (in|out) and type.",
		},
		[]string{"direction", "type"},
	)
	disconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sioserver",
			Subsystem: "session",
			Name:      "disconnects_total",
			Help:      "Session terminations by reason.",
		},
		[]string{"reason"},
	)
	storeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sioserver",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Session store failures by operation.",
		},
		[]string{"op"},
	)
)

// RegisterMetrics registers every collector with the default registry. Safe
// to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, handshakes, activeTransports, packets, disconnects, storeErrors)
	})
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}

func RecordHandshake(result string) {
	RegisterMetrics()
	handshakes.WithLabelValues(result).Inc()
}

func TransportOpened(name string) {
	RegisterMetrics()
	activeTransports.WithLabelValues(name).Inc()
}

func TransportClosed(name string) {
	RegisterMetrics()
	activeTransports.WithLabelValues(name).Dec()
}

func RecordPacket(direction, packetType string) {
	RegisterMetrics()
	packets.WithLabelValues(direction, packetType).Inc()
}

func RecordDisconnect(reason string) {
	RegisterMetrics()
	disconnects.WithLabelValues(reason).Inc()
}

func RecordStoreError(op string) {
	RegisterMetrics()
	storeErrors.WithLabelValues(op).Inc()
}
