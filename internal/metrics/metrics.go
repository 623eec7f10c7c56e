// Package metrics provides Prometheus metrics for the handshake agent.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shs"

// Metrics contains all Prometheus metrics for the agent.
type Metrics struct {
	// Handshake metrics
	HandshakeAttempts prometheus.Counter
	HandshakeSuccess  prometheus.Counter
	HandshakeErrors   *prometheus.CounterVec
	HandshakeLatency  prometheus.Histogram

	// Connection metrics
	ConnectionsActive prometheus.Gauge

	// Box Stream metrics
	FramesSent     prometheus.Counter
	FramesReceived prometheus.Counter
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter
	FrameErrors    *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered with the global
// Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HandshakeAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_attempts_total",
			Help:      "Total number of handshakes attempted, by either role",
		}),
		HandshakeSuccess: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_success_total",
			Help:      "Total number of handshakes that completed successfully",
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total number of handshake failures, by error kind",
		}, []string{"kind"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Time to complete a successful handshake",
			Buckets:   prometheus.DefBuckets,
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of connections currently past the handshake and streaming",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total Box Stream frames written",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total Box Stream frames read",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total plaintext bytes written through a Boxer",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total plaintext bytes read through an Unboxer",
		}),
		FrameErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Total Box Stream frame errors, by error kind",
		}, []string{"kind"}),
	}
}
