// Package metrics provides Prometheus metrics for emproxy.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "emproxy"
)

// Metrics contains all Prometheus metrics for a relay process.
type Metrics struct {
	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsEnded   *prometheus.CounterVec
	TunnelReady     prometheus.Gauge

	// Relay metrics
	DatagramsReceived prometheus.Counter
	DatagramsSent     prometheus.Counter
	BytesReceived     prometheus.Counter
	BytesSent         prometheus.Counter
	Outcomes          *prometheus.CounterVec
	Rejections        *prometheus.CounterVec

	// Socket metrics
	BindRetries prometheus.Counter
	Rebinds     prometheus.Counter

	// Probe metrics
	ProbeRuns    *prometheus.CounterVec
	ProbeLatency prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance registered with the
// default Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live tunnel sessions (0 or 1)",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of tunnel sessions started",
		}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of tunnel sessions ended by reason",
		}, []string{"reason"}),
		TunnelReady: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnel_ready",
			Help:      "1 once the current session has processed its first quiescent result",
		}),

		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Datagrams received on the tunnel socket",
		}),
		DatagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Datagrams sent on the tunnel socket",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes received on the tunnel socket",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes sent on the tunnel socket",
		}),
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_outcomes_total",
			Help:      "Tunnel results handled by the relay loop, by outcome",
		}, []string{"outcome"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_rejections_total",
			Help:      "Datagrams dropped by the tunnel, by reason",
		}, []string{"reason"}),

		BindRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_bind_retries_total",
			Help:      "Bind attempts that found the address in use",
		}),
		Rebinds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_rebinds_total",
			Help:      "Times an unusable socket was replaced",
		}),

		ProbeRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_runs_total",
			Help:      "Readiness probe runs by result",
		}, []string{"result"}),
		ProbeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_latency_seconds",
			Help:      "Time until the readiness probe received its marker",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}
}

// RecordSessionStart records a session being started.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
	m.SessionsStarted.Inc()
	m.TunnelReady.Set(0)
}

// RecordSessionEnd records a session ending. reason is "stopped" for an
// orderly stop or a short error class otherwise.
func (m *Metrics) RecordSessionEnd(reason string) {
	m.SessionsActive.Dec()
	m.SessionsEnded.WithLabelValues(reason).Inc()
	m.TunnelReady.Set(0)
}

// RecordReady marks the current session as ready.
func (m *Metrics) RecordReady() {
	m.TunnelReady.Set(1)
}

// RecordReceive records a datagram read from the socket.
func (m *Metrics) RecordReceive(bytes int) {
	m.DatagramsReceived.Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordSend records a datagram written to the socket.
func (m *Metrics) RecordSend(bytes int) {
	m.DatagramsSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordOutcome records one classified tunnel result.
func (m *Metrics) RecordOutcome(outcome string) {
	m.Outcomes.WithLabelValues(outcome).Inc()
}

// RecordRejection records a datagram the tunnel refused.
func (m *Metrics) RecordRejection(reason string) {
	m.Rejections.WithLabelValues(reason).Inc()
}

// RecordBindRetry records an address-in-use bind retry.
func (m *Metrics) RecordBindRetry() {
	m.BindRetries.Inc()
}

// RecordRebind records a socket replacement.
func (m *Metrics) RecordRebind() {
	m.Rebinds.Inc()
}

// RecordProbe records a readiness probe run.
func (m *Metrics) RecordProbe(ok bool, latencySeconds float64) {
	if !ok {
		m.ProbeRuns.WithLabelValues("failure").Inc()
		return
	}
	m.ProbeRuns.WithLabelValues("success").Inc()
	m.ProbeLatency.Observe(latencySeconds)
}
