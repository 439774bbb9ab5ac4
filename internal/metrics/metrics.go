// Package metrics provides Prometheus metrics for the synapse relay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "synapse_relay"
)

// Datagram kinds used as label values.
const (
	KindPing    = "ping"
	KindPayload = "payload"
	KindEmpty   = "empty"
)

// Forward results used as label values.
const (
	ForwardOK          = "ok"
	ForwardBadStatus   = "bad_status"
	ForwardError       = "error"
	ForwardTimeout     = "timeout"
	ForwardRateLimited = "rate_limited"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Supervisor metrics
	SupervisorState  *prometheus.GaugeVec
	SessionsStarted  prometheus.Counter
	SessionFailures  *prometheus.CounterVec
	BindFailures     prometheus.Counter
	SessionDuration  prometheus.Histogram
	ControlPlaneWait prometheus.Histogram

	// Stream consumer metrics
	EnvelopesReceived prometheus.Counter
	EnvelopesInvalid  prometheus.Counter
	PeersKnown        prometheus.Gauge
	ProbesSent        prometheus.Counter

	// UDP metrics
	DatagramsSent     *prometheus.CounterVec
	DatagramsReceived *prometheus.CounterVec
	BytesSent         prometheus.Counter
	BytesReceived     prometheus.Counter
	SendErrors        prometheus.Counter

	// Forwarder metrics
	Forwards       *prometheus.CounterVec
	ForwardLatency prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance registered with the
// default Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SupervisorState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "supervisor_state",
			Help:      "Current supervisor state (1 for the active state, 0 otherwise)",
		}, []string{"state"}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total relay sessions started",
		}),
		SessionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_failures_total",
			Help:      "Total relay session failures by cause",
		}, []string{"cause"}),
		BindFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bind_failures_total",
			Help:      "Total failed UDP bind attempts",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Histogram of relay session lifetimes",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
		}),
		ControlPlaneWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "control_plane_wait_seconds",
			Help:      "Histogram of time spent waiting for the control plane to become ready",
			Buckets:   []float64{.01, .1, 1, 5, 10, 30, 60, 300},
		}),

		EnvelopesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_received_total",
			Help:      "Total envelopes read from the control plane stream",
		}),
		EnvelopesInvalid: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_invalid_total",
			Help:      "Total stream events dropped because they did not decode",
		}),
		PeersKnown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_known",
			Help:      "Number of peers probed in the current session",
		}),
		ProbesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_sent_total",
			Help:      "Total hole-punch probes sent",
		}),

		DatagramsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total datagrams sent to peers by kind",
		}, []string{"kind"}),
		DatagramsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams received from peers by kind",
		}, []string{"kind"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent to peers",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received from peers",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total datagrams that failed to send",
		}),

		Forwards: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwards_total",
			Help:      "Total datagrams relayed to the control plane by result",
		}, []string{"result"}),
		ForwardLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_latency_seconds",
			Help:      "Histogram of control plane forward call latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	}
}

// SetState marks state as the active supervisor state.
func (m *Metrics) SetState(state string, all []string) {
	for _, s := range all {
		if s == state {
			m.SupervisorState.WithLabelValues(s).Set(1)
		} else {
			m.SupervisorState.WithLabelValues(s).Set(0)
		}
	}
}

// RecordSessionStart records a new session.
func (m *Metrics) RecordSessionStart() {
	m.SessionsStarted.Inc()
	m.PeersKnown.Set(0)
}

// RecordSessionEnd records a session teardown.
func (m *Metrics) RecordSessionEnd(cause string, lifetimeSeconds float64) {
	m.SessionFailures.WithLabelValues(cause).Inc()
	m.SessionDuration.Observe(lifetimeSeconds)
}

// RecordBindFailure records a failed bind attempt.
func (m *Metrics) RecordBindFailure() {
	m.BindFailures.Inc()
}

// RecordControlPlaneWait records how long the supervisor waited for readiness.
func (m *Metrics) RecordControlPlaneWait(seconds float64) {
	m.ControlPlaneWait.Observe(seconds)
}

// RecordEnvelope records a decoded envelope.
func (m *Metrics) RecordEnvelope() {
	m.EnvelopesReceived.Inc()
}

// RecordInvalidEnvelope records a stream event that failed to decode.
func (m *Metrics) RecordInvalidEnvelope() {
	m.EnvelopesInvalid.Inc()
}

// RecordProbe records a probe sent to a new peer.
func (m *Metrics) RecordProbe(peersKnown int) {
	m.ProbesSent.Inc()
	m.PeersKnown.Set(float64(peersKnown))
}

// RecordSent records a datagram sent to a peer.
func (m *Metrics) RecordSent(kind string, bytes int) {
	m.DatagramsSent.WithLabelValues(kind).Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordSendError records a datagram that failed to send.
func (m *Metrics) RecordSendError() {
	m.SendErrors.Inc()
}

// RecordReceived records a datagram received from a peer.
func (m *Metrics) RecordReceived(kind string, bytes int) {
	m.DatagramsReceived.WithLabelValues(kind).Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordForward records the outcome of a forward call.
func (m *Metrics) RecordForward(result string, latencySeconds float64) {
	m.Forwards.WithLabelValues(result).Inc()
	if result != ForwardRateLimited {
		m.ForwardLatency.Observe(latencySeconds)
	}
}
