package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/exchange-stream/internal/connection"
	"github.com/rickgao/exchange-stream/internal/integrity"
	"github.com/rickgao/exchange-stream/internal/router"
)

const namespace = "stream"

// Metrics holds the Prometheus collectors for one stream client. It
// implements connection.Observer and integrity.DiagnosticSink.
type Metrics struct {
	registry *prometheus.Registry

	connectionState     *prometheus.GaugeVec
	stateTransitions    *prometheus.CounterVec
	reconnectsScheduled prometheus.Counter
	reconnectDelay      prometheus.Histogram
	heartbeatsMissed    prometheus.Counter
	outboundDepth       prometheus.Gauge
	outboundDropped     *prometheus.CounterVec
	framesReceived      *prometheus.CounterVec
	framesSent          *prometheus.CounterVec
	diagnostics         *prometheus.CounterVec
	diagnosticGap       *prometheus.CounterVec
	protocolErrors      *prometheus.CounterVec
}

// New creates the collectors and registers them on a private registry
// together with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),

		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Connection state transitions by target state",
		}, []string{"to"}),

		reconnectsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Total number of reconnect attempts scheduled",
		}),

		reconnectDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Backoff delay before each reconnect attempt",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 30, 60},
		}),

		heartbeatsMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_missed_total",
			Help:      "Total number of pings that timed out without a pong",
		}),

		outboundDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_queue_depth",
			Help:      "Messages waiting for a connection",
		}),

		outboundDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_dropped_total",
			Help:      "Outbound messages dropped by reason",
		}, []string{"reason"}),

		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by type",
		}, []string{"type"}),

		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound frames by type",
		}, []string{"type"}),

		diagnostics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_events_total",
			Help:      "Integrity queue diagnostics by category and kind",
		}, []string{"category", "kind"}),

		diagnosticGap: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_affected_total",
			Help:      "Envelopes purged on overflow or sequences skipped by forced release",
		}, []string{"category", "kind"}),

		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Inbound frames dropped as unroutable",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connectionState,
		m.stateTransitions,
		m.reconnectsScheduled,
		m.reconnectDelay,
		m.heartbeatsMissed,
		m.outboundDepth,
		m.outboundDropped,
		m.framesReceived,
		m.framesSent,
		m.diagnostics,
		m.diagnosticGap,
		m.protocolErrors,
	)

	m.setState(connection.StateDisconnected)
	return m
}

// Registry exposes the registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StateChanged implements connection.Observer.
func (m *Metrics) StateChanged(from, to connection.State) {
	m.setState(to)
	m.stateTransitions.WithLabelValues(to.String()).Inc()
}

// ReconnectScheduled implements connection.Observer.
func (m *Metrics) ReconnectScheduled(attempt int, delay time.Duration) {
	m.reconnectsScheduled.Inc()
	m.reconnectDelay.Observe(delay.Seconds())
}

// HeartbeatMissed implements connection.Observer.
func (m *Metrics) HeartbeatMissed(consecutive int) {
	m.heartbeatsMissed.Inc()
}

// OutboundQueued implements connection.Observer.
func (m *Metrics) OutboundQueued(depth int) {
	m.outboundDepth.Set(float64(depth))
}

// OutboundDropped implements connection.Observer.
func (m *Metrics) OutboundDropped(reason error) {
	label := "send_failed"
	if errors.Is(reason, connection.ErrOutboundOverflow) {
		label = "overflow"
	}
	m.outboundDropped.WithLabelValues(label).Inc()
}

// FrameReceived implements connection.Observer.
func (m *Metrics) FrameReceived(kind string) {
	m.framesReceived.WithLabelValues(kind).Inc()
}

// FrameSent implements connection.Observer.
func (m *Metrics) FrameSent(kind string) {
	m.framesSent.WithLabelValues(kind).Inc()
}

// Record implements integrity.DiagnosticSink.
func (m *Metrics) Record(d integrity.Diagnostic) {
	m.diagnostics.WithLabelValues(d.Category, string(d.Kind)).Inc()
	if d.Count > 0 {
		m.diagnosticGap.WithLabelValues(d.Category, string(d.Kind)).Add(float64(d.Count))
	}
}

// ProtocolError counts an unroutable inbound frame. It matches
// router.WithProtocolErrorHook.
func (m *Metrics) ProtocolError(pe *router.ProtocolError) {
	reason := "malformed"
	if errors.Is(pe, router.ErrMissingCategory) {
		reason = "missing_category"
	}
	m.protocolErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) setState(current connection.State) {
	for _, s := range []connection.State{
		connection.StateDisconnected,
		connection.StateConnecting,
		connection.StateConnected,
		connection.StateReconnecting,
		connection.StateErrored,
	} {
		v := 0.0
		if s == current {
			v = 1
		}
		m.connectionState.WithLabelValues(s.String()).Set(v)
	}
}
