// Package metrics holds the Prometheus collectors exported by the gateway.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "action_gateway"

	KindText   = "text"
	KindBinary = "binary"
)

// Metrics groups the gateway collectors.
type Metrics struct {
	clientsConnected    prometheus.Gauge
	connectionsTotal    prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	messagesReceived    *prometheus.CounterVec
	decodeErrors        *prometheus.CounterVec
	dispatched          prometheus.Counter
	repliesSent         prometheus.Counter
	deliveryFailures    prometheus.Counter
	queueDepth          prometheus.Gauge
	forwarded           *prometheus.CounterVec
	forwardFailures     *prometheus.CounterVec
	forwardLatency      *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "clients_connected",
			Help:      "Clients currently bound to an identity.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections_total",
			Help:      "Accepted client connections.",
		}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections_rejected_total",
			Help:      "Rejected client connections by reason.",
		}, []string{"reason"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "messages_received_total",
			Help:      "Inbound client messages by kind.",
		}, []string{"kind"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "decode_errors_total",
			Help:      "Inbound messages rejected by the decoder, by error context.",
		}, []string{"context"}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Requests submitted to the dispatch channel.",
		}),
		repliesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "replies_total",
			Help:      "Replies delivered through the registry.",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "delivery_failures_total",
			Help:      "Replies that could not be delivered; the client was removed.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Requests waiting in the dispatch channel.",
		}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "forwarded_total",
			Help:      "Requests forwarded to the bus, by route mode.",
		}, []string{"mode"}),
		forwardFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "forward_failures_total",
			Help:      "Requests that could not be forwarded or answered, by route mode.",
		}, []string{"mode"}),
		forwardLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "forward_duration_seconds",
			Help:      "Time from dequeue until the bus accepted or answered the request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.clientsConnected,
			m.connectionsTotal,
			m.connectionsRejected,
			m.messagesReceived,
			m.decodeErrors,
			m.dispatched,
			m.repliesSent,
			m.deliveryFailures,
			m.queueDepth,
			m.forwarded,
			m.forwardFailures,
			m.forwardLatency,
		)
	}
	return m
}

func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.clientsConnected.Set(float64(n))
}

func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
}

func (m *Metrics) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) MessageReceived(kind string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) DecodeError(context string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(context).Inc()
}

func (m *Metrics) Dispatched() {
	if m == nil {
		return
	}
	m.dispatched.Inc()
}

func (m *Metrics) ReplySent() {
	if m == nil {
		return
	}
	m.repliesSent.Inc()
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// Forwarded records a request handed to the bus and how long it took.
func (m *Metrics) Forwarded(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.forwarded.WithLabelValues(mode).Inc()
	m.forwardLatency.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) ForwardFailed(mode string) {
	if m == nil {
		return
	}
	m.forwardFailures.WithLabelValues(mode).Inc()
}
