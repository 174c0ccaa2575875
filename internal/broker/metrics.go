package broker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the broker's operational counters and gauges on a
// private registry so embedding programs keep their own default
// registry untouched.
type Metrics struct {
	registry *prometheus.Registry

	RunnersConnected prometheus.Gauge
	ClientsConnected prometheus.Gauge
	ConnectionsTotal *prometheus.CounterVec
	CommandsTotal    *prometheus.CounterVec
	EventsTotal      *prometheus.CounterVec
	BatchesFlushed   prometheus.Counter
	QueueDepth       prometheus.Gauge
	QueueFailures    *prometheus.CounterVec
	ProxyRequests    *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
}

// NewMetrics inits and registers the broker's prometheus collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RunnersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runwire",
			Name:      "runners_connected",
			Help:      "Number of currently connected runners.",
		}),
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runwire",
			Name:      "clients_connected",
			Help:      "Number of currently connected browser subscribers.",
		}),
		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "runwire",
				Name:      "connections_total",
				Help:      "Accepted WebSocket connections.",
			},
			[]string{"kind"},
		),
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "runwire",
				Name:      "commands_total",
				Help:      "Commands written to runner sockets.",
			},
			[]string{"type"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "runwire",
				Name:      "events_total",
				Help:      "Events received from runner sockets.",
			},
			[]string{"type"},
		),
		BatchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runwire",
			Name:      "batches_flushed_total",
			Help:      "Subscriber batches flushed to browsers.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runwire",
			Name:      "queue_depth",
			Help:      "Commands waiting in per-runner queues.",
		}),
		QueueFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "runwire",
				Name:      "queue_failures_total",
				Help:      "Queued commands that failed before delivery.",
			},
			[]string{"reason"},
		),
		ProxyRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "runwire",
				Name:      "proxy_requests_total",
				Help:      "Tunneled HTTP proxy requests by outcome.",
			},
			[]string{"outcome"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "runwire",
				Name:      "errors_total",
				Help:      "Protocol and socket errors by kind.",
			},
			[]string{"kind"},
		),
	}

	m.registry.MustRegister(
		m.RunnersConnected,
		m.ClientsConnected,
		m.ConnectionsTotal,
		m.CommandsTotal,
		m.EventsTotal,
		m.BatchesFlushed,
		m.QueueDepth,
		m.QueueFailures,
		m.ProxyRequests,
		m.ErrorsTotal,
	)

	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
