package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the relay's Prometheus collectors. Each Server owns its own
// registry so several servers can run in one process.
type Metrics struct {
	registry *prometheus.Registry

	connections      prometheus.Gauge
	joins            prometheus.Counter
	envelopes        *prometheus.CounterVec
	envelopeBytes    prometheus.Counter
	deliveries       prometheus.Counter
	historyReplayed  prometheus.Counter
	directorySent    prometheus.Counter
	rejected         *prometheus.CounterVec
	authFailures     prometheus.Counter
	connsRefused     prometheus.Counter
	slowConsumerKick prometheus.Counter
}

// NewMetrics creates and registers the relay collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sealroom_connections",
			Help: "Number of authenticated websocket connections",
		}),
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sealroom_joins_total",
			Help: "Number of room joins",
		}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sealroom_envelopes_total",
			Help: "Number of envelopes accepted for relay",
		}, []string{"kind"}),
		envelopeBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sealroom_envelope_bytes_total",
			Help: "Encoded size of accepted envelopes",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sealroom_live_deliveries_total",
			Help: "Number of envelopes delivered to live connections",
		}),
		historyReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sealroom_history_replayed_total",
			Help: "Number of envelopes sent in history replays",
		}),
		directorySent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sealroom_directory_snapshots_total",
			Help: "Number of directory snapshots sent",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sealroom_rejected_events_total",
			Help: "Number of events answered with an error",
		}, []string{"code"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sealroom_auth_failures_total",
			Help: "Number of refused bearer credentials",
		}),
		connsRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sealroom_connections_refused_total",
			Help: "Number of connections refused by the connection limiter",
		}),
		slowConsumerKick: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sealroom_slow_consumers_total",
			Help: "Number of connections closed because their send queue was full",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.joins,
		m.envelopes,
		m.envelopeBytes,
		m.deliveries,
		m.historyReplayed,
		m.directorySent,
		m.rejected,
		m.authFailures,
		m.connsRefused,
		m.slowConsumerKick,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
