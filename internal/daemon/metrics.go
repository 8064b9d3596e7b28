package daemon

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's Prometheus collectors. All collectors live
// on a private registry so tests can run many daemons in one process.
type Metrics struct {
	registry *prometheus.Registry

	Connections prometheus.Gauge
	Delivered   prometheus.Counter
	Nacks       *prometheus.CounterVec
	Spawns      prometheus.Counter
	Envelopes   *prometheus.CounterVec
}

// NewMetrics creates and registers the daemon collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Currently open client connections.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "DELIVER envelopes enqueued to recipients.",
		}),
		Nacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_nacks_total",
			Help: "Routing failures reported to senders.",
		}, []string{"code"}),
		Spawns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_spawns_total",
			Help: "Worker agents spawned.",
		}),
		Envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_envelopes_total",
			Help: "Envelopes dispatched by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.Connections, m.Delivered, m.Nacks, m.Spawns, m.Envelopes)
	return m
}

// RegisterQueueDepth registers a gauge sampling the total write-queue
// depth across connections.
func (m *Metrics) RegisterQueueDepth(f func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relay_queue_depth",
		Help: "Sum of per-connection write-queue depths.",
	}, f))
}

// Handler returns an HTTP handler exposing the collectors.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server builds an HTTP server exposing /metrics on addr. The caller owns
// its lifecycle.
func (m *Metrics) Server(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
