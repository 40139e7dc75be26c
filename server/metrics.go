package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capfabric/capfabric/ackreg"
)

type metrics struct {
	clientsConnected   prometheus.Gauge
	connectsTotal      prometheus.Counter
	clientFullRejects  prometheus.Counter
	messagesHandled    prometheus.Counter
	deathNotifications prometheus.Counter
	broadcastFailures  prometheus.Counter
	ackPoolInUse       prometheus.GaugeFunc
}

func newMetrics(serviceName string, acks *ackreg.Registry) *metrics {
	labels := prometheus.Labels{"service": serviceName}
	return &metrics{
		clientsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "capfabric_server_clients_connected",
			Help:        "Number of currently connected clients.",
			ConstLabels: labels,
		}),
		connectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "capfabric_server_connects_total",
			Help:        "Total successful connect handshakes.",
			ConstLabels: labels,
		}),
		clientFullRejects: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "capfabric_server_client_full_rejects_total",
			Help:        "Total connect attempts rejected for a full client table.",
			ConstLabels: labels,
		}),
		messagesHandled: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "capfabric_server_messages_handled_total",
			Help:        "Total user messages dispatched to the handler.",
			ConstLabels: labels,
		}),
		deathNotifications: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "capfabric_server_death_notifications_total",
			Help:        "Total client deaths detected via liveness probing.",
			ConstLabels: labels,
		}),
		broadcastFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "capfabric_server_broadcast_failures_total",
			Help:        "Total per-client send failures encountered during Broadcast.",
			ConstLabels: labels,
		}),
		ackPoolInUse: promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "capfabric_server_ack_pool_in_use",
			Help:        "Number of waiters currently registered in the server's ack registry.",
			ConstLabels: labels,
		}, func() float64 { return float64(acks.Len()) }),
	}
}

// MetricsHandler returns an http.Handler exposing the default Prometheus
// registry, which holds this server's metrics, for callers who want to
// mount it on their own mux rather than run a dedicated metrics listener.
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Metrics returns this server's internal metrics, for callers (such as
// tests) that want to assert on counter/gauge values directly rather
// than scraping MetricsHandler.
func (s *Server) Metrics() *metrics {
	return s.metrics
}
