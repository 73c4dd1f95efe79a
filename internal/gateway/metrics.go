// ABOUTME: Prometheus instrumentation for the hub
// ABOUTME: Each Gateway owns its registry so tests can run many gateways in one process

package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry *prometheus.Registry

	proxyRequests  *prometheus.CounterVec
	proxyDuration  prometheus.Histogram
	callbacks      *prometheus.CounterVec
	broadcasts     prometheus.Counter
	broadcastSends prometheus.Counter
}

func newMetrics(connected, pending func() float64) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "burrow",
			Name:      "proxy_requests_total",
			Help:      "Proxy requests by outcome.",
		}, []string{"outcome"}),
		proxyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "burrow",
			Name:      "proxy_duration_seconds",
			Help:      "Time from proxy request to answer or failure.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "burrow",
			Name:      "callbacks_total",
			Help:      "Agent answer callbacks by outcome.",
		}, []string{"outcome"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "burrow",
			Name:      "broadcasts_total",
			Help:      "Chat messages relayed to peers.",
		}),
		broadcastSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "burrow",
			Name:      "broadcast_deliveries_total",
			Help:      "Individual recipient deliveries of relayed chat messages.",
		}),
	}

	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "burrow",
			Name:      "connected_agents",
			Help:      "Connections currently registered.",
		}, connected),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "burrow",
			Name:      "pending_requests",
			Help:      "Requests awaiting an agent answer.",
		}, pending),
		m.proxyRequests,
		m.proxyDuration,
		m.callbacks,
		m.broadcasts,
		m.broadcastSends,
		prometheus.NewGoCollector(),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
