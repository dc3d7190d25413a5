package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	PacketsForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshvpn",
			Name:      "packets_total",
			Help:      "Total data-plane packets, labeled by direction.",
		},
		[]string{"direction"},
	)

	BytesForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshvpn",
			Name:      "bytes_total",
			Help:      "Total data-plane bytes, labeled by direction.",
		},
		[]string{"direction"},
	)

	PacketsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshvpn",
			Name:      "packets_dropped_total",
			Help:      "Packets dropped by the data plane (no route, send failure, TUN error).",
		},
	)

	NegotiationRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshvpn",
			Name:      "negotiation_retries_total",
			Help:      "Times the address negotiator yielded and reselected a candidate.",
		},
	)

	ActiveRoutes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meshvpn",
			Name:      "active_routes",
			Help:      "Current number of entries in the virtual routing table.",
		},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "meshvpn",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(PacketsForwarded, BytesForwarded, PacketsDropped, NegotiationRetries, ActiveRoutes, uptime)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
