// Package metrics exposes the proxy's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the host proxy.
type Metrics struct {
	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec
	SessionsEnded  *prometheus.CounterVec

	// Window state metrics
	WindowsTracked *prometheus.GaugeVec

	// Event pipeline metrics
	EventsApplied  *prometheus.CounterVec
	EventsRejected *prometheus.CounterVec
	DecodeErrors   *prometheus.CounterVec

	// Liveness
	LastHeartbeat *prometheus.GaugeVec
}

// New creates the metric set on the default registerer. Call it once
// per process.
func New() *Metrics {
	return &Metrics{
		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "seamless_sessions_active",
				Help: "Number of connected guest sessions",
			},
		),
		SessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seamless_sessions_total",
				Help: "Total sessions accepted, by VM identity",
			},
			[]string{"vm"},
		),
		SessionsEnded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seamless_sessions_ended_total",
				Help: "Total sessions ended, by VM identity and cause",
			},
			[]string{"vm", "cause"},
		),
		WindowsTracked: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "seamless_windows_tracked",
				Help: "Live windows per VM identity",
			},
			[]string{"vm"},
		),
		EventsApplied: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seamless_events_applied_total",
				Help: "Window events applied, by VM identity and kind",
			},
			[]string{"vm", "kind"},
		),
		EventsRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seamless_events_rejected_total",
				Help: "Window events rejected as no-ops, by VM identity and reason",
			},
			[]string{"vm", "reason"},
		),
		DecodeErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seamless_decode_errors_total",
				Help: "Fatal protocol decode errors, by VM identity",
			},
			[]string{"vm"},
		),
		LastHeartbeat: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "seamless_last_heartbeat_timestamp_seconds",
				Help: "Unix time of the last heartbeat per VM identity",
			},
			[]string{"vm"},
		),
	}
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
