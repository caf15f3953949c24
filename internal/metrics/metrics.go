// Package metrics exposes prometheus instrumentation for the
// ingestion pipeline and the viewer fan-out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SamplesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sysmon_samples_ingested_total",
			Help: "Total number of accepted telemetry samples",
		},
		[]string{"source"},
	)

	SamplesRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sysmon_samples_rejected_total",
			Help: "Total number of samples rejected by validation",
		},
	)

	StoreErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sysmon_store_errors_total",
			Help: "Total number of failed sample writes",
		},
	)

	EventsBroadcast = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sysmon_events_broadcast_total",
			Help: "Total number of device_update events broadcast to viewers",
		},
	)

	ConnectedViewers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sysmon_connected_viewers",
			Help: "Number of currently connected WebSocket viewers",
		},
	)
)

// Register registers all collectors with the default registry. Call
// once at startup.
func Register() {
	prometheus.MustRegister(
		SamplesIngested,
		SamplesRejected,
		StoreErrors,
		EventsBroadcast,
		ConnectedViewers,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
