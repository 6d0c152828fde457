// Package telemetry exposes Prometheus metrics for surveillance cycles,
// alert emission, and FHIR client traffic.
package telemetry

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service registers. All collectors are
// registered against the Registry passed to New, so tests can use a private
// registry instead of the global one.
type Metrics struct {
	registry *prometheus.Registry

	CycleRecords  *prometheus.CounterVec
	CycleDuration *prometheus.HistogramVec
	AlertsCreated *prometheus.CounterVec
	ClusterEvents *prometheus.CounterVec
	FHIRRequests  *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		CycleRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surveillance_cycle_records_total",
				Help: "Records handled per surveillance cycle, by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "surveillance_cycle_duration_seconds",
				Help:    "Wall time of a full surveillance cycle",
				Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"type"},
		),
		AlertsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alerts_created_total",
				Help: "Alerts persisted, by surveillance type and severity",
			},
			[]string{"type", "severity"},
		),
		ClusterEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cluster_events_total",
				Help: "Outbreak cluster lifecycle events (formed, grew, promoted, resolved)",
			},
			[]string{"event"},
		),
		FHIRRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fhir_client_requests_total",
				Help: "Outbound FHIR requests, by resource type and result",
			},
			[]string{"resource", "result"},
		),
	}

	reg.MustRegister(
		m.CycleRecords,
		m.CycleDuration,
		m.AlertsCreated,
		m.ClusterEvents,
		m.FHIRRequests,
	)

	return m
}

// Handler returns an echo handler serving the text exposition format for
// this registry only.
func (m *Metrics) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return echo.WrapHandler(h)
}
