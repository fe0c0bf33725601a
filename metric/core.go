package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vf2"

// Metrics contains process-level metrics shared by all components
type Metrics struct {
	BuildInfo         *prometheus.GaugeVec
	HealthCheckStatus *prometheus.GaugeVec
	ErrorsTotal       *prometheus.CounterVec

	// NATS activity feed
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all process metrics
func NewMetrics() *Metrics {
	return &Metrics{
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Build information, value is always 1",
			},
			[]string{"version"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Component health (0=unhealthy, 1=degraded, 2=healthy)",
			},
			[]string{"component"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by component and class",
			},
			[]string{"component", "class"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

// RecordBuildInfo publishes the running version
func (c *Metrics) RecordBuildInfo(version string) {
	c.BuildInfo.WithLabelValues(version).Set(1)
}

// RecordHealthStatus updates the health gauge for a component.
// status is one of "healthy", "degraded" or "unhealthy".
func (c *Metrics) RecordHealthStatus(component, status string) {
	value := 0.0
	switch status {
	case "healthy":
		value = 2
	case "degraded":
		value = 1
	}
	c.HealthCheckStatus.WithLabelValues(component).Set(value)
}

// RecordError increments the error counter
func (c *Metrics) RecordError(component, class string) {
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}
