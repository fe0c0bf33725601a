package session

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tj-corona/vortexfinder2/metric"
)

// Metrics are shared by every session of a server. A nil *Metrics records nothing.
type Metrics struct {
	sessionsActive  prometheus.Gauge
	handlesOpen     prometheus.Gauge
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetrics registers session metrics. It returns nil when registry is nil
// or registration fails.
func NewMetrics(registry metric.MetricsRegistrar, logger *slog.Logger) *Metrics {
	if registry == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vf2",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of live sessions",
		}),
		handlesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vf2",
			Subsystem: "session",
			Name:      "handles_open",
			Help:      "Number of dataset handles held by sessions",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vf2",
			Subsystem: "session",
			Name:      "requests_total",
			Help:      "Requests handled by type and response type",
		}, []string{"request", "response"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vf2",
			Subsystem: "session",
			Name:      "request_duration_seconds",
			Help:      "Time spent handling a request",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}, []string{"request"}),
	}

	errs := []error{
		registry.RegisterGauge("session", "active", m.sessionsActive),
		registry.RegisterGauge("session", "handles_open", m.handlesOpen),
		registry.RegisterCounterVec("session", "requests_total", m.requestsTotal),
		registry.RegisterHistogramVec("session", "request_duration_seconds", m.requestDuration),
	}
	for _, err := range errs {
		if err != nil {
			logger.Warn("Session metrics disabled", "error", err)
			return nil
		}
	}
	return m
}

func (m *Metrics) sessionStarted() {
	if m != nil {
		m.sessionsActive.Inc()
	}
}

func (m *Metrics) sessionEnded() {
	if m != nil {
		m.sessionsActive.Dec()
	}
}

func (m *Metrics) handleOpened() {
	if m != nil {
		m.handlesOpen.Inc()
	}
}

func (m *Metrics) handleReleased() {
	if m != nil {
		m.handlesOpen.Dec()
	}
}

func (m *Metrics) recordRequest(request, response string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(request, response).Inc()
	m.requestDuration.WithLabelValues(request).Observe(elapsed.Seconds())
}
