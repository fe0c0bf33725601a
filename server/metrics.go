package server

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tj-corona/vortexfinder2/metric"
)

// serverMetrics is nil without a registry; methods are nil-safe
type serverMetrics struct {
	clientsConnected   prometheus.Gauge
	connectionTotal    prometheus.Counter
	disconnectionTotal *prometheus.CounterVec
	bytesSent          prometheus.Counter
	messageSizeBytes   *prometheus.HistogramVec
	errorsTotal        *prometheus.CounterVec
}

func newServerMetrics(registry metric.MetricsRegistrar, logger *slog.Logger) *serverMetrics {
	if registry == nil {
		return nil
	}

	m := &serverMetrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vf2",
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Number of currently connected clients",
		}),
		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vf2",
			Subsystem: "websocket",
			Name:      "client_connections_total",
			Help:      "Total client connections (including disconnected)",
		}),
		disconnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vf2",
			Subsystem: "websocket",
			Name:      "client_disconnections_total",
			Help:      "Total client disconnections",
		}, []string{"disconnect_reason"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vf2",
			Subsystem: "websocket",
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent to WebSocket clients",
		}),
		messageSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vf2",
			Subsystem: "websocket",
			Name:      "message_size_bytes",
			Help:      "Size distribution of outgoing messages",
			Buckets:   prometheus.ExponentialBuckets(128, 4, 8),
		}, []string{"type"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vf2",
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "WebSocket server errors",
		}, []string{"error_type"}),
	}

	errs := []error{
		registry.RegisterGauge("websocket", "clients_connected", m.clientsConnected),
		registry.RegisterCounter("websocket", "client_connections_total", m.connectionTotal),
		registry.RegisterCounterVec("websocket", "client_disconnections_total", m.disconnectionTotal),
		registry.RegisterCounter("websocket", "bytes_sent_total", m.bytesSent),
		registry.RegisterHistogramVec("websocket", "message_size_bytes", m.messageSizeBytes),
		registry.RegisterCounterVec("websocket", "errors_total", m.errorsTotal),
	}
	for _, err := range errs {
		if err != nil {
			logger.Warn("WebSocket metrics disabled", "error", err)
			return nil
		}
	}
	return m
}

func (m *serverMetrics) clientConnected(count int) {
	if m == nil {
		return
	}
	m.connectionTotal.Inc()
	m.clientsConnected.Set(float64(count))
}

func (m *serverMetrics) clientDisconnected(reason string, count int) {
	if m == nil {
		return
	}
	m.disconnectionTotal.WithLabelValues(reason).Inc()
	m.clientsConnected.Set(float64(count))
}

func (m *serverMetrics) messageSent(msgType string, size int) {
	if m == nil {
		return
	}
	m.bytesSent.Add(float64(size))
	m.messageSizeBytes.WithLabelValues(msgType).Observe(float64(size))
}

func (m *serverMetrics) recordError(errorType string) {
	if m != nil {
		m.errorsTotal.WithLabelValues(errorType).Inc()
	}
}
