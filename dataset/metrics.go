package dataset

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tj-corona/vortexfinder2/metric"
)

// engineMetrics is nil when no registry is configured; every method is nil-safe.
type engineMetrics struct {
	storesOpen    prometheus.Gauge
	opensTotal    *prometheus.CounterVec
	frameLoads    *prometheus.CounterVec
	frameDuration *prometheus.HistogramVec
}

func newEngineMetrics(registry metric.MetricsRegistrar, logger *slog.Logger) *engineMetrics {
	if registry == nil {
		return nil
	}

	m := &engineMetrics{
		storesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vf2",
			Subsystem: "dataset",
			Name:      "stores_open",
			Help:      "Number of dataset stores currently open",
		}),
		opensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vf2",
			Subsystem: "dataset",
			Name:      "opens_total",
			Help:      "Dataset open attempts by result",
		}, []string{"result"}),
		frameLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vf2",
			Subsystem: "dataset",
			Name:      "frame_loads_total",
			Help:      "Frame loads by source (cache or store)",
		}, []string{"source"}),
		frameDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vf2",
			Subsystem: "dataset",
			Name:      "frame_load_duration_seconds",
			Help:      "Time to read and decompress a frame from the store",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1.0},
		}, []string{"dataset"}),
	}

	errs := []error{
		registry.RegisterGauge("dataset", "stores_open", m.storesOpen),
		registry.RegisterCounterVec("dataset", "opens_total", m.opensTotal),
		registry.RegisterCounterVec("dataset", "frame_loads_total", m.frameLoads),
		registry.RegisterHistogramVec("dataset", "frame_load_duration_seconds", m.frameDuration),
	}
	for _, err := range errs {
		if err != nil {
			logger.Warn("Dataset metrics disabled", "error", err)
			return nil
		}
	}
	return m
}

func (m *engineMetrics) storeOpened() {
	if m != nil {
		m.storesOpen.Inc()
	}
}

func (m *engineMetrics) storeClosed() {
	if m != nil {
		m.storesOpen.Dec()
	}
}

func (m *engineMetrics) recordOpen(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.opensTotal.WithLabelValues(result).Inc()
}

func (m *engineMetrics) recordCacheHit() {
	if m != nil {
		m.frameLoads.WithLabelValues("cache").Inc()
	}
}

func (m *engineMetrics) recordStoreLoad(dataset string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.frameLoads.WithLabelValues("store").Inc()
	m.frameDuration.WithLabelValues(dataset).Observe(elapsed.Seconds())
}
