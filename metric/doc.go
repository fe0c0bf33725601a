// Package metric provides the Prometheus registry and HTTP endpoint used by
// the vortex line server.
//
// Process-level metrics (build info, component health, error counts and the
// NATS activity feed connection) live in Metrics and are registered when the
// registry is created. Components register their own collectors through the
// MetricsRegistrar interface and keep a nil-safe metrics struct so that
// running without a registry costs nothing:
//
//	registry := metric.NewMetricsRegistry()
//	srv := metric.NewServer(9090, "/metrics", registry)
//	if err := srv.Listen(); err != nil {
//	    return err
//	}
//	go srv.Serve()
//
// Registration is keyed by component and metric name. Registering the same
// key twice, or a collector whose Prometheus name is already taken, returns an
// invalid-class error from the errors package.
package metric
