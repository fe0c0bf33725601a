// Package health keeps a thread-safe table of component statuses and serves
// their aggregate on the /health endpoint.
//
// Components report through a Monitor:
//
//	monitor := health.NewMonitor("vfserver", registry.CoreMetrics())
//	monitor.UpdateHealthy("catalog", "root readable")
//	monitor.Update("activity", health.FromError("activity", err, "connected"))
//	mux.Handle("/health", monitor)
//
// Aggregation is worst-wins: unhealthy beats degraded beats healthy. A
// monitor with no components reports healthy.
package health
