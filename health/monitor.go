package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Observer is notified whenever a component status changes.
// *metric.Metrics satisfies it through RecordHealthStatus.
type Observer interface {
	RecordHealthStatus(component, status string)
}

// Monitor tracks health of multiple components in a thread-safe manner
type Monitor struct {
	name     string
	mu       sync.RWMutex
	statuses map[string]Status
	observer Observer
}

// NewMonitor creates a new health monitor for the named system.
// observer may be nil.
func NewMonitor(name string, observer Observer) *Monitor {
	return &Monitor{
		name:     name,
		statuses: make(map[string]Status),
		observer: observer,
	}
}

// Update updates the health status for a named component
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()

	if m.observer != nil {
		m.observer.RecordHealthStatus(name, status.Status)
	}
}

// UpdateHealthy marks a component healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy marks a component unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded marks a component degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get retrieves the health status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// Remove removes a component from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, name)
}

// AggregateHealth returns the aggregated health of every tracked component
func (m *Monitor) AggregateHealth() Status {
	m.mu.RLock()
	subStatuses := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subStatuses = append(subStatuses, status)
	}
	m.mu.RUnlock()

	return Aggregate(m.name, subStatuses)
}

// ServeHTTP writes the aggregate status as JSON.
// Unhealthy responds 503; healthy and degraded respond 200.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := m.AggregateHealth()

	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(status)
}
