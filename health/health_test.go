package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu    sync.Mutex
	calls map[string]string
}

func (o *recordingObserver) RecordHealthStatus(component, status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == nil {
		o.calls = make(map[string]string)
	}
	o.calls[component] = status
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		subs     []Status
		expected string
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StatusHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StatusDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("sys", tt.subs)
			assert.Equal(t, tt.expected, got.Status)
			assert.Equal(t, tt.expected == StatusHealthy, got.Healthy)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestAggregate_SortsSubStatuses(t *testing.T) {
	got := Aggregate("sys", []Status{NewHealthy("zeta", ""), NewHealthy("alpha", "")})
	require.Len(t, got.SubStatuses, 2)
	assert.Equal(t, "alpha", got.SubStatuses[0].Component)
	assert.Equal(t, "zeta", got.SubStatuses[1].Component)
}

func TestFromError(t *testing.T) {
	ok := FromError("activity", nil, "connected")
	assert.True(t, ok.IsHealthy())
	assert.Equal(t, "connected", ok.Message)

	bad := FromError("activity",
		fmt.Errorf("dial nats://user:pw@10.0.0.5:4222 failed reading /etc/secret.conf token=abc"), "")
	assert.True(t, bad.IsUnhealthy())
	assert.NotContains(t, bad.Message, "10.0.0.5")
	assert.NotContains(t, bad.Message, "/etc/secret.conf")
	assert.NotContains(t, bad.Message, "abc")
	assert.Contains(t, bad.Message, "[URL]")
}

func TestMonitor_UpdateAndObserve(t *testing.T) {
	observer := &recordingObserver{}
	m := NewMonitor("vfserver", observer)

	m.UpdateHealthy("server", "listening")
	m.UpdateDegraded("activity", "reconnecting")

	status, ok := m.Get("server")
	require.True(t, ok)
	assert.Equal(t, "server", status.Component)
	assert.False(t, status.Timestamp.IsZero())

	assert.Equal(t, StatusDegraded, m.AggregateHealth().Status)
	assert.Equal(t, "vfserver", m.AggregateHealth().Component)
	assert.Equal(t, map[string]string{"server": StatusHealthy, "activity": StatusDegraded}, observer.calls)

	m.Remove("activity")
	_, ok = m.Get("activity")
	assert.False(t, ok)
	assert.True(t, m.AggregateHealth().IsHealthy())
}

func TestMonitor_ConcurrentUpdates(t *testing.T) {
	m := NewMonitor("sys", nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			name := fmt.Sprintf("c%d", id%4)
			m.UpdateHealthy(name, "ok")
			_ = m.AggregateHealth()
		}(i)
	}
	wg.Wait()

	assert.Len(t, m.AggregateHealth().SubStatuses, 4)
}

func TestMonitor_ServeHTTP(t *testing.T) {
	m := NewMonitor("vfserver", nil)
	m.UpdateHealthy("server", "listening")

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Healthy)
	require.Len(t, body.SubStatuses, 1)

	m.UpdateDegraded("activity", "offline")
	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	m.UpdateUnhealthy("server", "stopped")
	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
