package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{
			name: "empty is healthy",
			want: StateHealthy,
		},
		{
			name: "all healthy",
			subs: []Status{NewHealthy("control", "ok"), NewHealthy("store", "ok")},
			want: StateHealthy,
		},
		{
			name: "degraded wins over healthy",
			subs: []Status{NewHealthy("control", "ok"), NewDegraded("store", "slow")},
			want: StateDegraded,
		},
		{
			name: "unhealthy wins over degraded",
			subs: []Status{NewDegraded("control", "slow"), NewUnhealthy("store", "down")},
			want: StateUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("simulcastd", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestMonitor_PushAndGet(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("control", "connected")
	m.UpdateUnhealthy("store", "nats unreachable")

	status, ok := m.Get("control")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())

	agg := m.AggregateHealth("simulcastd")
	assert.True(t, agg.IsUnhealthy())
}

func TestMonitor_CheckerTakesPrecedence(t *testing.T) {
	m := NewMonitor()
	m.UpdateUnhealthy("control", "stale push")

	connected := true
	m.RegisterChecker("control", func() Status {
		if connected {
			return NewHealthy("control", "connected")
		}
		return NewUnhealthy("control", "disconnected")
	})

	status, ok := m.Get("control")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())

	connected = false
	status, _ = m.Get("control")
	assert.True(t, status.IsUnhealthy())
}

func TestHandler_StatusCodes(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("control", "connected")

	srv := httptest.NewServer(Handler(m, "simulcastd"))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "simulcastd", status.Component)
	assert.True(t, status.IsHealthy())

	m.UpdateUnhealthy("store", "nats unreachable")
	resp, err = http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandler_DegradedStaysUp(t *testing.T) {
	m := NewMonitor()
	m.UpdateDegraded("control", "reconnecting")

	rec := httptest.NewRecorder()
	Handler(m, "simulcastd").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
