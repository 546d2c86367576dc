package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the aggregate health as JSON. It answers 200 while the
// daemon is healthy or degraded and 503 when any component is unhealthy,
// so probes restart the process only on hard failures.
func Handler(monitor *Monitor, systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := monitor.AggregateHealth(systemName)

		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}
