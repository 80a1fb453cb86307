package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// HealthSource reports the reachability of dependencies keyed by name
type HealthSource interface {
	Health(ctx context.Context) map[string]error
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthCheck handles the /healthz endpoint. mode=extended also checks the
// backend, storage and RabbitMQ.
func HealthCheck(src HealthSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := HealthResponse{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		status := http.StatusOK

		if r.URL.Query().Get("mode") == "extended" {
			response.Checks = make(map[string]string)
			for name, err := range src.Health(r.Context()) {
				if err != nil {
					response.Status = "unhealthy"
					response.Checks[name] = "unhealthy: " + err.Error()
					continue
				}
				response.Checks[name] = "healthy"
			}
			if response.Status == "unhealthy" {
				status = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	}
}
