package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rickgao/exchange-stream/internal/connection"
	"github.com/rickgao/exchange-stream/internal/integrity"
	"github.com/rickgao/exchange-stream/internal/router"
	"github.com/rickgao/exchange-stream/internal/writer"
)

// statusSources are the components reported on /health and /debug/status.
type statusSources struct {
	manager interface {
		Status() connection.Status
		Stats() connection.ManagerStats
	}
	queues interface {
		Stats() integrity.SetStats
		Failed() []integrity.Diagnostic
	}
	router     interface{ Stats() router.RouterStats }
	dispatcher interface{ Stats() router.DispatcherStats }
	archive    *writer.DiagnosticWriter    // nil when the archive is disabled
	ping       func(context.Context) error // nil when the archive is disabled
}

type healthResponse struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components"`
}

// connectionHealth maps the connection state to an overall health status.
func connectionHealth(state connection.State) string {
	switch state {
	case connection.StateConnected:
		return "healthy"
	case connection.StateConnecting, connection.StateReconnecting:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// newStatusHandler creates the HTTP handler for health checks, debug status
// and metrics.
func newStatusHandler(src statusSources, metrics http.Handler, metricsPath string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := src.manager.Status()
		health := healthResponse{
			Status: connectionHealth(status.State),
			Components: map[string]any{
				"connection": map[string]any{
					"state":    status.State.String(),
					"attempts": status.Attempts,
				},
			},
		}

		if src.ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()

			if err := src.ping(ctx); err != nil {
				if health.Status == "healthy" {
					health.Status = "degraded"
				}
				health.Components["archive"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["archive"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/status", func(w http.ResponseWriter, r *http.Request) {
		status := src.manager.Status()
		resp := map[string]any{
			"state":      status.State.String(),
			"connection": src.manager.Stats(),
			"integrity":  src.queues.Stats(),
			"router":     src.router.Stats(),
			"dispatcher": src.dispatcher.Stats(),
			"failed":     len(src.queues.Failed()),
		}
		if src.archive != nil {
			resp["archive"] = src.archive.Stats()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.Handle(metricsPath, metrics)

	return mux
}
