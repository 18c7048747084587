// Package api exposes the upload service's HTTP surface: session creation,
// chunk intake, and status polling.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"vodforge/internal/upload"
)

// Pinger reports dependency health for the /healthz endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler carries the collaborators HTTP handlers need.
type Handler struct {
	Pipeline *upload.Orchestrator
	// Sessions is pinged for /healthz to surface session-store outages.
	Sessions Pinger
	// RateLimiter is pinged when the limiter runs against a shared backend.
	RateLimiter Pinger
	Logger      *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(pipeline *upload.Orchestrator, sessions Pinger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Pipeline: pipeline, Sessions: sessions, Logger: logger}
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Health reports overall service health with per-component detail.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
		return
	}
	overall := "ok"
	statusCode := http.StatusOK
	record := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overall = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 2)
	if h.Sessions != nil {
		components = append(components, record("session_store", h.Sessions.Ping(r.Context())))
	}
	if h.RateLimiter != nil {
		components = append(components, record("rate_limiter", h.RateLimiter.Ping(r.Context())))
	}

	writeJSON(w, statusCode, map[string]any{
		"status":     overall,
		"components": components,
	})
}
