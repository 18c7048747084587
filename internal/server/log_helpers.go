package server

import (
	"log/slog"
	"net/http"

	"vodforge/internal/observability/logging"
)

// requestLogger prefers the context logger installed by the request-id
// middleware so every line carries the same request id.
func requestLogger(r *http.Request, base *slog.Logger) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(r.Context()); ctxLogger != nil {
		return ctxLogger
	}
	return logging.WithContext(r.Context(), base)
}
