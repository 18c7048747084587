package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"vodforge/internal/observability/logging"
)

func TestRequestIDMiddlewareGeneratesID(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = logging.RequestIDFromContext(r.Context())
	})
	handler := requestIDMiddlewareWithGenerator(quietLogger(), func() string { return "generated-id" }, next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/uploads", nil))

	if seen != "generated-id" {
		t.Fatalf("context request id = %q", seen)
	}
	if got := rec.Header().Get("X-Request-Id"); got != "generated-id" {
		t.Fatalf("response header = %q", got)
	}
}

func TestRequestIDMiddlewareHonoursCallerID(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = logging.RequestIDFromContext(r.Context())
	})
	handler := requestIDMiddlewareWithGenerator(quietLogger(), func() string { return "generated-id" }, next)

	req := httptest.NewRequest(http.MethodGet, "/api/uploads", nil)
	req.Header.Set("X-Request-Id", "client-supplied")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "client-supplied" {
		t.Fatalf("context request id = %q, want client-supplied", seen)
	}
	if got := rec.Header().Get("X-Request-Id"); got != "client-supplied" {
		t.Fatalf("response header = %q", got)
	}
}

func TestRequestIDMiddlewareInstallsContextLogger(t *testing.T) {
	var hadLogger bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hadLogger = logging.LoggerFromContext(r.Context()) != nil
	})
	handler := requestIDMiddleware(quietLogger(), next)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !hadLogger {
		t.Fatal("no logger installed on request context")
	}
}
