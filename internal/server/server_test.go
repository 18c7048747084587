package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vodforge/internal/api"
	"vodforge/internal/catalog"
	"vodforge/internal/kv"
	"vodforge/internal/objectstore"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/transcode"
	"vodforge/internal/upload"
)

type noopTranscoder struct{}

func (noopTranscoder) Transcode(ctx context.Context, mediaPath, outputDir string, targets transcode.Targets) (transcode.Output, error) {
	return transcode.Output{}, fmt.Errorf("transcoder not available in tests")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func newTestAPIHandler(t *testing.T) *api.Handler {
	t.Helper()
	root := t.TempDir()
	chunks, err := upload.NewChunkStore(filepath.Join(root, "chunks"))
	if err != nil {
		t.Fatalf("chunk store: %v", err)
	}
	logger := quietLogger()
	sessions := upload.NewSessionStore(upload.SessionStoreConfig{Store: kv.NewMemoryStore()})
	orchestrator := upload.NewOrchestrator(upload.OrchestratorConfig{
		Sessions:   sessions,
		Chunks:     chunks,
		Assembler:  upload.NewAssembler(chunks, logger),
		Transcoder: noopTranscoder{},
		Catalog:    catalog.NewMemory(),
		Publisher:  upload.NewPublisher(objectstore.Disabled{}, logger),
		SourceRoot: filepath.Join(root, "sources"),
		OutputRoot: filepath.Join(root, "media"),
		Logger:     logger,
	})
	return api.NewHandler(orchestrator, sessions, logger)
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv, err := New(newTestAPIHandler(t), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func TestServerRoutesAndHeaders(t *testing.T) {
	srv := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("missing X-Request-Id header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", rec.Header().Get("X-Content-Type-Options"))
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("X-Frame-Options = %q", rec.Header().Get("X-Frame-Options"))
	}
}

func TestServerCreateSessionEndToEnd(t *testing.T) {
	srv := newTestServer(t, Config{})

	body := `{"videoId":"v1","filename":"clip.mp4","expectedChunks":2,"targets":{"vod":true}}`
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"token"`) {
		t.Fatalf("create response missing token: %s", rec.Body.String())
	}
}

func TestServerMetricsEndpoint(t *testing.T) {
	recorder := metrics.New()
	srv := newTestServer(t, Config{Metrics: recorder})

	warm := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.Handler().ServeHTTP(httptest.NewRecorder(), warm)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "vodforge_http_requests_total") {
		t.Fatalf("exposition missing request counter:\n%s", rec.Body.String())
	}
}

func TestServerServesMedia(t *testing.T) {
	mediaDir := t.TempDir()
	videoDir := filepath.Join(mediaDir, "v1", "vod")
	if err := os.MkdirAll(videoDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	playlist := "#EXTM3U\n#EXT-X-VERSION:3\n"
	if err := os.WriteFile(filepath.Join(videoDir, "index.m3u8"), []byte(playlist), 0o644); err != nil {
		t.Fatalf("write playlist: %v", err)
	}

	srv := newTestServer(t, Config{MediaDir: mediaDir})

	req := httptest.NewRequest(http.MethodGet, "/media/v1/vod/index.m3u8", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("media status = %d", rec.Code)
	}
	if rec.Body.String() != playlist {
		t.Fatalf("media body = %q", rec.Body.String())
	}
}

func TestServerMediaDisabledWithoutDir(t *testing.T) {
	srv := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/media/v1/vod/index.m3u8", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("media status without dir = %d, want 404", rec.Code)
	}
}

func TestServerGlobalRateLimit(t *testing.T) {
	srv := newTestServer(t, Config{
		RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1},
	})

	first := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, first)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	second := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, second)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
}

func TestServerUploadRateLimit(t *testing.T) {
	srv := newTestServer(t, Config{
		RateLimit: RateLimitConfig{UploadLimit: 1, UploadWindow: time.Hour},
	})

	body := `{"expectedChunks":1,"targets":{"vod":true}}`
	for i, wantStatus := range []int{http.StatusCreated, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/api/uploads", strings.NewReader(body))
		req.RemoteAddr = "203.0.113.7:4242"
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != wantStatus {
			t.Fatalf("request %d status = %d, want %d (body %s)", i, rec.Code, wantStatus, rec.Body.String())
		}
	}

	// Status polls are reads and stay outside the upload budget.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "203.0.113.7:4242"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("read request status = %d", rec.Code)
	}
}

func TestServerShutdownWithoutStart(t *testing.T) {
	srv := newTestServer(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
