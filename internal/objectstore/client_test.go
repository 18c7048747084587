package objectstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

type bucketServer struct {
	mu       sync.Mutex
	objects  map[string][]byte
	requests []*http.Request
}

func newBucketServer() *bucketServer {
	return &bucketServer{objects: make(map[string][]byte)}
}

func (b *bucketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, r.Clone(context.Background()))
	switch r.Method {
	case http.MethodPut:
		b.objects[r.URL.Path] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(b.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (b *bucketServer) object(path string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[path]
	return data, ok
}

func (b *bucketServer) lastRequest() *http.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.requests) == 0 {
		return nil
	}
	return b.requests[len(b.requests)-1]
}

func newTestClient(t *testing.T, backend *bucketServer, mutate func(*Config)) Client {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)
	parsed, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	cfg := Config{
		Endpoint:       parsed.Host,
		PublicEndpoint: "https://cdn.example.com/media",
		Bucket:         "vod",
		Region:         "us-east-1",
		AccessKey:      "access",
		SecretKey:      "secret",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewClient(cfg)
}

func TestClientUploadSignsAndStores(t *testing.T) {
	backend := newBucketServer()
	client := newTestClient(t, backend, nil)
	if !client.Enabled() {
		t.Fatal("configured client reports disabled")
	}

	ref, err := client.Upload(context.Background(), "videos/abc/vod/index.m3u8", "application/vnd.apple.mpegurl", []byte("#EXTM3U"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if ref.Key != "videos/abc/vod/index.m3u8" {
		t.Fatalf("key = %q", ref.Key)
	}
	if ref.URL != "https://cdn.example.com/media/videos/abc/vod/index.m3u8" {
		t.Fatalf("url = %q", ref.URL)
	}

	data, ok := backend.object("/vod/videos/abc/vod/index.m3u8")
	if !ok {
		t.Fatal("object not stored under bucket path")
	}
	if string(data) != "#EXTM3U" {
		t.Fatalf("stored bytes = %q", data)
	}

	req := backend.lastRequest()
	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=access/") {
		t.Fatalf("authorization = %q", auth)
	}
	if !strings.Contains(auth, "SignedHeaders=") || !strings.Contains(auth, "Signature=") {
		t.Fatalf("authorization missing signature parts: %q", auth)
	}
	if req.Header.Get("x-amz-content-sha256") == "" {
		t.Fatal("payload hash header missing")
	}
	if got := req.Header.Get("Content-Type"); got != "application/vnd.apple.mpegurl" {
		t.Fatalf("content type = %q", got)
	}
}

func TestClientAppliesPrefix(t *testing.T) {
	backend := newBucketServer()
	client := newTestClient(t, backend, func(cfg *Config) {
		cfg.Prefix = "hls"
	})

	ref, err := client.Upload(context.Background(), "/videos/abc/seg0.ts", "video/mp2t", []byte("x"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if ref.Key != "hls/videos/abc/seg0.ts" {
		t.Fatalf("key = %q, want prefixed", ref.Key)
	}
	if _, ok := backend.object("/vod/hls/videos/abc/seg0.ts"); !ok {
		t.Fatal("prefixed object not stored")
	}
}

func TestClientDelete(t *testing.T) {
	backend := newBucketServer()
	client := newTestClient(t, backend, nil)

	if _, err := client.Upload(context.Background(), "a.ts", "video/mp2t", []byte("x")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := client.Delete(context.Background(), "a.ts"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := backend.object("/vod/a.ts"); ok {
		t.Fatal("object survived delete")
	}
}

func TestClientDisabledWithoutBucket(t *testing.T) {
	client := NewClient(Config{Endpoint: "minio:9000"})
	if client.Enabled() {
		t.Fatal("client without bucket reports enabled")
	}
	ref, err := client.Upload(context.Background(), "a.ts", "video/mp2t", []byte("x"))
	if err != nil || ref.Key != "" {
		t.Fatalf("noop upload: ref=%+v err=%v", ref, err)
	}
	if err := client.Delete(context.Background(), "a.ts"); err != nil {
		t.Fatalf("noop delete: %v", err)
	}
}
