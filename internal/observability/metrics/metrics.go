package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// PipelineLabel identifies a pipeline stage outcome, e.g. stage "transcode"
// with status "fail".
type PipelineLabel struct {
	Stage  string
	Status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, upload session lifecycle, chunk writes, pipeline stages, and
// reclamation sweeps. It coordinates concurrent writers via a RWMutex while
// exposing a thread-safe gauge for active upload tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionEvents   map[string]uint64
	chunkEvents     map[string]uint64
	pipelineEvents  map[PipelineLabel]uint64
	reclaimed       uint64
	reclaimSweeps   uint64
	activeUploads   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEvents:   make(map[string]uint64),
		chunkEvents:     make(map[string]uint64),
		pipelineEvents:  make(map[PipelineLabel]uint64),
	}
}

// Default returns the singleton Recorder shared across helper functions for
// packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionCreated records a new upload session and increments the active
// upload gauge.
func (r *Recorder) SessionCreated() {
	r.incrementSessionEvent("created")
	r.activeUploads.Add(1)
}

// SessionCompleted records a session finishing the full pipeline and
// decrements the active upload gauge.
func (r *Recorder) SessionCompleted() {
	r.incrementSessionEvent("completed")
	r.decrementGauge(&r.activeUploads)
}

// SessionFailed records a session ending in failure and decrements the
// active upload gauge.
func (r *Recorder) SessionFailed() {
	r.incrementSessionEvent("failed")
	r.decrementGauge(&r.activeUploads)
}

func (r *Recorder) incrementSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// ObserveChunkWrite records a chunk write outcome: "accepted", "duplicate",
// or "rejected".
func (r *Recorder) ObserveChunkWrite(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.chunkEvents[normalized]++
	r.mu.Unlock()
}

// ObservePipeline records a pipeline stage outcome (assemble, transcode,
// publish, catalog) with a status of "ok" or "fail".
func (r *Recorder) ObservePipeline(stage, status string) {
	label := PipelineLabel{Stage: normalizeName(stage), Status: normalizeName(status)}
	r.mu.Lock()
	r.pipelineEvents[label]++
	r.mu.Unlock()
}

// ObserveReclaimSweep records one reclamation sweep and how many stale
// sessions it reclaimed.
func (r *Recorder) ObserveReclaimSweep(reclaimed int) {
	r.mu.Lock()
	r.reclaimSweeps++
	if reclaimed > 0 {
		r.reclaimed += uint64(reclaimed)
	}
	r.mu.Unlock()
}

// ActiveUploads exposes the current gauge of sessions between creation and a
// terminal state.
func (r *Recorder) ActiveUploads() int64 {
	return r.activeUploads.Load()
}

// SessionCounts returns copies of session and chunk event counters for
// testing and reporting purposes.
func (r *Recorder) SessionCounts() (sessions map[string]uint64, chunks map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions = make(map[string]uint64, len(r.sessionEvents))
	for k, v := range r.sessionEvents {
		sessions[k] = v
	}
	chunks = make(map[string]uint64, len(r.chunkEvents))
	for k, v := range r.chunkEvents {
		chunks[k] = v
	}
	return sessions, chunks
}

// PipelineCounts returns a copy of the pipeline stage counters.
func (r *Recorder) PipelineCounts() map[PipelineLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[PipelineLabel]uint64, len(r.pipelineEvents))
	for k, v := range r.pipelineEvents {
		events[k] = v
	}
	return events
}

// ReclaimCounts returns the number of sweeps run and sessions reclaimed.
func (r *Recorder) ReclaimCounts() (sweeps, reclaimed uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reclaimSweeps, r.reclaimed
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.chunkEvents = make(map[string]uint64)
	r.pipelineEvents = make(map[PipelineLabel]uint64)
	r.reclaimed = 0
	r.reclaimSweeps = 0
	r.activeUploads.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := sortedKeys(r.sessionEvents)
	chunkEvents := sortedKeys(r.chunkEvents)
	pipelineLabels := r.sortedPipelineLabels()

	fmt.Fprintln(w, "# HELP vodforge_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE vodforge_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vodforge_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vodforge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE vodforge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "vodforge_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP vodforge_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE vodforge_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vodforge_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vodforge_upload_sessions_total Upload session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE vodforge_upload_sessions_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "vodforge_upload_sessions_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP vodforge_active_uploads Current number of upload sessions not yet terminal")
	fmt.Fprintln(w, "# TYPE vodforge_active_uploads gauge")
	fmt.Fprintf(w, "vodforge_active_uploads %d\n", r.activeUploads.Load())

	fmt.Fprintln(w, "# HELP vodforge_chunk_writes_total Chunk write outcomes by type")
	fmt.Fprintln(w, "# TYPE vodforge_chunk_writes_total counter")
	for _, event := range chunkEvents {
		fmt.Fprintf(w, "vodforge_chunk_writes_total{outcome=\"%s\"} %d\n", event, r.chunkEvents[event])
	}

	fmt.Fprintln(w, "# HELP vodforge_pipeline_events_total Pipeline stage outcomes by stage and status")
	fmt.Fprintln(w, "# TYPE vodforge_pipeline_events_total counter")
	for _, label := range pipelineLabels {
		fmt.Fprintf(w, "vodforge_pipeline_events_total{stage=\"%s\",status=\"%s\"} %d\n", label.Stage, label.Status, r.pipelineEvents[label])
	}

	fmt.Fprintln(w, "# HELP vodforge_reclaim_sweeps_total Total reclamation sweeps executed")
	fmt.Fprintln(w, "# TYPE vodforge_reclaim_sweeps_total counter")
	fmt.Fprintf(w, "vodforge_reclaim_sweeps_total %d\n", r.reclaimSweeps)

	fmt.Fprintln(w, "# HELP vodforge_reclaimed_sessions_total Total stale sessions reclaimed")
	fmt.Fprintln(w, "# TYPE vodforge_reclaimed_sessions_total counter")
	fmt.Fprintf(w, "vodforge_reclaimed_sessions_total %d\n", r.reclaimed)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedPipelineLabels() []PipelineLabel {
	labels := make([]PipelineLabel, 0, len(r.pipelineEvents))
	for label := range r.pipelineEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Stage != labels[j].Stage {
			return labels[i].Stage < labels[j].Stage
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// NormalizePath collapses identifier-looking path segments to ":id" so
// callers can group requests by route shape rather than raw URL.
func NormalizePath(path string) string {
	return normalizePath(path)
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
