package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vodforge/internal/catalog"
	"vodforge/internal/models"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/transcode"
)

const (
	defaultPipelineWorkers   = 2
	defaultPipelineQueueSize = 64
	defaultPipelineTimeout   = 30 * time.Minute
)

// Transcoder is the slice of the transcode package the pipeline needs.
type Transcoder interface {
	Transcode(ctx context.Context, mediaPath, outputDir string, targets transcode.Targets) (transcode.Output, error)
}

// OrchestratorConfig wires the pipeline's collaborators.
type OrchestratorConfig struct {
	Sessions   *SessionStore
	Chunks     *ChunkStore
	Assembler  *Assembler
	Transcoder Transcoder
	Catalog    catalog.Store
	Publisher  *Publisher
	// SourceRoot holds assembled source files awaiting transcode.
	SourceRoot string
	// OutputRoot holds finished HLS output, keyed by video id.
	OutputRoot string
	Workers    int
	QueueSize  int
	// Timeout bounds one session's assemble+transcode+publish run.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// CreateSessionParams carries the client-supplied fields of a new session.
type CreateSessionParams struct {
	VideoID        string
	Filename       string
	ExpectedChunks int
	Targets        models.TranscodeTargets
}

// Orchestrator drives upload sessions from chunk intake through assembly,
// transcode, publish, and catalog commit. Completed sessions are processed by
// a fixed worker pool fed from a buffered queue; an in-flight set keeps two
// workers off the same session.
type Orchestrator struct {
	sessions   *SessionStore
	chunks     *ChunkStore
	assembler  *Assembler
	transcoder Transcoder
	catalog    catalog.Store
	publisher  *Publisher
	sourceRoot string
	outputRoot string
	workers    int
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc

	queue chan string
	wg    sync.WaitGroup

	mu         sync.Mutex
	inFlight   map[string]struct{}
	chunkLocks map[string]*sync.Mutex
	started    bool
}

// NewOrchestrator constructs an orchestrator with defaults applied.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultPipelineWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultPipelineQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPipelineTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		sessions:   cfg.Sessions,
		chunks:     cfg.Chunks,
		assembler:  cfg.Assembler,
		transcoder: cfg.Transcoder,
		catalog:    cfg.Catalog,
		publisher:  cfg.Publisher,
		sourceRoot: cfg.SourceRoot,
		outputRoot: cfg.OutputRoot,
		workers:    workers,
		timeout:    timeout,
		logger:     logger,
		metrics:    recorder,
		ctx:        ctx,
		cancel:     cancel,
		queue:      make(chan string, queueSize),
		inFlight:   make(map[string]struct{}),
		chunkLocks: make(map[string]*sync.Mutex),
	}
}

// Start launches the worker pool and re-enqueues sessions interrupted
// mid-pipeline by a previous shutdown.
func (o *Orchestrator) Start() {
	if o == nil {
		return
	}
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}

	go o.recoverPending()
}

// Shutdown stops intake and waits for in-flight pipeline runs to finish,
// bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue schedules a session for pipeline processing. Safe to call with ids
// already queued or in flight; duplicates are dropped at dequeue time.
func (o *Orchestrator) Enqueue(id string) {
	if o == nil || strings.TrimSpace(id) == "" {
		return
	}
	select {
	case <-o.ctx.Done():
		return
	default:
	}
	select {
	case o.queue <- id:
	case <-o.ctx.Done():
	}
}

// CreateSession mints a new upload session and its one-time capability
// token. The plaintext token is returned exactly once; only its hash is
// stored.
func (o *Orchestrator) CreateSession(ctx context.Context, params CreateSessionParams) (models.UploadSession, string, error) {
	if params.ExpectedChunks <= 0 {
		return models.UploadSession{}, "", fmt.Errorf("expected chunk count must be positive")
	}
	if !params.Targets.VOD && !params.Targets.Live {
		return models.UploadSession{}, "", fmt.Errorf("at least one transcode target is required")
	}
	id := uuid.NewString()
	videoID := strings.TrimSpace(params.VideoID)
	if videoID == "" {
		videoID = id
	}
	token, hash, err := MintSessionToken()
	if err != nil {
		return models.UploadSession{}, "", err
	}
	now := models.EpochMillis(time.Now())
	session := models.UploadSession{
		ID:             id,
		VideoID:        videoID,
		Filename:       strings.TrimSpace(params.Filename),
		Status:         models.StatusPending,
		ExpectedChunks: params.ExpectedChunks,
		Targets:        params.Targets,
		TokenHash:      hash,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.sessions.Create(ctx, session); err != nil {
		return models.UploadSession{}, "", err
	}
	o.metrics.SessionCreated()
	o.logger.Info("upload session created",
		"session_id", id,
		"video_id", videoID,
		"expected_chunks", params.ExpectedChunks)
	return session, token, nil
}

// WriteChunk stores one chunk for a session and advances the session record.
// A re-sent ordinal overwrites the previous bytes without double-counting;
// the received count is derived from the stored chunk set, so a retry also
// repairs a count the previous attempt failed to record. When the final
// chunk lands the session moves to assembling and is queued for the
// pipeline.
func (o *Orchestrator) WriteChunk(ctx context.Context, id, token string, ordinal int, body io.Reader) (models.UploadSession, error) {
	session, err := o.sessions.Get(ctx, id)
	if err != nil {
		return models.UploadSession{}, err
	}
	if err := VerifySessionToken(session.TokenHash, token); err != nil {
		return models.UploadSession{}, err
	}
	if session.Status.Terminal() {
		return models.UploadSession{}, ErrSessionTerminal
	}
	if ordinal < 0 || ordinal >= session.ExpectedChunks {
		return models.UploadSession{}, &PathError{Value: fmt.Sprintf("chunk ordinal %d", ordinal)}
	}

	// The chunk lock serializes filesystem write + record update per session
	// without holding the session store's own mutex across the file write.
	lock := o.chunkLock(id)
	lock.Lock()
	defer lock.Unlock()

	created, err := o.chunks.WriteChunk(id, ordinal, body)
	if err != nil {
		o.metrics.ObserveChunkWrite("rejected")
		return models.UploadSession{}, err
	}

	// The chunk files on disk are the source of truth for the received count.
	// If a record write fails after the file landed, the client's retry finds
	// the count from the listing instead of staying short forever.
	stored, err := o.chunks.ListChunks(id)
	if err != nil {
		return models.UploadSession{}, err
	}
	received := len(stored)

	complete := false
	updated, err := o.sessions.Update(ctx, id, func(s *models.UploadSession) error {
		if s.Status.Terminal() {
			return ErrSessionTerminal
		}
		if received > s.ReceivedChunks {
			s.ReceivedChunks = received
		}
		if s.Status == models.StatusPending {
			s.Status = models.StatusUploading
		}
		if s.Complete() && s.Status.CanAdvance(models.StatusAssembling) {
			s.Status = models.StatusAssembling
			complete = true
		}
		return nil
	})
	if err != nil {
		return models.UploadSession{}, err
	}
	if created {
		o.metrics.ObserveChunkWrite("accepted")
	} else {
		o.metrics.ObserveChunkWrite("duplicate")
	}
	if complete {
		o.logger.Info("upload complete, scheduling pipeline",
			"session_id", id,
			"chunks", updated.ReceivedChunks)
		o.Enqueue(id)
	}
	return updated, nil
}

// Status returns the session record for polling clients, gated by the
// session token.
func (o *Orchestrator) Status(ctx context.Context, id, token string) (models.UploadSession, error) {
	session, err := o.sessions.Get(ctx, id)
	if err != nil {
		return models.UploadSession{}, err
	}
	if err := VerifySessionToken(session.TokenHash, token); err != nil {
		return models.UploadSession{}, err
	}
	return session, nil
}

func (o *Orchestrator) chunkLock(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.chunkLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		o.chunkLocks[id] = lock
	}
	return lock
}

func (o *Orchestrator) releaseChunkLock(id string) {
	o.mu.Lock()
	delete(o.chunkLocks, id)
	o.mu.Unlock()
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case id := <-o.queue:
			if strings.TrimSpace(id) == "" {
				continue
			}
			if !o.beginWork(id) {
				continue
			}
			o.process(id)
			o.finishWork(id)
		}
	}
}

func (o *Orchestrator) beginWork(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.inFlight[id]; exists {
		return false
	}
	o.inFlight[id] = struct{}{}
	return true
}

func (o *Orchestrator) finishWork(id string) {
	o.mu.Lock()
	delete(o.inFlight, id)
	o.mu.Unlock()
}

// recoverPending re-queues sessions a previous process left mid-pipeline.
func (o *Orchestrator) recoverPending() {
	sessions, err := o.sessions.List(o.ctx)
	if err != nil {
		o.logger.Error("failed to list sessions for recovery", "error", err)
		return
	}
	for _, session := range sessions {
		select {
		case <-o.ctx.Done():
			return
		default:
		}
		switch session.Status {
		case models.StatusAssembling, models.StatusTranscoding:
			o.logger.Info("recovering interrupted session",
				"session_id", session.ID,
				"status", string(session.Status))
			o.Enqueue(session.ID)
		case models.StatusUploading:
			if session.Complete() {
				o.Enqueue(session.ID)
			}
		}
	}
}

func (o *Orchestrator) sourcePath(session models.UploadSession) string {
	name := "source"
	if ext := filepath.Ext(session.Filename); ext != "" {
		name += ext
	}
	return filepath.Join(o.sourceRoot, session.ID, name)
}

func (o *Orchestrator) process(id string) {
	session, err := o.sessions.Get(o.ctx, id)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			o.logger.Error("failed to load session for pipeline", "session_id", id, "error", err)
		}
		return
	}
	if session.Status.Terminal() {
		return
	}

	ctx, cancel := context.WithTimeout(o.ctx, o.timeout)
	defer cancel()

	sourcePath := o.sourcePath(session)
	outputDir := filepath.Join(o.outputRoot, session.VideoID)

	// A session recovered in transcoding state has already assembled and
	// deleted its chunks; redoing that step would fail on the empty chunk dir.
	needAssembly := true
	if session.Status == models.StatusTranscoding {
		if _, err := os.Stat(sourcePath); err == nil {
			needAssembly = false
		}
	}

	if needAssembly {
		if _, err := o.sessions.Update(ctx, id, func(s *models.UploadSession) error {
			if s.Status != models.StatusAssembling && s.Status.CanAdvance(models.StatusAssembling) {
				s.Status = models.StatusAssembling
			}
			return nil
		}); err != nil {
			o.logger.Error("failed to mark session assembling", "session_id", id, "error", err)
			return
		}
		if err := o.assembler.Assemble(id, session.ExpectedChunks, sourcePath); err != nil {
			o.metrics.ObservePipeline("assemble", "fail")
			o.fail(id, err)
			return
		}
		o.metrics.ObservePipeline("assemble", "ok")
	}

	if _, err := o.sessions.Update(ctx, id, func(s *models.UploadSession) error {
		if s.Status != models.StatusTranscoding && s.Status.CanAdvance(models.StatusTranscoding) {
			s.Status = models.StatusTranscoding
		}
		return nil
	}); err != nil {
		o.logger.Error("failed to mark session transcoding", "session_id", id, "error", err)
		return
	}

	targets := transcode.Targets{VOD: session.Targets.VOD, Live: session.Targets.Live}
	result, err := o.transcoder.Transcode(ctx, sourcePath, outputDir, targets)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
				err = ctxErr
			}
		}
		o.metrics.ObservePipeline("transcode", "fail")
		o.fail(id, err)
		return
	}
	o.metrics.ObservePipeline("transcode", "ok")

	playlists, err := o.publisher.Publish(ctx, session.VideoID, outputDir, result)
	if err != nil {
		o.metrics.ObservePipeline("publish", "fail")
		o.fail(id, err)
		return
	}
	o.metrics.ObservePipeline("publish", "ok")

	if err := o.catalog.SetPlaylists(ctx, session.VideoID, playlists); err != nil {
		o.metrics.ObservePipeline("catalog", "fail")
		o.fail(id, &CatalogError{VideoID: session.VideoID, Err: err})
		return
	}
	o.metrics.ObservePipeline("catalog", "ok")

	// The HLS output is durable; the assembled source is now redundant.
	if err := os.RemoveAll(filepath.Dir(sourcePath)); err != nil {
		o.logger.Warn("failed to remove assembled source", "session_id", id, "error", err)
	}

	if _, err := o.sessions.Update(ctx, id, func(s *models.UploadSession) error {
		if !s.Status.CanAdvance(models.StatusCompleted) {
			return fmt.Errorf("session %s cannot complete from %s", id, s.Status)
		}
		s.Status = models.StatusCompleted
		s.Playlists = playlists
		s.LastError = ""
		return nil
	}); err != nil {
		o.logger.Error("failed to mark session completed", "session_id", id, "error", err)
		return
	}
	o.metrics.SessionCompleted()
	o.releaseChunkLock(id)
	o.logger.Info("upload pipeline completed",
		"session_id", id,
		"video_id", session.VideoID,
		"vod_url", playlists.VOD,
		"live_url", playlists.Live)
}

func (o *Orchestrator) fail(id string, cause error) {
	class := Classify(cause)
	transitioned := false
	if _, err := o.sessions.Update(o.ctx, id, func(s *models.UploadSession) error {
		if s.Status.Terminal() {
			return nil
		}
		s.Status = models.StatusFailed
		s.LastError = class
		transitioned = true
		return nil
	}); err != nil {
		o.logger.Error("failed to mark session failed",
			"session_id", id,
			"error", err,
			"failure", cause)
		return
	}
	if transitioned {
		o.metrics.SessionFailed()
	}
	o.releaseChunkLock(id)
	o.logger.Error("upload pipeline failed",
		"session_id", id,
		"class", class,
		"error", cause)
}
