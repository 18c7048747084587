package upload

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"vodforge/internal/models"
	"vodforge/internal/observability/metrics"
)

const defaultStaleAfter = 12 * time.Hour

// ReclaimerConfig configures the staleness sweep.
type ReclaimerConfig struct {
	Sessions *SessionStore
	Chunks   *ChunkStore
	// SourceRoot holds assembled source files; a stale session's source
	// directory is removed along with its chunks.
	SourceRoot string
	// StaleAfter is how long a session may go without an update before its
	// disk artifacts are reclaimed.
	StaleAfter time.Duration
	Logger     *slog.Logger
	Clock      func() time.Time
	Metrics    *metrics.Recorder
}

// Reclaimer frees disk held by sessions that stopped making progress. Only
// completed sessions are exempt: their chunks and source are already gone and
// their HLS output is the product. A stale failed session keeps its error
// class but still loses any chunk and source files a mid-pipeline failure
// left behind. A reclaimed in-progress session is marked failed with the
// reclaimed error class so late chunk writes are rejected rather than
// resurrecting it.
type Reclaimer struct {
	sessions   *SessionStore
	chunks     *ChunkStore
	sourceRoot string
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
	metrics    *metrics.Recorder
}

// NewReclaimer constructs a reclaimer with defaults applied.
func NewReclaimer(cfg ReclaimerConfig) *Reclaimer {
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Reclaimer{
		sessions:   cfg.Sessions,
		chunks:     cfg.Chunks,
		sourceRoot: cfg.SourceRoot,
		staleAfter: staleAfter,
		logger:     logger,
		now:        now,
		metrics:    recorder,
	}
}

// Sweep scans every known session and reclaims the stale ones. It returns
// the number of sessions reclaimed; per-session failures are logged and do
// not stop the sweep.
func (r *Reclaimer) Sweep(ctx context.Context) (int, error) {
	sessions, err := r.sessions.List(ctx)
	if err != nil {
		r.metrics.ObserveReclaimSweep(0)
		return 0, err
	}
	cutoff := r.now().Add(-r.staleAfter)
	reclaimed := 0
	for _, session := range sessions {
		select {
		case <-ctx.Done():
			r.metrics.ObserveReclaimSweep(reclaimed)
			return reclaimed, ctx.Err()
		default:
		}
		if session.Status == models.StatusCompleted {
			continue
		}
		if session.UpdatedAtTime().After(cutoff) {
			continue
		}
		if r.reclaim(ctx, session) {
			reclaimed++
		}
	}
	r.metrics.ObserveReclaimSweep(reclaimed)
	if reclaimed > 0 {
		r.logger.Info("reclaim sweep finished",
			"scanned", len(sessions),
			"reclaimed", reclaimed)
	}
	return reclaimed, nil
}

func (r *Reclaimer) reclaim(ctx context.Context, session models.UploadSession) bool {
	freed := r.removeArtifacts(session.ID)
	if session.Status == models.StatusFailed {
		// The record already carries its failure class; only the files were
		// left to free.
		if freed {
			r.logger.Info("reclaimed failed session artifacts", "session_id", session.ID)
		}
		return freed
	}
	transitioned := false
	_, err := r.sessions.Update(ctx, session.ID, func(s *models.UploadSession) error {
		if s.Status.Terminal() {
			return nil
		}
		s.Status = models.StatusFailed
		s.LastError = ErrorClassReclaimed
		transitioned = true
		return nil
	})
	if err != nil {
		// The record may have expired between List and Update; its TTL
		// already did the work.
		r.logger.Warn("failed to mark stale session reclaimed",
			"session_id", session.ID,
			"error", err)
		return freed
	}
	if transitioned {
		r.metrics.SessionFailed()
		r.logger.Info("reclaimed stale upload session",
			"session_id", session.ID,
			"status", string(session.Status),
			"updated_at", session.UpdatedAtTime().UTC().Format(time.RFC3339))
	}
	return transitioned || freed
}

// removeArtifacts deletes a session's chunk directory and assembled source
// directory, reporting whether anything was actually on disk. Removal
// failures are logged; the next sweep retries.
func (r *Reclaimer) removeArtifacts(id string) bool {
	freed := false
	if dir, err := r.chunks.SessionDir(id); err == nil {
		if _, statErr := os.Stat(dir); statErr == nil {
			if err := r.chunks.RemoveSession(id); err != nil {
				r.logger.Warn("failed to remove stale chunk directory",
					"session_id", id,
					"error", err)
			} else {
				freed = true
			}
		}
	}
	if r.sourceRoot != "" && sanitizeComponent(id) == nil {
		dir := filepath.Join(r.sourceRoot, id)
		if _, err := os.Stat(dir); err == nil {
			if err := os.RemoveAll(dir); err != nil {
				r.logger.Warn("failed to remove stale source directory",
					"session_id", id,
					"error", err)
			} else {
				freed = true
			}
		}
	}
	return freed
}
