package upload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vodforge/internal/kv"
	"vodforge/internal/models"
	"vodforge/internal/observability/metrics"
)

type reclaimHarness struct {
	reclaimer  *Reclaimer
	sessions   *SessionStore
	chunks     *ChunkStore
	sourceRoot string
}

func newReclaimHarness(t *testing.T, now func() time.Time) *reclaimHarness {
	t.Helper()
	root := t.TempDir()
	chunks, err := NewChunkStore(filepath.Join(root, "chunks"))
	if err != nil {
		t.Fatalf("chunk store: %v", err)
	}
	sourceRoot := filepath.Join(root, "sources")
	sessions := NewSessionStore(SessionStoreConfig{Store: kv.NewMemoryStore(), Clock: now})
	reclaimer := NewReclaimer(ReclaimerConfig{
		Sessions:   sessions,
		Chunks:     chunks,
		SourceRoot: sourceRoot,
		StaleAfter: 12 * time.Hour,
		Logger:     discardLogger(),
		Clock:      now,
		Metrics:    metrics.New(),
	})
	return &reclaimHarness{
		reclaimer:  reclaimer,
		sessions:   sessions,
		chunks:     chunks,
		sourceRoot: sourceRoot,
	}
}

func seedSession(t *testing.T, sessions *SessionStore, id string, status models.SessionStatus, updatedAt time.Time) {
	t.Helper()
	session := models.UploadSession{
		ID:             id,
		Status:         models.StatusPending,
		ExpectedChunks: 4,
		CreatedAt:      models.EpochMillis(updatedAt),
		UpdatedAt:      models.EpochMillis(updatedAt),
	}
	if err := sessions.Create(context.Background(), session); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	if status == models.StatusPending {
		return
	}
	// Update touches UpdatedAt with the injected clock, so the caller's clock
	// must already be positioned at updatedAt when seeding.
	if _, err := sessions.Update(context.Background(), id, func(s *models.UploadSession) error {
		s.Status = status
		if status == models.StatusFailed {
			s.LastError = ErrorClassTranscode
		}
		return nil
	}); err != nil {
		t.Fatalf("set status %s: %v", id, err)
	}
}

func writeSourceFile(t *testing.T, h *reclaimHarness, id string) string {
	t.Helper()
	dir := filepath.Join(h.sourceRoot, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir source: %v", err)
	}
	path := filepath.Join(dir, "source.mp4")
	if err := os.WriteFile(path, []byte("mp4"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return dir
}

func TestReclaimerSweepsStaleSessions(t *testing.T) {
	current := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	h := newReclaimHarness(t, func() time.Time { return current })
	ctx := context.Background()

	seedSession(t, h.sessions, "stale-uploading", models.StatusUploading, current)
	if _, err := h.chunks.WriteChunk("stale-uploading", 0, strings.NewReader("x")); err != nil {
		t.Fatalf("chunk: %v", err)
	}

	current = current.Add(13 * time.Hour)
	seedSession(t, h.sessions, "fresh", models.StatusUploading, current)

	reclaimed, err := h.reclaimer.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}

	stale, err := h.sessions.Get(ctx, "stale-uploading")
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if stale.Status != models.StatusFailed || stale.LastError != ErrorClassReclaimed {
		t.Fatalf("stale session = %+v", stale)
	}
	left, _ := h.chunks.ListChunks("stale-uploading")
	if len(left) != 0 {
		t.Fatalf("chunks remain after reclaim: %v", left)
	}

	fresh, err := h.sessions.Get(ctx, "fresh")
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if fresh.Status != models.StatusUploading {
		t.Fatalf("fresh session touched: %+v", fresh)
	}
}

func TestReclaimerFreesStaleFailedSessionDisk(t *testing.T) {
	current := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	h := newReclaimHarness(t, func() time.Time { return current })
	ctx := context.Background()

	seedSession(t, h.sessions, "failed-stale", models.StatusFailed, current)
	if _, err := h.chunks.WriteChunk("failed-stale", 0, strings.NewReader("x")); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	sourceDir := writeSourceFile(t, h, "failed-stale")

	current = current.Add(48 * time.Hour)
	reclaimed, err := h.reclaimer.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}

	left, _ := h.chunks.ListChunks("failed-stale")
	if len(left) != 0 {
		t.Fatalf("failed session's chunk files were not reclaimed: %v", left)
	}
	if _, err := os.Stat(sourceDir); !os.IsNotExist(err) {
		t.Fatalf("failed session's source directory still present (err=%v)", err)
	}

	// The record keeps its original failure class.
	session, err := h.sessions.Get(ctx, "failed-stale")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if session.Status != models.StatusFailed || session.LastError != ErrorClassTranscode {
		t.Fatalf("failed session relabeled: %+v", session)
	}

	// Nothing left on disk, so the next sweep has nothing to count.
	reclaimed, err = h.reclaimer.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("second sweep reclaimed = %d, want 0", reclaimed)
	}
}

func TestReclaimerSkipsCompletedAndFreshSessions(t *testing.T) {
	current := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	h := newReclaimHarness(t, func() time.Time { return current })
	ctx := context.Background()

	seedSession(t, h.sessions, "done", models.StatusCompleted, current)

	current = current.Add(48 * time.Hour)
	seedSession(t, h.sessions, "broken-fresh", models.StatusFailed, current)
	if _, err := h.chunks.WriteChunk("broken-fresh", 0, strings.NewReader("x")); err != nil {
		t.Fatalf("chunk: %v", err)
	}

	reclaimed, err := h.reclaimer.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("reclaimed = %d, want 0", reclaimed)
	}

	done, _ := h.sessions.Get(ctx, "done")
	if done.Status != models.StatusCompleted {
		t.Fatalf("completed session modified: %+v", done)
	}
	left, _ := h.chunks.ListChunks("broken-fresh")
	if len(left) != 1 {
		t.Fatalf("fresh failed session's chunks removed early: %v", left)
	}
}

func TestReclaimerMakesLateChunksReject(t *testing.T) {
	current := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	h := newReclaimHarness(t, func() time.Time { return current })
	ctx := context.Background()

	seedSession(t, h.sessions, "stale", models.StatusUploading, current)
	current = current.Add(24 * time.Hour)
	if _, err := h.reclaimer.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	session, err := h.sessions.Get(ctx, "stale")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !session.Status.Terminal() {
		t.Fatalf("reclaimed session not terminal: %+v", session)
	}
}

func TestReclaimerEmptyStore(t *testing.T) {
	h := newReclaimHarness(t, time.Now)
	reclaimed, err := h.reclaimer.Sweep(context.Background())
	if err != nil || reclaimed != 0 {
		t.Fatalf("sweep on empty store: reclaimed=%d err=%v", reclaimed, err)
	}
}

func TestReclaimerStopsOnCancelledContext(t *testing.T) {
	current := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	h := newReclaimHarness(t, func() time.Time { return current })

	seedSession(t, h.sessions, "stale", models.StatusUploading, current)
	current = current.Add(24 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.reclaimer.Sweep(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
