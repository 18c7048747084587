package upload

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Assembler merges a session's chunk files into one media file. It streams
// chunk by chunk so memory use stays flat regardless of upload size.
type Assembler struct {
	chunks *ChunkStore
	logger *slog.Logger
}

// NewAssembler constructs an assembler over the given chunk store.
func NewAssembler(chunks *ChunkStore, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{chunks: chunks, logger: logger}
}

// Assemble concatenates the session's chunks in ordinal order into dst. The
// chunk set must be exactly 0..expected-1 with no gaps; anything else is an
// AssemblyError. On success the chunk directory is removed (best effort); on
// failure chunks and any partial output are left in place for inspection.
func (a *Assembler) Assemble(sessionID string, expected int, dst string) error {
	chunks, err := a.chunks.ListChunks(sessionID)
	if err != nil {
		return &AssemblyError{SessionID: sessionID, Reason: "list chunks", Err: err}
	}
	if len(chunks) != expected {
		return &AssemblyError{
			SessionID: sessionID,
			Reason:    fmt.Sprintf("have %d chunks, expected %d", len(chunks), expected),
		}
	}
	for i, chunk := range chunks {
		if chunk.Ordinal != i {
			return &AssemblyError{
				SessionID: sessionID,
				Reason:    fmt.Sprintf("missing chunk %d (found ordinal %d)", i, chunk.Ordinal),
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &AssemblyError{SessionID: sessionID, Reason: "create output dir", Err: err}
	}
	out, err := os.Create(dst)
	if err != nil {
		return &AssemblyError{SessionID: sessionID, Reason: "create output file", Err: err}
	}
	defer out.Close()

	var total int64
	for _, chunk := range chunks {
		n, err := appendChunk(out, chunk.Path)
		if err != nil {
			return &AssemblyError{
				SessionID: sessionID,
				Reason:    fmt.Sprintf("append chunk %d", chunk.Ordinal),
				Err:       err,
			}
		}
		total += n
	}
	if err := out.Close(); err != nil {
		return &AssemblyError{SessionID: sessionID, Reason: "flush output file", Err: err}
	}

	if err := a.chunks.RemoveSession(sessionID); err != nil {
		// The merged file is already durable; leaking chunk files costs disk,
		// not correctness.
		a.logger.Warn("failed to remove chunk directory after assembly",
			"session_id", sessionID,
			"error", err)
	}
	a.logger.Info("assembled upload",
		"session_id", sessionID,
		"chunks", expected,
		"bytes", total,
		"output", dst)
	return nil
}

func appendChunk(dst io.Writer, path string) (int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	return io.Copy(dst, src)
}
