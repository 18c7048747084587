package upload

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const chunkSuffix = ".chunk"

// ChunkStore persists raw chunk bytes under a per-session directory. Chunk
// files are named by ordinal so the assembler can reconstruct order from the
// filesystem alone.
type ChunkStore struct {
	root string
}

// NewChunkStore roots a chunk store at dir, creating it if needed.
func NewChunkStore(dir string) (*ChunkStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("chunk store root is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve chunk root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk root: %w", err)
	}
	return &ChunkStore{root: abs}, nil
}

// Root returns the absolute directory holding all session chunk directories.
func (c *ChunkStore) Root() string {
	return c.root
}

// sanitizeComponent rejects identifiers that would escape the store root when
// joined into a path. Session ids are server-minted UUIDs, so anything with
// separators or dot traversal is hostile input.
func sanitizeComponent(value string) error {
	if value == "" {
		return &PathError{Value: value}
	}
	if value == "." || value == ".." {
		return &PathError{Value: value}
	}
	if strings.ContainsAny(value, `/\`) {
		return &PathError{Value: value}
	}
	if strings.Contains(value, "..") {
		return &PathError{Value: value}
	}
	return nil
}

// SessionDir returns the directory holding a session's chunks.
func (c *ChunkStore) SessionDir(sessionID string) (string, error) {
	if err := sanitizeComponent(sessionID); err != nil {
		return "", err
	}
	return filepath.Join(c.root, sessionID), nil
}

func chunkFileName(ordinal int) string {
	return strconv.Itoa(ordinal) + chunkSuffix
}

func parseChunkOrdinal(name string) (int, bool) {
	base := strings.TrimSuffix(name, chunkSuffix)
	if base == name {
		return 0, false
	}
	ordinal, err := strconv.Atoi(base)
	if err != nil || ordinal < 0 {
		return 0, false
	}
	return ordinal, true
}

// WriteChunk persists one chunk, replacing any prior bytes for the same
// ordinal. It reports created=false when the ordinal already had a chunk so
// callers can keep received counts idempotent under retries. The write goes
// through a temp file and rename so a crash never leaves a torn chunk behind.
func (c *ChunkStore) WriteChunk(sessionID string, ordinal int, data io.Reader) (created bool, err error) {
	if ordinal < 0 {
		return false, &PathError{Value: strconv.Itoa(ordinal)}
	}
	dir, err := c.SessionDir(sessionID)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create session dir: %w", err)
	}

	target := filepath.Join(dir, chunkFileName(ordinal))
	_, statErr := os.Stat(target)
	created = os.IsNotExist(statErr)

	tmp, err := os.CreateTemp(dir, "chunk-*")
	if err != nil {
		return false, fmt.Errorf("create chunk temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return false, fmt.Errorf("write chunk %d: %w", ordinal, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return false, fmt.Errorf("close chunk %d: %w", ordinal, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return false, fmt.Errorf("commit chunk %d: %w", ordinal, err)
	}
	return created, nil
}

// ChunkRef identifies one stored chunk file.
type ChunkRef struct {
	Ordinal int
	Path    string
}

// ListChunks returns a session's chunk files sorted by numeric ordinal.
// Lexical order would interleave 10 before 2, so sorting happens on the
// parsed ordinal. Files that do not follow the chunk naming convention are
// ignored.
func (c *ChunkStore) ListChunks(sessionID string) ([]ChunkRef, error) {
	dir, err := c.SessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list chunks for %s: %w", sessionID, err)
	}
	chunks := make([]ChunkRef, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ordinal, ok := parseChunkOrdinal(entry.Name())
		if !ok {
			continue
		}
		chunks = append(chunks, ChunkRef{Ordinal: ordinal, Path: filepath.Join(dir, entry.Name())})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Ordinal < chunks[j].Ordinal })
	return chunks, nil
}

// RemoveSession deletes a session's chunk directory and everything in it.
// Removing an absent directory is not an error.
func (c *ChunkStore) RemoveSession(sessionID string) error {
	dir, err := c.SessionDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session dir %s: %w", sessionID, err)
	}
	return nil
}
