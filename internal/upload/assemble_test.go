package upload

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func TestAssemblerMergesInOrder(t *testing.T) {
	store := newTestChunkStore(t)
	assembler := NewAssembler(store, discardLogger())

	// Written out of order on purpose; 10 would sort before 2 lexically.
	parts := map[int]string{0: "aa", 1: "bb", 2: "cc", 10: "kk"}
	for ordinal := 0; ordinal < 11; ordinal++ {
		body, ok := parts[ordinal]
		if !ok {
			body = fmt.Sprintf("p%d", ordinal)
			parts[ordinal] = body
		}
	}
	for _, ordinal := range []int{10, 2, 0, 5, 1, 3, 4, 8, 6, 9, 7} {
		if _, err := store.WriteChunk("session-a", ordinal, strings.NewReader(parts[ordinal])); err != nil {
			t.Fatalf("write %d: %v", ordinal, err)
		}
	}

	dst := filepath.Join(t.TempDir(), "media", "source.bin")
	if err := assembler.Assemble("session-a", 11, dst); err != nil {
		t.Fatalf("assemble: %v", err)
	}

	merged, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var want strings.Builder
	for ordinal := 0; ordinal < 11; ordinal++ {
		want.WriteString(parts[ordinal])
	}
	if string(merged) != want.String() {
		t.Fatalf("merged = %q, want %q", merged, want.String())
	}

	chunks, err := store.ListChunks("session-a")
	if err != nil {
		t.Fatalf("list after assemble: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("chunks remain after assembly: %v", chunks)
	}
}

func TestAssemblerRejectsGap(t *testing.T) {
	store := newTestChunkStore(t)
	assembler := NewAssembler(store, discardLogger())

	for _, ordinal := range []int{0, 1, 3} {
		if _, err := store.WriteChunk("session-a", ordinal, strings.NewReader("x")); err != nil {
			t.Fatalf("write %d: %v", ordinal, err)
		}
	}

	dst := filepath.Join(t.TempDir(), "source.bin")
	err := assembler.Assemble("session-a", 4, dst)
	var assemblyErr *AssemblyError
	if !errors.As(err, &assemblyErr) {
		t.Fatalf("err = %v, want AssemblyError", err)
	}
	if !strings.Contains(assemblyErr.Reason, "have 3 chunks") {
		t.Fatalf("reason = %q, want chunk count mismatch", assemblyErr.Reason)
	}

	// Chunks must survive a failed assembly so the client can backfill.
	chunks, listErr := store.ListChunks("session-a")
	if listErr != nil {
		t.Fatalf("list: %v", listErr)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunks after failure = %d, want 3", len(chunks))
	}
}

func TestAssemblerRejectsMissingOrdinalWithFullCount(t *testing.T) {
	store := newTestChunkStore(t)
	assembler := NewAssembler(store, discardLogger())

	// Three chunks present but ordinal 1 is missing: 0, 2, 3.
	for _, ordinal := range []int{0, 2, 3} {
		if _, err := store.WriteChunk("session-a", ordinal, strings.NewReader("x")); err != nil {
			t.Fatalf("write %d: %v", ordinal, err)
		}
	}

	err := assembler.Assemble("session-a", 3, filepath.Join(t.TempDir(), "out.bin"))
	var assemblyErr *AssemblyError
	if !errors.As(err, &assemblyErr) {
		t.Fatalf("err = %v, want AssemblyError", err)
	}
	if !strings.Contains(assemblyErr.Reason, "missing chunk 1") {
		t.Fatalf("reason = %q, want missing chunk 1", assemblyErr.Reason)
	}
}

func TestAssemblerEmptySession(t *testing.T) {
	store := newTestChunkStore(t)
	assembler := NewAssembler(store, discardLogger())

	err := assembler.Assemble("session-a", 1, filepath.Join(t.TempDir(), "out.bin"))
	var assemblyErr *AssemblyError
	if !errors.As(err, &assemblyErr) {
		t.Fatalf("err = %v, want AssemblyError", err)
	}
}
