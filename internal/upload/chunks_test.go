package upload

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestChunkStore(t *testing.T) *ChunkStore {
	t.Helper()
	store, err := NewChunkStore(t.TempDir())
	if err != nil {
		t.Fatalf("new chunk store: %v", err)
	}
	return store
}

func TestChunkStoreWriteAndList(t *testing.T) {
	store := newTestChunkStore(t)

	for _, ordinal := range []int{2, 0, 10, 1} {
		created, err := store.WriteChunk("session-a", ordinal, strings.NewReader("chunk"))
		if err != nil {
			t.Fatalf("write %d: %v", ordinal, err)
		}
		if !created {
			t.Fatalf("first write of %d reported created=false", ordinal)
		}
	}

	chunks, err := store.ListChunks("session-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := make([]int, 0, len(chunks))
	for _, chunk := range chunks {
		got = append(got, chunk.Ordinal)
	}
	want := []int{0, 1, 2, 10}
	if len(got) != len(want) {
		t.Fatalf("ordinals = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ordinals = %v, want numeric order %v", got, want)
		}
	}
}

func TestChunkStoreRewriteIsIdempotent(t *testing.T) {
	store := newTestChunkStore(t)

	if created, err := store.WriteChunk("session-a", 0, strings.NewReader("first")); err != nil || !created {
		t.Fatalf("first write: created=%v err=%v", created, err)
	}
	created, err := store.WriteChunk("session-a", 0, strings.NewReader("retry"))
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if created {
		t.Fatal("rewrite reported created=true")
	}

	chunks, err := store.ListChunks("session-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunk count = %d, want 1", len(chunks))
	}
	data, err := os.ReadFile(chunks[0].Path)
	if err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	if string(data) != "retry" {
		t.Fatalf("chunk bytes = %q, want latest write", data)
	}
}

func TestChunkStoreRejectsTraversal(t *testing.T) {
	store := newTestChunkStore(t)

	hostile := []string{
		"../../etc/passwd",
		"..",
		".",
		"",
		`a\b`,
		"a/b",
		"has..dots",
	}
	for _, id := range hostile {
		var pathErr *PathError
		if _, err := store.WriteChunk(id, 0, strings.NewReader("x")); !errors.As(err, &pathErr) {
			t.Fatalf("WriteChunk(%q) err = %v, want PathError", id, err)
		}
		if _, err := store.ListChunks(id); !errors.As(err, &pathErr) {
			t.Fatalf("ListChunks(%q) err = %v, want PathError", id, err)
		}
	}

	var pathErr *PathError
	if _, err := store.WriteChunk("session-a", -1, strings.NewReader("x")); !errors.As(err, &pathErr) {
		t.Fatalf("negative ordinal err = %v, want PathError", err)
	}
}

func TestChunkStoreListIgnoresForeignFiles(t *testing.T) {
	store := newTestChunkStore(t)
	if _, err := store.WriteChunk("session-a", 0, strings.NewReader("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	dir, err := store.SessionDir("session-a")
	if err != nil {
		t.Fatalf("session dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write foreign file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "abc.chunk"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write bad ordinal file: %v", err)
	}

	chunks, err := store.ListChunks("session-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Ordinal != 0 {
		t.Fatalf("chunks = %v, want single ordinal 0", chunks)
	}
}

func TestChunkStoreRemoveSession(t *testing.T) {
	store := newTestChunkStore(t)
	if _, err := store.WriteChunk("session-a", 0, strings.NewReader("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.RemoveSession("session-a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	chunks, err := store.ListChunks("session-a")
	if err != nil {
		t.Fatalf("list after remove: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("chunks after remove = %v, want none", chunks)
	}

	if err := store.RemoveSession("session-a"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}
