package catalog

import (
	"context"
	"testing"

	"vodforge/internal/models"
)

func TestMemoryMergesFields(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.SetPlaylists(ctx, "vid-1", models.PlaylistURLs{VOD: "https://cdn/vod/index.m3u8"}); err != nil {
		t.Fatalf("set vod: %v", err)
	}
	if err := store.SetPlaylists(ctx, "vid-1", models.PlaylistURLs{Live: "https://cdn/live/index.m3u8"}); err != nil {
		t.Fatalf("set live: %v", err)
	}

	playlists, ok, err := store.GetPlaylists(ctx, "vid-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if playlists.VOD != "https://cdn/vod/index.m3u8" {
		t.Fatalf("vod url lost: %+v", playlists)
	}
	if playlists.Live != "https://cdn/live/index.m3u8" {
		t.Fatalf("live url missing: %+v", playlists)
	}
}

func TestMemoryEmptyFieldsDoNotClobber(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_ = store.SetPlaylists(ctx, "vid-1", models.PlaylistURLs{VOD: "a", Live: "b"})
	_ = store.SetPlaylists(ctx, "vid-1", models.PlaylistURLs{})

	playlists, _, _ := store.GetPlaylists(ctx, "vid-1")
	if playlists.VOD != "a" || playlists.Live != "b" {
		t.Fatalf("empty update clobbered record: %+v", playlists)
	}
}

func TestMemoryUnknownVideo(t *testing.T) {
	store := NewMemory()
	if _, ok, err := store.GetPlaylists(context.Background(), "nope"); ok || err != nil {
		t.Fatalf("unknown video: ok=%v err=%v", ok, err)
	}
}

func TestMemoryRequiresVideoID(t *testing.T) {
	store := NewMemory()
	if err := store.SetPlaylists(context.Background(), " ", models.PlaylistURLs{VOD: "a"}); err == nil {
		t.Fatal("blank video id accepted")
	}
}
