// Package catalog records where a video's published playlists live. The
// catalog is the read side for playback: once an upload completes, players
// resolve a video id here rather than through the upload session.
package catalog

import (
	"context"

	"vodforge/internal/models"
)

// Store persists the playlist locations for videos. Committing a playlist
// set merges field by field: a later live-only run must not wipe an earlier
// VOD URL.
type Store interface {
	SetPlaylists(ctx context.Context, videoID string, playlists models.PlaylistURLs) error
	GetPlaylists(ctx context.Context, videoID string) (models.PlaylistURLs, bool, error)
}
