package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"vodforge/internal/models"
)

// Memory is an in-process catalog for development and tests.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]models.PlaylistURLs
}

// NewMemory constructs an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]models.PlaylistURLs)}
}

// SetPlaylists merges the non-empty fields of playlists into the stored
// record for videoID.
func (m *Memory) SetPlaylists(_ context.Context, videoID string, playlists models.PlaylistURLs) error {
	if strings.TrimSpace(videoID) == "" {
		return fmt.Errorf("video id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.entries[videoID]
	if playlists.VOD != "" {
		current.VOD = playlists.VOD
	}
	if playlists.Live != "" {
		current.Live = playlists.Live
	}
	m.entries[videoID] = current
	return nil
}

// GetPlaylists returns the stored record for videoID.
func (m *Memory) GetPlaylists(_ context.Context, videoID string) (models.PlaylistURLs, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[videoID]
	return entry, ok, nil
}
