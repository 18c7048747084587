package upload

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"vodforge/internal/models"
	"vodforge/internal/objectstore"
	"vodforge/internal/transcode"
)

// localMediaPrefix is where the HTTP server exposes the on-disk output root.
const localMediaPrefix = "/media"

// Publisher moves finished HLS artifacts to object storage and resolves the
// playlist URLs recorded in the catalog. With storage disabled the artifacts
// stay on local disk and URLs point at the server's own media mount.
type Publisher struct {
	client objectstore.Client
	logger *slog.Logger
}

// NewPublisher constructs a publisher over the given storage client.
func NewPublisher(client objectstore.Client, logger *slog.Logger) *Publisher {
	if client == nil {
		client = objectstore.Disabled{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: client, logger: logger}
}

// Publish uploads every file under outputDir and returns the playlist URLs
// for the flavours the transcode produced. Object keys are rooted at
// videos/<videoID>/ so one video's artifacts stay together in the bucket.
func (p *Publisher) Publish(ctx context.Context, videoID, outputDir string, result transcode.Output) (models.PlaylistURLs, error) {
	if !p.client.Enabled() {
		return models.PlaylistURLs{
			VOD:  localURL(videoID, result.VODPlaylist),
			Live: localURL(videoID, result.LivePlaylist),
		}, nil
	}

	playlists := models.PlaylistURLs{}
	uploaded := 0
	err := filepath.WalkDir(outputDir, func(filePath string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(outputDir, filePath)
		if err != nil {
			return err
		}
		body, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("read artifact %s: %w", rel, err)
		}
		key := path.Join("videos", videoID, filepath.ToSlash(rel))
		ref, err := p.client.Upload(ctx, key, contentTypeFor(rel), body)
		if err != nil {
			return err
		}
		uploaded++
		switch filepath.ToSlash(rel) {
		case filepath.ToSlash(result.VODPlaylist):
			playlists.VOD = ref.URL
		case filepath.ToSlash(result.LivePlaylist):
			playlists.Live = ref.URL
		}
		return nil
	})
	if err != nil {
		return models.PlaylistURLs{}, fmt.Errorf("publish artifacts for %s: %w", videoID, err)
	}
	if result.VODPlaylist != "" && playlists.VOD == "" {
		return models.PlaylistURLs{}, fmt.Errorf("publish artifacts for %s: vod playlist missing from output", videoID)
	}
	if result.LivePlaylist != "" && playlists.Live == "" {
		return models.PlaylistURLs{}, fmt.Errorf("publish artifacts for %s: live playlist missing from output", videoID)
	}
	p.logger.Info("published upload artifacts",
		"video_id", videoID,
		"files", uploaded)
	return playlists, nil
}

func localURL(videoID, playlist string) string {
	if playlist == "" {
		return ""
	}
	return strings.Join([]string{localMediaPrefix, videoID, filepath.ToSlash(playlist)}, "/")
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".mp4", ".m4s":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
