package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vodforge/internal/models"
)

const playlistSchema = `
CREATE TABLE IF NOT EXISTS video_playlists (
    video_id     TEXT PRIMARY KEY,
    hls_vod_url  TEXT,
    hls_live_url TEXT,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)
`

// Postgres stores playlist locations in a video_playlists table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a connection pool from dsn and ensures the playlist
// table exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("catalog dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse catalog config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open catalog pool: %w", err)
	}
	if _, err := pool.Exec(ctx, playlistSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure video_playlists table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
}

// SetPlaylists upserts the playlist record, keeping existing URLs when the
// incoming field is empty.
func (p *Postgres) SetPlaylists(ctx context.Context, videoID string, playlists models.PlaylistURLs) error {
	if videoID == "" {
		return fmt.Errorf("video id is required")
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO video_playlists (video_id, hls_vod_url, hls_live_url, updated_at)
VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), now())
ON CONFLICT (video_id) DO UPDATE SET
    hls_vod_url  = COALESCE(NULLIF(EXCLUDED.hls_vod_url, ''), video_playlists.hls_vod_url),
    hls_live_url = COALESCE(NULLIF(EXCLUDED.hls_live_url, ''), video_playlists.hls_live_url),
    updated_at   = now()
`, videoID, playlists.VOD, playlists.Live)
	if err != nil {
		return fmt.Errorf("upsert playlists for %s: %w", videoID, err)
	}
	return nil
}

// GetPlaylists fetches the playlist record for a video.
func (p *Postgres) GetPlaylists(ctx context.Context, videoID string) (models.PlaylistURLs, bool, error) {
	row := p.pool.QueryRow(ctx, `
SELECT COALESCE(hls_vod_url, ''), COALESCE(hls_live_url, '')
FROM video_playlists
WHERE video_id = $1
`, videoID)
	var playlists models.PlaylistURLs
	if err := row.Scan(&playlists.VOD, &playlists.Live); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PlaylistURLs{}, false, nil
		}
		return models.PlaylistURLs{}, false, fmt.Errorf("load playlists for %s: %w", videoID, err)
	}
	return playlists, true, nil
}
