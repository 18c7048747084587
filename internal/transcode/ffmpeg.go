// Package transcode turns an assembled upload into HLS playlists by driving
// an external ffmpeg binary. Streams are copied, not re-encoded, so a run is
// bounded by disk throughput rather than CPU.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/semaphore"
)

const (
	defaultSegmentSeconds = 4
	defaultLiveWindow     = 6
	playlistName          = "index.m3u8"
)

// Targets selects which playlist flavours a run produces. At least one must
// be set.
type Targets struct {
	VOD  bool
	Live bool
}

// Output reports where a run placed its playlists, relative to the output
// directory passed to Transcode.
type Output struct {
	VODPlaylist  string
	LivePlaylist string
}

// Error wraps an ffmpeg failure together with the tail of its stderr, which
// is where ffmpeg reports what actually went wrong.
type Error struct {
	Output string
	Err    error
}

func (e *Error) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("ffmpeg failed: %v: %s", e.Err, e.Output)
	}
	return fmt.Sprintf("ffmpeg failed: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// runner abstracts process execution so tests can capture the argument list
// without spawning ffmpeg.
type runner interface {
	Run(ctx context.Context, bin string, args []string) error
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, bin string, args []string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &Error{Output: tail(stderr.String(), 2048), Err: err}
	}
	return nil
}

func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}

// Config configures an FFmpeg transcoder.
type Config struct {
	// Binary is the ffmpeg executable; defaults to "ffmpeg" on PATH.
	Binary string
	// SegmentSeconds is the HLS segment duration.
	SegmentSeconds int
	// LiveWindow is how many segments a live playlist retains.
	LiveWindow int
	// MaxConcurrent bounds simultaneous ffmpeg processes; zero means one.
	MaxConcurrent int64
	Logger        *slog.Logger
}

// FFmpeg runs copy-codec HLS packaging jobs with a bounded concurrency.
type FFmpeg struct {
	bin            string
	segmentSeconds int
	liveWindow     int
	sem            *semaphore.Weighted
	run            runner
	logger         *slog.Logger
}

// New constructs an FFmpeg transcoder with defaults applied.
func New(cfg Config) *FFmpeg {
	bin := strings.TrimSpace(cfg.Binary)
	if bin == "" {
		bin = "ffmpeg"
	}
	segment := cfg.SegmentSeconds
	if segment <= 0 {
		segment = defaultSegmentSeconds
	}
	window := cfg.LiveWindow
	if window <= 0 {
		window = defaultLiveWindow
	}
	concurrent := cfg.MaxConcurrent
	if concurrent <= 0 {
		concurrent = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{
		bin:            bin,
		segmentSeconds: segment,
		liveWindow:     window,
		sem:            semaphore.NewWeighted(concurrent),
		run:            execRunner{},
		logger:         logger,
	}
}

// Transcode packages mediaPath into the requested playlist flavours under
// outputDir. Each requested flavour lands in its own subdirectory so a VOD
// and a live run over the same source never collide. The returned Output
// holds relative playlist paths for each flavour produced.
func (f *FFmpeg) Transcode(ctx context.Context, mediaPath, outputDir string, targets Targets) (Output, error) {
	if !targets.VOD && !targets.Live {
		return Output{}, fmt.Errorf("no transcode targets requested")
	}
	if strings.TrimSpace(mediaPath) == "" {
		return Output{}, fmt.Errorf("media path is required")
	}
	if strings.TrimSpace(outputDir) == "" {
		return Output{}, fmt.Errorf("output directory is required")
	}

	if err := f.sem.Acquire(ctx, 1); err != nil {
		return Output{}, fmt.Errorf("acquire transcode slot: %w", err)
	}
	defer f.sem.Release(1)

	var out Output
	if targets.VOD {
		playlist, err := f.runFlavour(ctx, mediaPath, outputDir, "vod")
		if err != nil {
			return Output{}, err
		}
		out.VODPlaylist = playlist
	}
	if targets.Live {
		playlist, err := f.runFlavour(ctx, mediaPath, outputDir, "live")
		if err != nil {
			return Output{}, err
		}
		out.LivePlaylist = playlist
	}
	return out, nil
}

func (f *FFmpeg) runFlavour(ctx context.Context, mediaPath, outputDir, flavour string) (string, error) {
	dir := filepath.Join(outputDir, flavour)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s output dir: %w", flavour, err)
	}
	args := f.buildArgs(mediaPath, dir, flavour)
	f.logger.Info("starting ffmpeg",
		"flavour", flavour,
		"input", mediaPath,
		"output", dir)
	if err := f.run.Run(ctx, f.bin, args); err != nil {
		return "", err
	}
	return filepath.Join(flavour, playlistName), nil
}

func (f *FFmpeg) buildArgs(input, dir, flavour string) []string {
	args := []string{
		"-y",
		"-i", input,
		"-c:v", "copy",
		"-c:a", "copy",
		"-f", "hls",
		"-hls_time", strconv.Itoa(f.segmentSeconds),
	}
	switch flavour {
	case "vod":
		// A VOD playlist keeps every segment and carries an ENDLIST marker.
		args = append(args, "-hls_playlist_type", "vod")
	case "live":
		args = append(args,
			"-hls_list_size", strconv.Itoa(f.liveWindow),
			"-hls_flags", "delete_segments+program_date_time",
		)
	}
	return append(args, filepath.ToSlash(filepath.Join(dir, playlistName)))
}
