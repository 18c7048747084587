package models

import (
	"fmt"
	"time"
)

// SessionStatus tracks an upload session through its lifecycle. Progression is
// monotonic: pending -> uploading -> assembling -> transcoding -> completed,
// with failed reachable from any non-terminal state.
type SessionStatus string

const (
	StatusPending     SessionStatus = "pending"
	StatusUploading   SessionStatus = "uploading"
	StatusAssembling  SessionStatus = "assembling"
	StatusTranscoding SessionStatus = "transcoding"
	StatusCompleted   SessionStatus = "completed"
	StatusFailed      SessionStatus = "failed"
)

var statusRank = map[SessionStatus]int{
	StatusPending:     0,
	StatusUploading:   1,
	StatusAssembling:  2,
	StatusTranscoding: 3,
	StatusCompleted:   4,
}

// Valid reports whether the status is one of the known lifecycle states.
func (s SessionStatus) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether the session accepts no further work.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanAdvance reports whether a transition from s to next is legal.
func (s SessionStatus) CanAdvance(next SessionStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// TranscodeTargets selects which playlist flavours a transcode run produces.
// Both may be requested; callers must not assume exactly one is present on
// the resulting output.
type TranscodeTargets struct {
	VOD  bool `json:"vod"`
	Live bool `json:"live"`
}

// PlaylistURLs carries the VOD and live playlist locations as two independent
// optional fields. Either or both may be populated by a transcode run.
type PlaylistURLs struct {
	VOD  string `json:"hlsVodUrl,omitempty"`
	Live string `json:"hlsLiveUrl,omitempty"`
}

// UploadSession is the session-store record for one chunked upload. It is the
// single source of truth for the upload's lifecycle; chunk and media bytes
// live on the filesystem, referenced by path convention derived from ID.
// Timestamps are epoch milliseconds.
type UploadSession struct {
	ID             string           `json:"id"`
	VideoID        string           `json:"videoId,omitempty"`
	Filename       string           `json:"filename,omitempty"`
	Status         SessionStatus    `json:"status"`
	ExpectedChunks int              `json:"expectedChunks"`
	ReceivedChunks int              `json:"receivedChunks"`
	Targets        TranscodeTargets `json:"targets"`
	Playlists      PlaylistURLs     `json:"playlists,omitempty"`
	TokenHash      string           `json:"tokenHash,omitempty"`
	LastError      string           `json:"lastError,omitempty"`
	CreatedAt      int64            `json:"createdAt"`
	UpdatedAt      int64            `json:"updatedAt"`
}

// Complete reports whether every declared chunk has been received.
func (s UploadSession) Complete() bool {
	return s.ExpectedChunks > 0 && s.ReceivedChunks >= s.ExpectedChunks
}

// Touch refreshes the record's updated timestamp.
func (s *UploadSession) Touch(now time.Time) {
	s.UpdatedAt = EpochMillis(now)
}

// UpdatedAtTime converts the epoch-millisecond timestamp back to time.Time.
func (s UploadSession) UpdatedAtTime() time.Time {
	return time.UnixMilli(s.UpdatedAt)
}

// Validate rejects malformed records before they reach the session store.
func (s UploadSession) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("unknown session status %q", s.Status)
	}
	if s.ExpectedChunks <= 0 {
		return fmt.Errorf("expected chunk count must be positive")
	}
	if s.ReceivedChunks < 0 {
		return fmt.Errorf("received chunk count must not be negative")
	}
	return nil
}

// EpochMillis renders a time as epoch milliseconds in UTC.
func EpochMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}
