package upload

import (
	"errors"
	"fmt"

	"vodforge/internal/transcode"
)

var (
	// ErrSessionNotFound reports a continuation request for a session the
	// store no longer holds (expired, evicted, or never created).
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrSessionTerminal reports a chunk or lifecycle request against a
	// session that already completed or failed. Late chunks are rejected,
	// never silently applied.
	ErrSessionTerminal = errors.New("upload session is in a terminal state")
)

// PathError reports a caller-supplied identifier or ordinal that would
// escape the session's designated directory.
type PathError struct {
	Value string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("unsafe path component %q", e.Value)
}

// AssemblyError reports a chunk set that cannot be merged: a gap in the
// ordinals, an unreadable chunk file, or a failed append.
type AssemblyError struct {
	SessionID string
	Reason    string
	Err       error
}

func (e *AssemblyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("assemble session %s: %s: %v", e.SessionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("assemble session %s: %s", e.SessionID, e.Reason)
}

func (e *AssemblyError) Unwrap() error {
	return e.Err
}

// CatalogError reports a failed playlist commit against the catalog.
type CatalogError struct {
	VideoID string
	Err     error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("commit playlists for %s: %v", e.VideoID, e.Err)
}

func (e *CatalogError) Unwrap() error {
	return e.Err
}

// Error classes surfaced on failed sessions so status queries can report what
// went wrong without exposing internal error text.
const (
	ErrorClassPath      = "path"
	ErrorClassIO        = "io"
	ErrorClassAssembly  = "assembly"
	ErrorClassTranscode = "transcode"
	ErrorClassCatalog   = "catalog"
	ErrorClassReclaimed = "reclaimed"
)

// Classify maps an error to its reportable class.
func Classify(err error) string {
	var pathErr *PathError
	if errors.As(err, &pathErr) {
		return ErrorClassPath
	}
	var assemblyErr *AssemblyError
	if errors.As(err, &assemblyErr) {
		return ErrorClassAssembly
	}
	var transcodeErr *transcode.Error
	if errors.As(err, &transcodeErr) {
		return ErrorClassTranscode
	}
	var catalogErr *CatalogError
	if errors.As(err, &catalogErr) {
		return ErrorClassCatalog
	}
	return ErrorClassIO
}
