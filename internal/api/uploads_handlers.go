package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"vodforge/internal/models"
	"vodforge/internal/observability/logging"
	"vodforge/internal/upload"
)

type createSessionRequest struct {
	VideoID        string `json:"videoId"`
	Filename       string `json:"filename"`
	ExpectedChunks int    `json:"expectedChunks"`
	Targets        struct {
		VOD  bool `json:"vod"`
		Live bool `json:"live"`
	} `json:"targets"`
}

type sessionResponse struct {
	ID             string               `json:"id"`
	VideoID        string               `json:"videoId"`
	Filename       string               `json:"filename,omitempty"`
	Status         string               `json:"status"`
	ExpectedChunks int                  `json:"expectedChunks"`
	ReceivedChunks int                  `json:"receivedChunks"`
	Targets        models.TranscodeTargets `json:"targets"`
	Playlists      *models.PlaylistURLs `json:"playlists,omitempty"`
	LastError      string               `json:"lastError,omitempty"`
	CreatedAt      int64                `json:"createdAt"`
	UpdatedAt      int64                `json:"updatedAt"`
}

type createSessionResponse struct {
	sessionResponse
	// Token is the session's capability token, returned exactly once.
	Token string `json:"token"`
}

func newSessionResponse(session models.UploadSession) sessionResponse {
	resp := sessionResponse{
		ID:             session.ID,
		VideoID:        session.VideoID,
		Filename:       session.Filename,
		Status:         string(session.Status),
		ExpectedChunks: session.ExpectedChunks,
		ReceivedChunks: session.ReceivedChunks,
		Targets:        session.Targets,
		LastError:      session.LastError,
		CreatedAt:      session.CreatedAt,
		UpdatedAt:      session.UpdatedAt,
	}
	if session.Playlists.VOD != "" || session.Playlists.Live != "" {
		playlists := session.Playlists
		resp.Playlists = &playlists
	}
	return resp
}

// Uploads handles /api/uploads: POST creates a new session.
func (h *Handler) Uploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
		return
	}
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	session, token, err := h.Pipeline.CreateSession(r.Context(), upload.CreateSessionParams{
		VideoID:        req.VideoID,
		Filename:       req.Filename,
		ExpectedChunks: req.ExpectedChunks,
		Targets:        models.TranscodeTargets{VOD: req.Targets.VOD, Live: req.Targets.Live},
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{
		sessionResponse: newSessionResponse(session),
		Token:           token,
	})
}

// UploadByID handles /api/uploads/{id} and /api/uploads/{id}/chunks/{ordinal}.
func (h *Handler) UploadByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/uploads/")
	if rest == "" || rest == r.URL.Path {
		writeError(w, http.StatusNotFound, fmt.Errorf("upload session id missing"))
		return
	}
	parts := strings.Split(rest, "/")
	sessionID := strings.TrimSpace(parts[0])
	if sessionID == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("upload session id missing"))
		return
	}
	ctx := logging.ContextWithSessionID(r.Context(), sessionID)
	r = r.WithContext(ctx)

	if len(parts) == 3 && parts[1] == "chunks" {
		h.writeChunk(w, r, sessionID, parts[2])
		return
	}
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown upload resource"))
		return
	}

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
		return
	}
	session, err := h.Pipeline.Status(r.Context(), sessionID, bearerToken(r))
	if err != nil {
		h.writeUploadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(session))
}

func (h *Handler) writeChunk(w http.ResponseWriter, r *http.Request, sessionID, rawOrdinal string) {
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", "PUT")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
		return
	}
	ordinal, err := strconv.Atoi(strings.TrimSpace(rawOrdinal))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid chunk ordinal %q", rawOrdinal))
		return
	}
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("chunk body is required"))
		return
	}
	defer r.Body.Close()

	session, err := h.Pipeline.WriteChunk(r.Context(), sessionID, bearerToken(r), ordinal, r.Body)
	if err != nil {
		h.writeUploadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(session))
}

func (h *Handler) writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var pathErr *upload.PathError
	switch {
	case errors.Is(err, upload.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, upload.ErrSessionTerminal):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, upload.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, err)
	case errors.As(err, &pathErr):
		writeError(w, http.StatusBadRequest, err)
	default:
		logging.WithContext(r.Context(), h.Logger).Error("upload request failed", "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("internal error"))
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
