package handlers

import (
	"bytes"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ghoststream/ghoststream/internal/engine"
	"github.com/ghoststream/ghoststream/internal/jobs"
	"github.com/ghoststream/ghoststream/internal/observability"
)

const (
	// playlistWaitTimeout bounds how long a playlist fetch blocks waiting
	// for the encoder to produce the first playlist of a live job.
	playlistWaitTimeout = 30 * time.Second
	playlistWaitTick    = 500 * time.Millisecond

	endListTag = "#EXT-X-ENDLIST"
)

// StreamHandler serves job artifacts: playlists, segments, and batch
// downloads. These are raw routes, not typed API operations, because they
// stream file bytes and support range requests.
type StreamHandler struct {
	logger  *slog.Logger
	manager *jobs.Manager
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(logger *slog.Logger, manager *jobs.Manager) *StreamHandler {
	return &StreamHandler{
		logger:  observability.WithComponent(logger, "stream"),
		manager: manager,
	}
}

// Register registers the artifact routes with the router.
func (h *StreamHandler) Register(router *chi.Mux) {
	router.Get("/stream/{id}/{filename}", h.Stream)
	router.Get("/download/{id}", h.Download)
}

// Stream serves a playlist or segment of a streaming job. Playlists of a
// still-processing job get the end-list marker injected so naive players
// treat the partial output as complete and seekable; ready playlists are
// served untouched.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	filename := chi.URLParam(r, "filename")
	if !safeArtifactName(filename) {
		http.Error(w, "invalid artifact name", http.StatusBadRequest)
		return
	}

	art, ok := h.manager.Artifact(id)
	if !ok || !art.Streaming || art.Reclaimed {
		http.NotFound(w, r)
		return
	}
	switch art.State {
	case jobs.StateProcessing, jobs.StateReady:
	default:
		http.NotFound(w, r)
		return
	}

	h.manager.Touch(id)
	target := filepath.Join(art.Dir, filename)

	if strings.HasSuffix(filename, ".m3u8") {
		h.servePlaylist(w, r, id, target, art.State)
		return
	}

	w.Header().Set("Content-Type", "video/mp2t")
	http.ServeFile(w, r, target)
}

// servePlaylist waits for the playlist to appear on a live job, then
// serves it, injecting the end-list marker while the job is processing.
func (h *StreamHandler) servePlaylist(w http.ResponseWriter, r *http.Request, id, target string, state jobs.State) {
	if state == jobs.StateProcessing {
		if !h.waitForFile(r, target) {
			http.Error(w, "playlist not yet available", http.StatusNotFound)
			return
		}
		// Re-read the state: the job may have finished while we waited.
		if art, ok := h.manager.Artifact(id); ok {
			state = art.State
		}
	}

	text, err := os.ReadFile(target)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if state == jobs.StateProcessing {
		text = injectEndList(text)
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write(text); err != nil {
		h.logger.Debug("playlist write aborted", slog.String("job_id", id), observability.WithError(err))
	}
}

// Download serves the completed file of a batch job.
func (h *StreamHandler) Download(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	art, ok := h.manager.Artifact(id)
	if !ok || art.Streaming || art.Reclaimed {
		http.NotFound(w, r)
		return
	}
	if art.State != jobs.StateReady {
		http.Error(w, "job output is not ready", http.StatusConflict)
		return
	}

	h.manager.Touch(id)
	target := engine.BatchOutputPath(art.Dir, art.Container)

	w.Header().Set("Content-Disposition", "attachment; filename="+path.Base(target))
	http.ServeFile(w, r, target)
}

// waitForFile polls until the file exists, the client goes away, or the
// wait deadline passes.
func (h *StreamHandler) waitForFile(r *http.Request, target string) bool {
	deadline := time.Now().Add(playlistWaitTimeout)
	for {
		if info, err := os.Stat(target); err == nil && info.Size() > 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-r.Context().Done():
			return false
		case <-time.After(playlistWaitTick):
		}
	}
}

// injectEndList appends the end-list marker unless it is already present.
// Idempotent at the text level.
func injectEndList(text []byte) []byte {
	if bytes.Contains(text, []byte(endListTag)) {
		return text
	}
	if len(text) > 0 && text[len(text)-1] != '\n' {
		text = append(text, '\n')
	}
	return append(text, []byte(endListTag+"\n")...)
}

// safeArtifactName permits only flat playlist and segment names.
func safeArtifactName(name string) bool {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return false
	}
	return strings.HasSuffix(name, ".m3u8") || strings.HasSuffix(name, ".ts")
}
