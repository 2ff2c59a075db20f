// SPDX-License-Identifier: MIT

package module

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/viznet/camerad/internal/api"
	"github.com/viznet/camerad/internal/convert"
	"github.com/viznet/camerad/internal/stream"
)

// APIRoutes returns the public route descriptors for the transport layer.
func (m *Module) APIRoutes() []api.Route {
	return []api.Route{
		{Method: http.MethodGet, Path: "/cameras", Handler: m.handleCameras},
		{Method: http.MethodGet, Path: "/cameras/{name}/stream", Handler: m.handleLiveStream},
		{Method: http.MethodPost, Path: "/cameras/{name}/start-stream", Handler: m.handleStartStream, Mutating: true},
		{Method: http.MethodPost, Path: "/cameras/{name}/stop-stream", Handler: m.handleStopStream, Mutating: true},
		{Method: http.MethodPost, Path: "/cameras/{name}/start-recording", Handler: m.handleStartRecording, Mutating: true},
		{Method: http.MethodPost, Path: "/cameras/{name}/stop-recording", Handler: m.handleStopRecording, Mutating: true},
		{Method: http.MethodGet, Path: "/videos/", Handler: m.handleListVideos},
		{Method: http.MethodGet, Path: "/videos/{fileID}", Handler: m.handleVideoInfo},
		{Method: http.MethodGet, Path: "/videos/{fileID}/stream", Handler: m.handleVideoStream},
		{Method: http.MethodGet, Path: "/system/status", Handler: m.handleSystemStatus},
	}
}

// AdminRoutes returns the management route descriptors.
func (m *Module) AdminRoutes() []api.Route {
	return []api.Route{
		{Method: http.MethodPost, Path: "/admin/library/refresh", Handler: m.handleRefresh, Mutating: true},
		{Method: http.MethodGet, Path: "/admin/cache", Handler: m.handleCacheStats},
	}
}

// handleCameras serves the camera inventory keyed by name, so clients can
// address a camera without scanning a list.
func (m *Module) handleCameras(w http.ResponseWriter, _ *http.Request) {
	byName := make(map[string]CameraStatus)
	for _, cs := range m.Status().Cameras {
		byName[cs.Name] = cs
	}
	api.WriteJSON(w, http.StatusOK, byName)
}

func (m *Module) handleStartStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := m.mux.StartStream(name); err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{
		"camera": name,
		"url":    "/cameras/" + name + "/stream",
	})
}

func (m *Module) handleStopStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := m.mux.StopStream(name); err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"camera": name, "status": "stopped"})
}

// handleLiveStream attaches the connection to the camera's multipart stream
// and blocks until the client disconnects or the stream is stopped.
func (m *Module) handleLiveStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	if err := m.mux.Attach(r.Context(), name, w); err != nil {
		// Headers may already be on the wire; only pre-stream failures
		// can still produce a proper status.
		api.WriteError(w, err)
	}
}

type recordRequest struct {
	Filename  string `json:"filename"`
	Overwrite bool   `json:"overwrite"`
}

func (m *Module) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req recordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Filename == "" {
		api.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "filename required"})
		return
	}
	if err := m.rec.Start(name, req.Filename, req.Overwrite); err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{
		"camera":   name,
		"filename": req.Filename,
		"status":   "recording",
	})
}

func (m *Module) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := m.rec.Stop(r.Context(), name); err != nil {
		api.WriteError(w, err)
		return
	}
	st, _ := m.rec.Status(name)
	api.WriteJSON(w, http.StatusOK, st)
}

func (m *Module) handleListVideos(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	items, total := m.lib.Videos(limit, offset)
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"total_count": total,
		"items":       items,
	})
}

func (m *Module) handleVideoInfo(w http.ResponseWriter, r *http.Request) {
	info, err := m.str.VideoInfo(chi.URLParam(r, "fileID"))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, info)
}

// handleVideoStream serves the playable rendition of a recording. Files not
// already in a streamable format are converted on demand; while a conversion
// is still running past the wait window the client gets 202 with Retry-After
// and is expected to poll.
func (m *Module) handleVideoStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "fileID")

	ctx, cancel := context.WithTimeout(r.Context(), convert.RetryAfter)
	defer cancel()

	h, err := m.str.RequestStream(ctx, id)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	defer h.Release()

	f, err := os.Open(h.Path)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		api.WriteError(w, err)
		return
	}
	// ServeContent handles Range and If-Modified-Since; the cache pin held
	// by the handle keeps eviction away until the response completes.
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

func (m *Module) handleSystemStatus(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, m.Status())
}

func (m *Module) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := m.lib.Refresh(r.Context()); err != nil {
		api.WriteError(w, err)
		return
	}
	_, total := m.lib.Videos(0, 0)
	m.lg.Info().Int("videos", total).Msg("manual catalog refresh")
	api.WriteJSON(w, http.StatusOK, map[string]int{"total_count": total})
}

func (m *Module) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	stats, active := m.str.Stats()
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"cache":              stats,
		"active_conversions": active,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
