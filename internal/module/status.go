// SPDX-License-Identifier: MIT

package module

import (
	"path/filepath"
	"time"

	"github.com/viznet/camerad/internal/recorder"
)

// CameraStatus is the per-camera slice of the system status.
type CameraStatus struct {
	Name           string `json:"name"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	FPS            int    `json:"fps"`
	Recording      bool   `json:"recording"`
	RecordingFile  string `json:"recording_file,omitempty"`
	Streaming      bool   `json:"streaming"`
	LiveViewers    int    `json:"live_viewers"`
	FramesReceived uint64 `json:"frames_received"`
	DecodeErrors   uint64 `json:"decode_errors"`
	ViewerDrops    uint64 `json:"viewer_drops"`
}

// SystemStatus is the aggregated health document served by the status
// endpoint.
type SystemStatus struct {
	UptimeSeconds  int64          `json:"uptime_seconds"`
	Cameras        []CameraStatus `json:"cameras"`
	LibraryVideos  int            `json:"library_videos"`
	CacheEntries   int            `json:"cache_entries"`
	CacheBytes     int64          `json:"cache_bytes"`
	ActiveConverts int64          `json:"active_conversions"`
}

// Status snapshots the whole module. Each subsystem is queried
// independently, so a busy recorder never blocks the status of the rest.
func (m *Module) Status() SystemStatus {
	st := SystemStatus{
		UptimeSeconds: int64(time.Since(m.started).Seconds()),
	}

	for _, cam := range m.cfg.Cameras {
		cs := CameraStatus{
			Name:   cam.Name,
			Width:  cam.Width,
			Height: cam.Height,
			FPS:    cam.FPS,
		}
		if bs, err := m.brk.Stats(cam.Name); err == nil {
			cs.FramesReceived = bs.FramesTotal
			cs.DecodeErrors = bs.DecodeErrors
			cs.ViewerDrops = bs.ViewerDrops
		}
		ms := m.mux.Status(cam.Name)
		cs.Streaming = ms.Streaming
		cs.LiveViewers = ms.Viewers
		if rs, ok := m.rec.Status(cam.Name); ok {
			cs.Recording = rs.State == recorder.StateRecording || rs.State == recorder.StateStarting
			if cs.Recording {
				cs.RecordingFile = filepath.Base(rs.Path)
			}
		}
		st.Cameras = append(st.Cameras, cs)
	}

	_, total := m.lib.Videos(0, 0)
	st.LibraryVideos = total

	cache, active := m.str.Stats()
	st.CacheEntries = cache.Entries
	st.CacheBytes = cache.Bytes
	st.ActiveConverts = active

	return st
}
