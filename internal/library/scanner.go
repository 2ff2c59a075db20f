// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/viznet/camerad/internal/log"
)

// allowedExt lists container formats the scanner catalogs.
var allowedExt = map[string]string{
	".avi": "avi",
	".mp4": "mp4",
	".mkv": "mkv",
}

// Scanner walks the storage root and builds the catalog entry set.
// Files still carrying a .partial suffix, sidecars and the conversion cache
// directory are skipped.
type Scanner struct {
	root string
}

// NewScanner creates a scanner for the given storage root.
func NewScanner(root string) *Scanner {
	return &Scanner{root: root}
}

// sidecar mirrors the recorder's per-file metadata JSON.
type sidecar struct {
	Camera          string  `json:"camera"`
	Frames          uint64  `json:"frames"`
	FPS             int     `json:"fps"`
	DurationSeconds float64 `json:"duration_seconds"`
	Format          string  `json:"format"`
}

// Scan returns the complete set of finished recordings, ordered created-at
// descending with id as tie-break, so two scans over an unchanged tree are
// byte-identical.
func (sc *Scanner) Scan(ctx context.Context) ([]VideoFile, error) {
	lg := log.WithComponent("library")
	var videos []VideoFile

	err := filepath.WalkDir(sc.root, func(path string, d fs.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if walkErr != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			// The conversion cache is not part of the library.
			if d.Name() == ".cache" && path != sc.root {
				return fs.SkipDir
			}
			return nil
		}

		name := d.Name()
		if strings.HasSuffix(name, ".partial") {
			return nil
		}
		format, ok := allowedExt[strings.ToLower(filepath.Ext(name))]
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() == 0 {
			return nil
		}

		rel, err := filepath.Rel(sc.root, path)
		if err != nil {
			return nil
		}

		v := VideoFile{
			ID:        FileID(rel),
			Camera:    cameraFromRel(rel),
			Filename:  name,
			Path:      path,
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime().UTC(),
			Format:    format,
		}
		applySidecar(path, &v)
		videos = append(videos, v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(videos, func(i, j int) bool {
		if !videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].CreatedAt.After(videos[j].CreatedAt)
		}
		return videos[i].ID < videos[j].ID
	})

	lg.Debug().Int("videos", len(videos)).Msg("storage scan complete")
	return videos, nil
}

// cameraFromRel takes the first path component as the camera name; files
// directly under the root belong to no camera.
func cameraFromRel(rel string) string {
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	if len(parts) == 2 {
		return parts[0]
	}
	return ""
}

// applySidecar enriches the entry from the recorder's metadata JSON when
// present; stat-derived values remain otherwise.
func applySidecar(path string, v *VideoFile) {
	raw, err := os.ReadFile(path + ".json")
	if err != nil {
		return
	}
	var meta sidecar
	if err := json.Unmarshal(raw, &meta); err != nil {
		return
	}
	if meta.Camera != "" {
		v.Camera = meta.Camera
	}
	if meta.DurationSeconds > 0 {
		v.DurationSeconds = meta.DurationSeconds
	}
}
