// SPDX-License-Identifier: MIT

// Package library catalogs finished recordings on storage and serves them
// through an immutable, atomically swapped snapshot.
package library

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound signals that a requested video does not exist in the catalog.
var ErrNotFound = errors.New("video not found")

// VideoFile is one cataloged finished recording. Entries are immutable once
// cataloged; a rescan produces new values rather than mutating old ones.
type VideoFile struct {
	ID              string    `json:"file_id"`
	Camera          string    `json:"camera_name"`
	Filename        string    `json:"filename"`
	Path            string    `json:"-"` // absolute path, not exposed
	SizeBytes       int64     `json:"file_size_bytes"`
	CreatedAt       time.Time `json:"created_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	Format          string    `json:"format"`
}

// FileID derives the stable catalog id from the storage-relative path, so
// repeated rescans assign identical ids.
func FileID(relPath string) string {
	sum := sha256.Sum256([]byte(relPath))
	return hex.EncodeToString(sum[:8])
}

// Catalog is a complete, consistent snapshot of the library. Readers obtain
// it through an atomic pointer and never observe a partial rescan.
type Catalog struct {
	byID    map[string]VideoFile
	ordered []VideoFile // created-at descending, id ascending on ties
}

// Len returns the number of cataloged videos.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.ordered)
}
