// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	videos := []VideoFile{
		{
			ID:              FileID("cam0/b.avi"),
			Camera:          "cam0",
			Filename:        "b.avi",
			Path:            "/data/cam0/b.avi",
			SizeBytes:       2048,
			CreatedAt:       base.Add(time.Hour),
			DurationSeconds: 12.5,
			Format:          "avi",
		},
		{
			ID:        FileID("cam1/a.mp4"),
			Camera:    "cam1",
			Filename:  "a.mp4",
			Path:      "/data/cam1/a.mp4",
			SizeBytes: 1024,
			CreatedAt: base,
			Format:    "mp4",
		},
	}

	require.NoError(t, store.ReplaceAll(ctx, videos))

	loaded, err := store.LoadAll(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(videos, loaded); diff != "" {
		t.Errorf("persisted catalog differs (-want +got):\n%s", diff)
	}
}

func TestStore_ReplaceAllIsAtomicSwap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := []VideoFile{{
		ID: "one", Camera: "cam0", Filename: "one.avi", Path: "/d/one.avi",
		SizeBytes: 1, CreatedAt: time.Now().UTC().Truncate(time.Millisecond), Format: "avi",
	}}
	require.NoError(t, store.ReplaceAll(ctx, first))

	second := []VideoFile{{
		ID: "two", Camera: "cam0", Filename: "two.avi", Path: "/d/two.avi",
		SizeBytes: 2, CreatedAt: time.Now().UTC().Truncate(time.Millisecond), Format: "avi",
	}}
	require.NoError(t, store.ReplaceAll(ctx, second))

	loaded, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "two", loaded[0].ID)

	// Clearing the catalog is also a valid replacement.
	require.NoError(t, store.ReplaceAll(ctx, nil))
	loaded, err = store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestService_ServesPersistedCatalogOnStartup(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "catalog.db")
	ctx := context.Background()

	store, err := NewStore(dbPath)
	require.NoError(t, err)
	persisted := []VideoFile{{
		ID: "cached", Camera: "cam0", Filename: "old.avi", Path: filepath.Join(dir, "cam0/old.avi"),
		SizeBytes: 10, CreatedAt: time.Now().UTC().Truncate(time.Millisecond), Format: "avi",
	}}
	require.NoError(t, store.ReplaceAll(ctx, persisted))
	require.NoError(t, store.Close())

	// A fresh service over an empty storage tree serves the persisted
	// catalog until its first rescan.
	store2, err := NewStore(dbPath)
	require.NoError(t, err)
	svc := NewService(ctx, dir, store2)
	defer svc.Close()

	v, err := svc.Video("cached")
	require.NoError(t, err)
	assert.Equal(t, "old.avi", v.Filename)

	// The rescan is authoritative: the backing file never existed.
	require.NoError(t, svc.Refresh(ctx))
	_, err = svc.Video("cached")
	assert.ErrorIs(t, err, ErrNotFound)
}
