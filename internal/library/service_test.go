// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeRecording creates a fake finished recording with a deterministic
// modification time so scan ordering is stable.
func writeRecording(t *testing.T, root, rel string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("frame data"), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestScanner_Scan(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	writeRecording(t, root, "cam0/oldest.avi", base)
	writeRecording(t, root, "cam0/newest.avi", base.Add(2*time.Hour))
	writeRecording(t, root, "cam1/middle.mp4", base.Add(time.Hour))

	// None of these are catalog entries.
	writeRecording(t, root, "cam0/busy.avi.partial", base)
	writeRecording(t, root, "cam0/notes.txt", base)
	writeRecording(t, root, ".cache/converted.mp4", base)
	require.NoError(t, os.WriteFile(filepath.Join(root, "cam0", "empty.avi"), nil, 0o644))

	videos, err := NewScanner(root).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, videos, 3)

	assert.Equal(t, "newest.avi", videos[0].Filename)
	assert.Equal(t, "middle.mp4", videos[1].Filename)
	assert.Equal(t, "oldest.avi", videos[2].Filename)

	assert.Equal(t, "cam0", videos[0].Camera)
	assert.Equal(t, "cam1", videos[1].Camera)
	assert.Equal(t, FileID("cam0/newest.avi"), videos[0].ID)
	assert.Equal(t, "avi", videos[0].Format)
	assert.Equal(t, "mp4", videos[1].Format)
	assert.Equal(t, int64(len("frame data")), videos[0].SizeBytes)
}

func TestScanner_SidecarEnrichment(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	writeRecording(t, root, "cam0/run.avi", base)

	sidecar := `{"camera":"door-cam","frames":200,"fps":20,"duration_seconds":10,"format":"avi"}`
	require.NoError(t, os.WriteFile(filepath.Join(root, "cam0", "run.avi.json"), []byte(sidecar), 0o644))

	videos, err := NewScanner(root).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, "door-cam", videos[0].Camera)
	assert.Equal(t, 10.0, videos[0].DurationSeconds)
}

func TestScanner_IsDeterministic(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	// Identical mtimes force the id tie-break.
	writeRecording(t, root, "cam0/a.avi", base)
	writeRecording(t, root, "cam0/b.avi", base)
	writeRecording(t, root, "cam1/c.avi", base)

	sc := NewScanner(root)
	first, err := sc.Scan(context.Background())
	require.NoError(t, err)
	second, err := sc.Scan(context.Background())
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("repeated scans differ (-first +second):\n%s", diff)
	}
}

func TestService_RefreshAndLookup(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	writeRecording(t, root, "cam0/a.avi", base)
	writeRecording(t, root, "cam0/b.avi", base.Add(time.Minute))

	svc := NewService(context.Background(), root, nil)
	defer svc.Close()

	// Empty until the first refresh.
	items, total := svc.Videos(10, 0)
	assert.Empty(t, items)
	assert.Zero(t, total)

	require.NoError(t, svc.Refresh(context.Background()))

	items, total = svc.Videos(10, 0)
	assert.Equal(t, 2, total)
	require.Len(t, items, 2)
	assert.Equal(t, "b.avi", items[0].Filename)

	v, err := svc.Video(items[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "a.avi", v.Filename)

	_, err = svc.Video("deadbeef00000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_RefreshDropsVanishedFiles(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	writeRecording(t, root, "cam0/keep.avi", base)
	writeRecording(t, root, "cam0/gone.avi", base)

	svc := NewService(context.Background(), root, nil)
	defer svc.Close()
	require.NoError(t, svc.Refresh(context.Background()))

	goneID := FileID("cam0/gone.avi")
	_, err := svc.Video(goneID)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "cam0", "gone.avi")))
	require.NoError(t, svc.Refresh(context.Background()))

	_, err = svc.Video(goneID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, total := svc.Videos(0, 0)
	assert.Equal(t, 1, total)
}

func TestService_Pagination(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		writeRecording(t, root, filepath.Join("cam0", string(rune('a'+i))+".avi"),
			base.Add(time.Duration(i)*time.Minute))
	}

	svc := NewService(context.Background(), root, nil)
	defer svc.Close()
	require.NoError(t, svc.Refresh(context.Background()))

	items, total := svc.Videos(2, 0)
	assert.Equal(t, 5, total)
	require.Len(t, items, 2)
	assert.Equal(t, "e.avi", items[0].Filename)
	assert.Equal(t, "d.avi", items[1].Filename)

	items, _ = svc.Videos(2, 4)
	require.Len(t, items, 1)
	assert.Equal(t, "a.avi", items[0].Filename)

	items, total = svc.Videos(2, 99)
	assert.Empty(t, items)
	assert.Equal(t, 5, total)
}

func TestFileID_Stable(t *testing.T) {
	a := FileID("cam0/run.avi")
	b := FileID("cam0/run.avi")
	c := FileID("cam1/run.avi")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}
