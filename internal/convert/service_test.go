// SPDX-License-Identifier: MIT

package convert

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viznet/camerad/internal/library"
)

// MockExec stands in for ffmpeg: it writes the destination file and records
// every invocation.
type MockExec struct {
	mu    sync.Mutex
	runs  int
	fails int // first n runs fail
	wait  time.Duration
	out   []byte
}

func (m *MockExec) Run(ctx context.Context, name string, args []string) error {
	m.mu.Lock()
	m.runs++
	run := m.runs
	wait := m.wait
	out := m.out
	m.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if run <= m.failsSnapshot() {
		return errors.New("mock converter failed")
	}
	if out == nil {
		out = []byte("converted")
	}
	dst := args[len(args)-1]
	return os.WriteFile(dst, out, 0o644)
}

func (m *MockExec) failsSnapshot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fails
}

func (m *MockExec) Runs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs
}

type convertRig struct {
	lib  *library.Service
	svc  *Service
	exec *MockExec
	dir  string
}

// newConvertRig builds a catalog with one AVI (needs conversion) and one MP4
// (direct) recording.
func newConvertRig(t *testing.T, exec *MockExec, opts Options) *convertRig {
	t.Helper()
	dir := t.TempDir()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for rel, mtime := range map[string]time.Time{
		"cam0/raw.avi":    base,
		"cam0/direct.mp4": base.Add(time.Minute),
	} {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("video bytes"), 0o644))
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}

	lib := library.NewService(context.Background(), dir, nil)
	t.Cleanup(func() { _ = lib.Close() })
	require.NoError(t, lib.Refresh(context.Background()))

	opts.CacheDir = filepath.Join(dir, ".cache")
	opts.Exec = exec
	svc, err := NewService(lib, opts)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &convertRig{lib: lib, svc: svc, exec: exec, dir: dir}
}

func (r *convertRig) aviID() string { return library.FileID("cam0/raw.avi") }
func (r *convertRig) mp4ID() string { return library.FileID("cam0/direct.mp4") }

func TestVideoInfo(t *testing.T) {
	rig := newConvertRig(t, &MockExec{}, Options{})

	info, err := rig.svc.VideoInfo(rig.mp4ID())
	require.NoError(t, err)
	assert.True(t, info.IsStreamable)

	info, err = rig.svc.VideoInfo(rig.aviID())
	require.NoError(t, err)
	assert.False(t, info.IsStreamable)

	_, err = rig.svc.VideoInfo("missing")
	assert.ErrorIs(t, err, library.ErrNotFound)
}

func TestRequestStream_DirectForStreamable(t *testing.T) {
	rig := newConvertRig(t, &MockExec{}, Options{})

	h, err := rig.svc.RequestStream(context.Background(), rig.mp4ID())
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, filepath.Join(rig.dir, "cam0", "direct.mp4"), h.Path)
	assert.Zero(t, rig.exec.Runs(), "streamable files bypass conversion")
}

func TestRequestStream_SingleFlight(t *testing.T) {
	exec := &MockExec{wait: 50 * time.Millisecond}
	rig := newConvertRig(t, exec, Options{Workers: 4})

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	paths := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := rig.svc.RequestStream(context.Background(), rig.aviID())
			errs[i] = err
			if err == nil {
				paths[i] = h.Path
				h.Release()
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i])
	}
	assert.Equal(t, 1, exec.Runs(), "concurrent requests share one conversion")

	// The output is cached: another request runs nothing.
	h, err := rig.svc.RequestStream(context.Background(), rig.aviID())
	require.NoError(t, err)
	h.Release()
	assert.Equal(t, 1, exec.Runs())
}

func TestRequestStream_PendingThenAttach(t *testing.T) {
	exec := &MockExec{wait: 300 * time.Millisecond}
	rig := newConvertRig(t, exec, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := rig.svc.RequestStream(ctx, rig.aviID())
	assert.ErrorIs(t, err, ErrPending, "short wait budget yields pending, not failure")

	// The job kept running; a patient caller attaches to its result.
	h, err := rig.svc.RequestStream(context.Background(), rig.aviID())
	require.NoError(t, err)
	h.Release()
	assert.Equal(t, 1, exec.Runs())
}

func TestRequestStream_RetriesOnce(t *testing.T) {
	exec := &MockExec{fails: 1}
	rig := newConvertRig(t, exec, Options{})

	h, err := rig.svc.RequestStream(context.Background(), rig.aviID())
	require.NoError(t, err, "single failure is retried")
	h.Release()
	assert.Equal(t, 2, exec.Runs())
}

func TestRequestStream_FailsAfterRetry(t *testing.T) {
	exec := &MockExec{fails: 99}
	rig := newConvertRig(t, exec, Options{})

	_, err := rig.svc.RequestStream(context.Background(), rig.aviID())
	assert.ErrorIs(t, err, ErrConversionFailed)
	assert.Equal(t, 2, exec.Runs(), "one attempt plus one retry")

	// The failed key is forgotten; a later request starts fresh.
	exec.mu.Lock()
	exec.fails = 0
	exec.mu.Unlock()
	h, err := rig.svc.RequestStream(context.Background(), rig.aviID())
	require.NoError(t, err)
	h.Release()
}

func TestRequestStream_UnknownVideo(t *testing.T) {
	rig := newConvertRig(t, &MockExec{}, Options{})
	_, err := rig.svc.RequestStream(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, library.ErrNotFound)
}

func TestService_Close(t *testing.T) {
	rig := newConvertRig(t, &MockExec{}, Options{})
	rig.svc.Close()
	_, err := rig.svc.RequestStream(context.Background(), rig.aviID())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestService_AdoptsExistingOutputs(t *testing.T) {
	exec := &MockExec{}
	rig := newConvertRig(t, exec, Options{})

	h, err := rig.svc.RequestStream(context.Background(), rig.aviID())
	require.NoError(t, err)
	h.Release()
	require.Equal(t, 1, exec.Runs())
	rig.svc.Close()

	// A new service over the same cache directory reuses the output.
	svc2, err := NewService(rig.lib, Options{
		CacheDir: filepath.Join(rig.dir, ".cache"),
		Exec:     exec,
	})
	require.NoError(t, err)
	defer svc2.Close()

	h, err = svc2.RequestStream(context.Background(), rig.aviID())
	require.NoError(t, err)
	h.Release()
	assert.Equal(t, 1, exec.Runs(), "adopted output avoids reconversion")
}
