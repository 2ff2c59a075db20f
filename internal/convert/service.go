// SPDX-License-Identifier: MIT

package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/viznet/camerad/internal/library"
	"github.com/viznet/camerad/internal/log"
)

var (
	// ErrPending is returned when a conversion is still running after the
	// caller's wait budget; a later request attaches to the same job.
	ErrPending = errors.New("conversion in progress")
	// ErrConversionFailed marks a job that failed its attempt and its single
	// retry. The key is forgotten so a fresh request starts over.
	ErrConversionFailed = errors.New("conversion failed")
	// ErrClosed is returned after shutdown; pending waiters receive it too.
	ErrClosed = errors.New("streaming service closed")
)

// RetryAfter is the poll hint handed to clients alongside ErrPending. The
// HTTP layer waits this long for a conversion and sends it as Retry-After.
const RetryAfter = 3 * time.Second

// Info is a catalog entry plus its playability verdict.
type Info struct {
	library.VideoFile
	IsStreamable bool `json:"is_streamable"`
}

// Handle is a readable byte-range stream resolved from the catalog. Release
// unpins the backing cache entry; it is a no-op for direct files.
type Handle struct {
	Path    string
	release func()
}

// Release unpins the cache entry backing this handle.
func (h *Handle) Release() {
	if h.release != nil {
		h.release()
	}
}

// Options wires a streaming service.
type Options struct {
	CacheDir     string
	TargetFormat string
	FFmpegBin    string
	Workers      int
	Timeout      time.Duration
	MaxEntries   int
	MaxBytes     int64
	// Exec defaults to CommandExecutor.
	Exec Exec
}

// Service resolves catalog entries to playable streams. Concurrent requests
// for the same (file id, format) observe one conversion and one result.
type Service struct {
	lg    zerolog.Logger
	lib   *library.Service
	cache *Cache
	exec  Exec
	opts  Options

	sf     singleflight.Group
	sem    chan struct{}
	active atomic.Int64

	rootCtx context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool
}

// NewService creates the streaming service and re-adopts conversion outputs
// already present in the cache directory.
func NewService(lib *library.Service, opts Options) (*Service, error) {
	if opts.TargetFormat == "" {
		opts.TargetFormat = "mp4"
	}
	if opts.FFmpegBin == "" {
		opts.FFmpegBin = "ffmpeg"
	}
	if opts.Workers < 1 {
		opts.Workers = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.Exec == nil {
		opts.Exec = CommandExecutor{}
	}
	if err := os.MkdirAll(opts.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		lg:      log.WithComponent("streaming"),
		lib:     lib,
		cache:   NewCache(opts.MaxEntries, opts.MaxBytes),
		exec:    opts.Exec,
		opts:    opts,
		sem:     make(chan struct{}, opts.Workers),
		rootCtx: ctx,
		cancel:  cancel,
	}
	s.adoptExisting()
	return s, nil
}

// adoptExisting indexes conversion outputs left from a previous run so the
// budget applies to them as well.
func (s *Service) adoptExisting() {
	entries, err := os.ReadDir(s.opts.CacheDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, "tmp-") {
			continue
		}
		base := strings.TrimSuffix(name, filepath.Ext(name))
		i := strings.LastIndex(base, "_")
		if i <= 0 {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		key := base[:i] + "|" + base[i+1:]
		s.cache.Insert(key, filepath.Join(s.opts.CacheDir, name), info.Size())
	}
}

// streamable reports whether the container format plays natively in browsers.
func streamable(format string) bool {
	return format == "mp4"
}

// VideoInfo returns the catalog entry with its playability verdict.
func (s *Service) VideoInfo(id string) (Info, error) {
	v, err := s.lib.Video(id)
	if err != nil {
		return Info{}, err
	}
	return Info{VideoFile: v, IsStreamable: streamable(v.Format)}, nil
}

// RequestStream resolves the video to a playable handle. Natively playable
// files are returned directly; everything else goes through the single-flight
// conversion path. When ctx expires while the job is still running the caller
// gets ErrPending; the job itself continues for later requests.
func (s *Service) RequestStream(ctx context.Context, id string) (*Handle, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	v, err := s.lib.Video(id)
	if err != nil {
		return nil, err
	}
	if streamable(v.Format) {
		return &Handle{Path: v.Path}, nil
	}

	key := v.ID + "|" + s.opts.TargetFormat
	for attempt := 0; attempt < 2; attempt++ {
		if path, release, ok := s.cache.Acquire(key); ok {
			return &Handle{Path: path, release: release}, nil
		}

		ch := s.sf.DoChan(key, func() (any, error) {
			return s.runJob(v, key)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			// Acquire the pinned handle; on the rare eviction between
			// insert and acquire, loop and convert again.
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrPending, key)
		}
	}
	return nil, fmt.Errorf("%w: output evicted before it could be read", ErrConversionFailed)
}

// runJob executes one conversion under the worker semaphore, retrying once.
func (s *Service) runJob(v library.VideoFile, key string) (string, error) {
	s.active.Add(1)
	defer s.active.Add(-1)

	select {
	case s.sem <- struct{}{}:
	case <-s.rootCtx.Done():
		return "", fmt.Errorf("%w: %s", ErrClosed, key)
	}
	defer func() { <-s.sem }()

	final := filepath.Join(s.opts.CacheDir, fmt.Sprintf("%s_%s.%s", v.ID, s.opts.TargetFormat, s.opts.TargetFormat))

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if err := s.convertOnce(v, final); err != nil {
			if s.rootCtx.Err() != nil {
				return "", fmt.Errorf("%w: %s", ErrClosed, key)
			}
			lastErr = err
			s.lg.Warn().
				Err(err).
				Str(log.FieldFileID, v.ID).
				Int("attempt", attempt).
				Msg("conversion attempt failed")
			continue
		}
		info, err := os.Stat(final)
		if err != nil {
			lastErr = err
			continue
		}
		s.cache.Insert(key, final, info.Size())
		s.lg.Info().
			Str(log.FieldFileID, v.ID).
			Str(log.FieldFormat, s.opts.TargetFormat).
			Int64("size", info.Size()).
			Msg("conversion complete")
		return final, nil
	}
	return "", fmt.Errorf("%w: %v", ErrConversionFailed, lastErr)
}

// convertOnce writes to a temp path and renames into place, so a cached
// output is always complete.
func (s *Service) convertOnce(v library.VideoFile, final string) error {
	tmp := filepath.Join(s.opts.CacheDir, "tmp-"+uuid.NewString()+"."+s.opts.TargetFormat)
	ctx, cancel := context.WithTimeout(s.rootCtx, s.opts.Timeout)
	defer cancel()

	if err := s.exec.Run(ctx, s.opts.FFmpegBin, ffmpegArgs(v.Path, tmp, s.opts.TargetFormat)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Stats reports cache occupancy and in-flight jobs.
func (s *Service) Stats() (CacheStats, int64) {
	return s.cache.Stats(), s.active.Load()
}

// Close cancels pending conversions (waiters receive ErrClosed) and releases
// the cache index. Converted files stay on disk for the next run to adopt.
func (s *Service) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.cancel()
	s.cache.Clear()
}
