// SPDX-License-Identifier: MIT

// Package module composes the frame pipeline and video services into one
// facade: it owns construction, aggregated status and deterministic teardown.
package module

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/viznet/camerad/internal/broker"
	"github.com/viznet/camerad/internal/camera"
	"github.com/viznet/camerad/internal/config"
	"github.com/viznet/camerad/internal/convert"
	"github.com/viznet/camerad/internal/library"
	"github.com/viznet/camerad/internal/log"
	"github.com/viznet/camerad/internal/recorder"
	"github.com/viznet/camerad/internal/stream"
)

// Module is the composition root for the capture, recording, live preview
// and library/streaming services.
type Module struct {
	lg  zerolog.Logger
	cfg config.AppConfig

	brk *broker.Broker
	rec *recorder.Manager
	mux *stream.Multiplexer
	lib *library.Service
	str *convert.Service

	sources []camera.Source

	started   time.Time
	cancelSrc context.CancelFunc
	wg        sync.WaitGroup

	cleanupOnce sync.Once
}

// New builds the module from configuration. Sources may be nil, in which
// case each configured camera gets the built-in synthetic source.
func New(ctx context.Context, cfg config.AppConfig, sources []camera.Source) (*Module, error) {
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	m := &Module{
		lg:      log.WithComponent("module"),
		cfg:     cfg,
		started: time.Now(),
	}

	names := make([]string, 0, len(cfg.Cameras))
	geoms := make(map[string]recorder.Geometry, len(cfg.Cameras))
	for _, cam := range cfg.Cameras {
		names = append(names, cam.Name)
		geoms[cam.Name] = recorder.Geometry{Width: cam.Width, Height: cam.Height, FPS: cam.FPS}
	}

	store, err := library.NewStore(cfg.LibraryDB)
	if err != nil {
		return nil, fmt.Errorf("open catalog store: %w", err)
	}
	lib := library.NewService(ctx, cfg.StorageDir, store)

	str, err := convert.NewService(lib, convert.Options{
		CacheDir:     cfg.CacheDir,
		TargetFormat: cfg.TargetFormat,
		FFmpegBin:    cfg.FFmpegBin,
		Workers:      cfg.ConvertWorkers,
		Timeout:      cfg.ConvertTimeout,
		MaxEntries:   cfg.CacheMaxEntries,
		MaxBytes:     cfg.CacheMaxBytes,
	})
	if err != nil {
		_ = lib.Close()
		return nil, err
	}

	brk := broker.New(broker.Options{
		ViewerQueueCap:         cfg.ViewerQueueCap,
		RecorderQueueCap:       cfg.RecorderQueueCap,
		RecorderEnqueueTimeout: cfg.RecorderEnqueueTimeout,
	}, names)

	rec := recorder.NewManager(brk, recorder.ManagerConfig{
		StorageDir:   cfg.StorageDir,
		GapThreshold: cfg.SequenceGapThreshold,
		Cameras:      geoms,
		OnFinished: func(path string) {
			// Tracked so Cleanup drains the hand-off before the
			// catalog store closes.
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				lib.CatalogFinished(path)
			}()
		},
	})

	enc := &recorder.JPEGEncoder{}
	mux := stream.NewMultiplexer(brk, stream.Options{
		ViewerQueueCap:   cfg.ViewerQueueCap,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		Encode:           enc.Encode,
	})

	if sources == nil {
		for _, cam := range cfg.Cameras {
			sources = append(sources, camera.NewSyntheticSource(
				cam.Name, cam.Width, cam.Height, cam.Channels, cam.FPS))
		}
	}

	m.brk = brk
	m.rec = rec
	m.mux = mux
	m.lib = lib
	m.str = str
	m.sources = sources
	return m, nil
}

// Run starts the per-camera ingestion goroutines, the initial catalog scan
// and the storage watcher. It returns immediately; Cleanup stops everything.
func (m *Module) Run(ctx context.Context) error {
	srcCtx, cancel := context.WithCancel(ctx)
	m.cancelSrc = cancel

	for _, src := range m.sources {
		m.wg.Add(1)
		go func(src camera.Source) {
			defer m.wg.Done()
			push := func(buf camera.RawBuffer) {
				// Decode errors are absorbed here: counted by the broker,
				// never propagated to the driver callback.
				_ = m.brk.PushRaw(src.Camera(), buf)
			}
			if err := src.Run(srcCtx, push); err != nil {
				m.lg.Error().Err(err).Str(log.FieldCamera, src.Camera()).Msg("frame source stopped")
			}
		}(src)
	}

	if err := m.lib.Refresh(ctx); err != nil {
		m.lg.Warn().Err(err).Msg("initial catalog refresh failed")
	}
	if m.cfg.WatchLibrary {
		if err := m.lib.Watch(srcCtx); err != nil {
			m.lg.Warn().Err(err).Msg("storage watcher unavailable")
		}
	}
	return nil
}

// Library exposes the catalog service.
func (m *Module) Library() *library.Service { return m.lib }

// Streaming exposes the conversion/streaming service.
func (m *Module) Streaming() *convert.Service { return m.str }

// Recorder exposes the recording manager.
func (m *Module) Recorder() *recorder.Manager { return m.rec }

// Multiplexer exposes the live stream multiplexer.
func (m *Module) Multiplexer() *stream.Multiplexer { return m.mux }

// Broker exposes the frame broker.
func (m *Module) Broker() *broker.Broker { return m.brk }

// Cleanup is the scoped shutdown: live streams drained and closed, active
// recordings flush-closed within the drain timeout, pending conversions
// cancelled, cache released. Every exit path releases its resources even on
// partial failure.
func (m *Module) Cleanup(ctx context.Context) error {
	var err error
	m.cleanupOnce.Do(func() {
		m.lg.Info().Msg("module cleanup started")

		g, _ := errgroup.WithContext(ctx)
		g.Go(func() error {
			m.mux.Close()
			return nil
		})
		g.Go(func() error {
			m.rec.StopAll(m.cfg.DrainTimeout)
			return nil
		})
		g.Go(func() error {
			m.str.Close()
			return nil
		})
		_ = g.Wait()

		m.brk.Close()
		if m.cancelSrc != nil {
			m.cancelSrc()
		}
		m.wg.Wait()
		err = m.lib.Close()
		m.lg.Info().Msg("module cleanup complete")
	})
	return err
}
