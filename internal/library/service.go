// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/viznet/camerad/internal/log"
)

// Service catalogs finished recordings. Refresh builds a new snapshot and
// swaps it atomically; readers never take a lock and never observe a
// partial rescan.
type Service struct {
	lg      zerolog.Logger
	root    string
	store   *Store
	scanner *Scanner

	snap atomic.Pointer[Catalog]

	// refreshMu serializes rescans; concurrent Refresh calls coalesce into
	// sequential idempotent scans.
	refreshMu sync.Mutex

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewService creates the library service. When store is non-nil the
// persisted catalog is served until the first rescan completes.
func NewService(ctx context.Context, root string, store *Store) *Service {
	svc := &Service{
		lg:      log.WithComponent("library"),
		root:    root,
		store:   store,
		scanner: NewScanner(root),
	}
	svc.snap.Store(buildCatalog(nil))

	if store != nil {
		if videos, err := store.LoadAll(ctx); err != nil {
			svc.lg.Warn().Err(err).Msg("load persisted catalog failed")
		} else if len(videos) > 0 {
			svc.snap.Store(buildCatalog(videos))
			svc.lg.Info().Int("videos", len(videos)).Msg("serving persisted catalog until first rescan")
		}
	}
	return svc
}

func buildCatalog(videos []VideoFile) *Catalog {
	byID := make(map[string]VideoFile, len(videos))
	for _, v := range videos {
		byID[v.ID] = v
	}
	return &Catalog{byID: byID, ordered: videos}
}

// Refresh rescans storage: newly finished files join the catalog, entries
// whose backing file vanished are dropped. It is idempotent.
func (s *Service) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	started := time.Now()
	videos, err := s.scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan storage: %w", err)
	}

	s.snap.Store(buildCatalog(videos))

	if s.store != nil {
		if err := s.store.ReplaceAll(ctx, videos); err != nil {
			return fmt.Errorf("persist catalog: %w", err)
		}
	}

	s.lg.Info().
		Int("videos", len(videos)).
		Dur("duration", time.Since(started)).
		Msg("catalog refreshed")
	return nil
}

// CatalogFinished refreshes the catalog after the recorder hands off a
// closed file. The path argument only drives logging; the rescan itself is
// authoritative.
func (s *Service) CatalogFinished(path string) {
	if err := s.Refresh(context.Background()); err != nil {
		s.lg.Error().Err(err).Str(log.FieldPath, path).Msg("catalog hand-off failed")
	}
}

// Videos returns up to limit entries ordered by creation time descending,
// plus the total catalog size.
func (s *Service) Videos(limit, offset int) ([]VideoFile, int) {
	cat := s.snap.Load()
	total := cat.Len()
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []VideoFile{}, total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]VideoFile, end-offset)
	copy(out, cat.ordered[offset:end])
	return out, total
}

// Video returns the catalog entry for the id.
func (s *Service) Video(id string) (VideoFile, error) {
	cat := s.snap.Load()
	v, ok := cat.byID[id]
	if !ok {
		return VideoFile{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return v, nil
}

// Watch starts an fsnotify watcher over the storage root and refreshes the
// catalog (debounced) when recordings appear or vanish.
func (s *Service) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(s.root); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", s.root, err)
	}
	// Camera directories already present are watched too; new ones are
	// added as their create events arrive.
	for _, v := range s.snap.Load().ordered {
		_ = w.Add(filepath.Dir(v.Path))
	}

	s.watcher = w
	s.watchDone = make(chan struct{})
	go s.watchLoop(ctx)
	return nil
}

const watchDebounce = 500 * time.Millisecond

func (s *Service) watchLoop(ctx context.Context) {
	defer close(s.watchDone)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) {
				// New camera directories need their own watch.
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = s.watcher.Add(ev.Name)
					continue
				}
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.lg.Warn().Err(err).Msg("watch-triggered refresh failed")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.lg.Warn().Err(err).Msg("storage watcher error")
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the watcher and the store.
func (s *Service) Close() error {
	if s.watcher != nil {
		_ = s.watcher.Close()
		<-s.watchDone
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
