// SPDX-License-Identifier: MIT

package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/viznet/camerad/internal/broker"
	"github.com/viznet/camerad/internal/log"
)

var (
	// ErrNotRecording is returned by Stop when the camera has no active session.
	ErrNotRecording = errors.New("camera is not recording")
	// ErrPathExists is returned by Start when the target file exists and
	// overwrite was not requested.
	ErrPathExists = errors.New("recording file already exists")
	// ErrInvalidFilename rejects filenames that escape the camera directory.
	ErrInvalidFilename = errors.New("invalid recording filename")
)

// partialSuffix marks files still being written; the library scanner skips them.
const partialSuffix = ".partial"

// Geometry describes one camera's frame layout for container headers.
type Geometry struct {
	Width  int
	Height int
	FPS    int
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	StorageDir   string
	GapThreshold uint64
	Cameras      map[string]Geometry
	// Encoder defaults to JPEG; NewWriter defaults to the MJPEG AVI writer.
	Encoder   Encoder
	NewWriter WriterFactory
	// OnFinished is invoked with the final path after a recording is
	// flushed, closed and renamed. Used for library hand-off.
	OnFinished func(path string)
}

// Manager enforces at most one Recording session per camera and runs each
// session's sequential consumer goroutine.
type Manager struct {
	lg  zerolog.Logger
	brk *broker.Broker
	cfg ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Session // latest session per camera
	wg       sync.WaitGroup
}

// NewManager creates a recorder manager over the broker.
func NewManager(brk *broker.Broker, cfg ManagerConfig) *Manager {
	if cfg.Encoder == nil {
		cfg.Encoder = &JPEGEncoder{}
	}
	if cfg.NewWriter == nil {
		cfg.NewWriter = func(path string, width, height, fps int) (ContainerWriter, error) {
			return NewAVIWriter(path, width, height, fps)
		}
	}
	if cfg.GapThreshold == 0 {
		cfg.GapThreshold = 30
	}
	return &Manager{
		lg:       log.WithComponent("recorder"),
		brk:      brk,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Start begins a recording session for the camera. The file is written under
// the camera's storage directory with a .partial suffix until Stop.
func (m *Manager) Start(cameraName, filename string, overwrite bool) error {
	geom, ok := m.cfg.Cameras[cameraName]
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrUnknownCamera, cameraName)
	}
	filename, err := sanitizeFilename(filename)
	if err != nil {
		return err
	}
	finalPath := filepath.Join(m.cfg.StorageDir, cameraName, filename)

	m.mu.Lock()
	defer m.mu.Unlock()

	if sess := m.sessions[cameraName]; sess != nil {
		switch sess.currentState() {
		case StateStarting, StateRecording, StateStopping:
			return fmt.Errorf("%w: %s", broker.ErrAlreadyRecording, cameraName)
		}
	}

	if _, err := os.Stat(finalPath); err == nil {
		if !overwrite {
			return fmt.Errorf("%w: %s", ErrPathExists, finalPath)
		}
		if err := os.Remove(finalPath); err != nil {
			return fmt.Errorf("remove existing recording: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("create camera directory: %w", err)
	}

	feed, err := m.brk.SubscribeRecorder(cameraName)
	if err != nil {
		return err
	}
	writer, err := m.cfg.NewWriter(finalPath+partialSuffix, geom.Width, geom.Height, geom.FPS)
	if err != nil {
		feed.Close()
		return fmt.Errorf("open container: %w", err)
	}

	sess := newSession(cameraName, finalPath)
	m.sessions[cameraName] = sess
	sess.setState(StateRecording, ReasonNone)

	m.lg.Info().
		Str(log.FieldCamera, cameraName).
		Str(log.FieldPath, finalPath).
		Msg("recording started")

	m.wg.Add(1)
	go m.run(sess, feed, writer, geom)
	return nil
}

// Stop ends the camera's recording session, waits for the flush-close and
// returns once the file is cataloged or the context expires.
func (m *Manager) Stop(ctx context.Context, cameraName string) error {
	m.mu.Lock()
	sess := m.sessions[cameraName]
	if sess == nil || sess.currentState() != StateRecording {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRecording, cameraName)
	}
	sess.setState(StateStopping, ReasonNone)
	m.mu.Unlock()

	close(sess.stopc)

	select {
	case <-sess.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if st := sess.Status(); st.State == StateFailed {
		return fmt.Errorf("recording session failed: %s", st.Reason)
	}
	return nil
}

// StopAll signals every active session to stop and waits up to the drain
// timeout. Sessions that do not drain in time are marked Failed.
func (m *Manager) StopAll(drainTimeout time.Duration) {
	m.mu.Lock()
	var active []*Session
	for _, sess := range m.sessions {
		if sess.currentState() == StateRecording {
			sess.setState(StateStopping, ReasonNone)
			active = append(active, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range active {
		close(sess.stopc)
	}
	deadline := time.After(drainTimeout)
	for _, sess := range active {
		select {
		case <-sess.done:
		case <-deadline:
			sess.setState(StateFailed, ReasonShutdown)
			m.lg.Warn().
				Str(log.FieldCamera, sess.camera).
				Msg("recording session did not drain before shutdown deadline")
		}
	}
}

// Status returns the latest session snapshot for the camera, if any.
func (m *Manager) Status(cameraName string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sessions[cameraName]
	if sess == nil {
		return Status{}, false
	}
	return sess.Status(), true
}

// run is the per-session sequential consumer: frames are written in arrival
// order; a storage failure is terminal and never retried.
func (m *Manager) run(sess *Session, feed *broker.RecorderFeed, writer ContainerWriter, geom Geometry) {
	defer m.wg.Done()
	defer close(sess.done)

	for {
		select {
		case frame := <-feed.Frames():
			if err := m.writeFrame(sess, writer, frame); err != nil {
				m.failSession(sess, feed, writer, ReasonStorageError, err)
				return
			}
		case <-feed.Failed():
			m.failSession(sess, feed, writer, ReasonBufferOverflow, feed.Err())
			return
		case <-sess.stopc:
			feed.Close() // unregister before draining so no new frames arrive
			if err := m.drain(sess, feed, writer); err != nil {
				m.failSession(sess, feed, writer, ReasonStorageError, err)
				return
			}
			m.finalize(sess, writer, geom)
			return
		}
	}
}

func (m *Manager) drain(sess *Session, feed *broker.RecorderFeed, writer ContainerWriter) error {
	for {
		select {
		case frame := <-feed.Frames():
			if err := m.writeFrame(sess, writer, frame); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (m *Manager) writeFrame(sess *Session, writer ContainerWriter, frame broker.PixelFrame) error {
	sess.mu.Lock()
	last := sess.lastSeq
	sess.mu.Unlock()

	if last != 0 && frame.Sequence > last+m.cfg.GapThreshold {
		sess.mu.Lock()
		sess.gaps++
		sess.mu.Unlock()
		// Frames were dropped upstream, not by this session; keep writing.
		m.lg.Warn().
			Str(log.FieldCamera, sess.camera).
			Uint64("from", last).
			Uint64("to", frame.Sequence).
			Msg("sequence gap in recorded stream")
	}

	data, err := m.cfg.Encoder.Encode(frame)
	if err != nil {
		return err
	}
	if err := writer.WriteSample(data); err != nil {
		return err
	}

	sess.mu.Lock()
	sess.lastSeq = frame.Sequence
	sess.framesWritten++
	sess.mu.Unlock()
	return nil
}

func (m *Manager) failSession(sess *Session, feed *broker.RecorderFeed, writer ContainerWriter, reason FailureReason, cause error) {
	feed.Close()
	_ = writer.Close()
	sess.setState(StateFailed, reason)
	m.lg.Error().
		Err(cause).
		Str(log.FieldCamera, sess.camera).
		Str(log.FieldReason, string(reason)).
		Str(log.FieldPath, sess.path).
		Msg("recording session failed")
}

func (m *Manager) finalize(sess *Session, writer ContainerWriter, geom Geometry) {
	st := sess.Status()
	if err := writer.Close(); err != nil {
		sess.setState(StateFailed, ReasonStorageError)
		m.lg.Error().Err(err).Str(log.FieldCamera, sess.camera).Msg("close container failed")
		return
	}
	if err := os.Rename(sess.path+partialSuffix, sess.path); err != nil {
		sess.setState(StateFailed, ReasonStorageError)
		m.lg.Error().Err(err).Str(log.FieldCamera, sess.camera).Msg("finalize recording failed")
		return
	}
	if err := m.writeSidecar(sess, st, geom); err != nil {
		// The recording itself is intact; the catalog falls back to file
		// metadata when the sidecar is missing.
		m.lg.Warn().Err(err).Str(log.FieldCamera, sess.camera).Msg("write sidecar failed")
	}
	sess.setState(StateStopped, ReasonNone)
	m.lg.Info().
		Str(log.FieldCamera, sess.camera).
		Str(log.FieldPath, sess.path).
		Uint64(log.FieldFrames, st.FramesWritten).
		Msg("recording finished")

	if m.cfg.OnFinished != nil {
		m.cfg.OnFinished(sess.path)
	}
}

// Sidecar is the per-recording metadata written next to the container file.
type Sidecar struct {
	Camera          string    `json:"camera"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	Frames          uint64    `json:"frames"`
	FPS             int       `json:"fps"`
	DurationSeconds float64   `json:"duration_seconds"`
	Format          string    `json:"format"`
}

func (m *Manager) writeSidecar(sess *Session, st Status, geom Geometry) error {
	fps := geom.FPS
	if fps <= 0 {
		fps = 30
	}
	meta := Sidecar{
		Camera:          sess.camera,
		StartedAt:       st.StartedAt,
		FinishedAt:      time.Now(),
		Frames:          st.FramesWritten,
		FPS:             fps,
		DurationSeconds: float64(st.FramesWritten) / float64(fps),
		Format:          "avi",
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(sess.path+".json", data, 0o644)
}

func sanitizeFilename(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	if filepath.Ext(name) == "" {
		name += ".avi"
	}
	return name, nil
}
