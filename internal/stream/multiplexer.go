// SPDX-License-Identifier: MIT

// Package stream multiplexes one broker subscription per camera onto any
// number of live viewer connections.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/viznet/camerad/internal/broker"
	"github.com/viznet/camerad/internal/log"
)

// ErrNotStreaming is returned when a camera has no active stream session.
var ErrNotStreaming = errors.New("camera is not streaming")

// Boundary is the multipart boundary used for live preview responses.
const Boundary = "camerad-frame"

// ContentType is the value for the live preview Content-Type header.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// EncodeFunc compresses a frame for transmission. The multiplexer encodes
// each frame once per camera and shares the bytes across viewers.
type EncodeFunc func(broker.PixelFrame) ([]byte, error)

// Options tunes the multiplexer.
type Options struct {
	// ViewerQueueCap bounds each viewer's part queue.
	ViewerQueueCap int
	// HeartbeatTimeout is the idle interval after which a probe part is
	// written to detect dead connections.
	HeartbeatTimeout time.Duration
	Encode           EncodeFunc
}

// Status summarizes one camera's live streaming state.
type Status struct {
	Streaming bool   `json:"streaming"`
	Viewers   int    `json:"viewers"`
	Drops     uint64 `json:"drops"`
}

// hub owns the single broker subscription for a camera and re-fans encoded
// parts to attached viewers. It is torn down when grants+viewers reach zero.
type hub struct {
	camera  string
	sub     *broker.Subscription
	grants  int
	viewers map[string]*Viewer
	drops   uint64
	stopc   chan struct{}
	done    chan struct{}
	closed  bool
}

// Multiplexer manages per-camera live sessions over the broker.
type Multiplexer struct {
	lg   zerolog.Logger
	brk  *broker.Broker
	opts Options

	mu     sync.Mutex
	hubs   map[string]*hub
	closed bool
}

// NewMultiplexer creates a multiplexer over the broker.
func NewMultiplexer(brk *broker.Broker, opts Options) *Multiplexer {
	if opts.ViewerQueueCap < 1 {
		opts.ViewerQueueCap = 8
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 30 * time.Second
	}
	return &Multiplexer{
		lg:   log.WithComponent("stream"),
		brk:  brk,
		opts: opts,
		hubs: make(map[string]*hub),
	}
}

// StartStream opens (or joins) the camera's live session. The first call
// creates the broker subscription; each call adds one subscriber grant that
// a later Attach consumes.
func (m *Multiplexer) StartStream(cameraName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return broker.ErrClosed
	}
	h := m.hubs[cameraName]
	if h == nil {
		sub, err := m.brk.Subscribe(cameraName)
		if err != nil {
			return err
		}
		h = &hub{
			camera:  cameraName,
			sub:     sub,
			viewers: make(map[string]*Viewer),
			stopc:   make(chan struct{}),
			done:    make(chan struct{}),
		}
		m.hubs[cameraName] = h
		go m.runHub(h)
		m.lg.Info().Str(log.FieldCamera, cameraName).Msg("live session opened")
	}
	h.grants++
	return nil
}

// StopStream releases one subscriber: an attached viewer's connection is
// closed if present, otherwise an unconsumed grant is dropped. The broker
// subscription is torn down when the last subscriber is gone.
func (m *Multiplexer) StopStream(cameraName string) error {
	m.mu.Lock()
	h := m.hubs[cameraName]
	if h == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotStreaming, cameraName)
	}
	var victim *Viewer
	switch {
	case len(h.viewers) > 0:
		for _, v := range h.viewers {
			if victim == nil || v.createdAt.Before(victim.createdAt) {
				victim = v
			}
		}
		delete(h.viewers, victim.id)
	case h.grants > 0:
		h.grants--
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotStreaming, cameraName)
	}
	m.maybeTeardownLocked(h)
	m.mu.Unlock()

	if victim != nil {
		victim.close()
	}
	return nil
}

// Attach binds one viewer connection to the camera's live session and
// serializes frames onto w until the client disconnects, the session stops,
// or the heartbeat probe fails. It blocks for the connection lifetime.
func (m *Multiplexer) Attach(ctx context.Context, cameraName string, w io.Writer) error {
	m.mu.Lock()
	h := m.hubs[cameraName]
	if h == nil || h.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotStreaming, cameraName)
	}
	v := newViewer(cameraName, m.opts.ViewerQueueCap)
	if h.grants > 0 {
		h.grants--
	}
	h.viewers[v.id] = v
	m.mu.Unlock()

	m.lg.Debug().
		Str(log.FieldCamera, cameraName).
		Str(log.FieldSubscriber, v.id).
		Msg("viewer attached")

	err := m.deliver(ctx, h, v, w)

	m.mu.Lock()
	if cur, ok := h.viewers[v.id]; ok && cur == v {
		delete(h.viewers, v.id)
		h.drops += v.Drops()
	}
	m.maybeTeardownLocked(h)
	m.mu.Unlock()

	m.lg.Debug().
		Err(err).
		Str(log.FieldCamera, cameraName).
		Str(log.FieldSubscriber, v.id).
		Uint64(log.FieldDropped, v.Drops()).
		Msg("viewer detached")
	return err
}

// deliver runs one viewer's serialization loop.
func (m *Multiplexer) deliver(ctx context.Context, h *hub, v *Viewer, w io.Writer) error {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(Boundary); err != nil {
		return err
	}
	flusher, _ := w.(http.Flusher)

	heartbeat := time.NewTimer(m.opts.HeartbeatTimeout)
	defer heartbeat.Stop()

	for {
		select {
		case p := <-v.parts:
			if err := writePart(mw, flusher, p.data); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}
			if !heartbeat.Stop() {
				select {
				case <-heartbeat.C:
				default:
				}
			}
			heartbeat.Reset(m.opts.HeartbeatTimeout)
		case <-heartbeat.C:
			// No frame for a full interval: probe the connection so dead
			// clients are reaped instead of leaking delivery loops.
			if err := writePart(mw, flusher, nil); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
			heartbeat.Reset(m.opts.HeartbeatTimeout)
		case <-v.done:
			return nil
		case <-h.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func writePart(mw *multipart.Writer, flusher http.Flusher, data []byte) error {
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", "image/jpeg")
	header.Set("Content-Length", strconv.Itoa(len(data)))
	pw, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := pw.Write(data); err != nil {
			return err
		}
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

// runHub consumes the broker subscription, encodes each frame once and
// re-fans the bytes to every attached viewer.
func (m *Multiplexer) runHub(h *hub) {
	defer close(h.done)
	for {
		select {
		case frame := <-h.sub.Frames():
			data, err := m.opts.Encode(frame)
			if err != nil {
				m.lg.Warn().Err(err).Str(log.FieldCamera, h.camera).Msg("encode for preview failed")
				continue
			}
			p := part{seq: frame.Sequence, data: data}
			m.mu.Lock()
			viewers := make([]*Viewer, 0, len(h.viewers))
			for _, v := range h.viewers {
				viewers = append(viewers, v)
			}
			m.mu.Unlock()
			for _, v := range viewers {
				v.offer(p)
			}
		case <-h.sub.Done():
			return
		case <-h.stopc:
			return
		}
	}
}

// maybeTeardownLocked closes the hub once no grants or viewers remain.
// Callers hold m.mu.
func (m *Multiplexer) maybeTeardownLocked(h *hub) {
	if h.closed || h.grants > 0 || len(h.viewers) > 0 {
		return
	}
	h.closed = true
	if m.hubs[h.camera] == h {
		delete(m.hubs, h.camera)
	}
	close(h.stopc)
	h.sub.Close()
	m.lg.Info().Str(log.FieldCamera, h.camera).Msg("live session closed")
}

// Streaming reports whether the camera has an open live session.
func (m *Multiplexer) Streaming(cameraName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hubs[cameraName] != nil
}

// Status reports the camera's live session state.
func (m *Multiplexer) Status(cameraName string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hubs[cameraName]
	if h == nil {
		return Status{}
	}
	drops := h.drops
	for _, v := range h.viewers {
		drops += v.Drops()
	}
	return Status{Streaming: true, Viewers: len(h.viewers), Drops: drops}
}

// Close tears down every live session: each viewer is drained and closed,
// every broker subscription released.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	hubs := make([]*hub, 0, len(m.hubs))
	for _, h := range m.hubs {
		hubs = append(hubs, h)
	}
	m.hubs = make(map[string]*hub)
	m.mu.Unlock()

	for _, h := range hubs {
		m.mu.Lock()
		viewers := make([]*Viewer, 0, len(h.viewers))
		for _, v := range h.viewers {
			viewers = append(viewers, v)
		}
		h.viewers = make(map[string]*Viewer)
		h.grants = 0
		if !h.closed {
			h.closed = true
			close(h.stopc)
		}
		m.mu.Unlock()

		for _, v := range viewers {
			v.close()
		}
		h.sub.Close()
		<-h.done
	}
}
