// SPDX-License-Identifier: MIT

package broker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/viznet/camerad/internal/camera"
	"github.com/viznet/camerad/internal/log"
)

var (
	// ErrUnknownCamera signals a camera name not present in the configuration.
	ErrUnknownCamera = errors.New("unknown camera")
	// ErrAlreadyRecording is returned when a second recorder feed is requested.
	ErrAlreadyRecording = errors.New("camera is already recording")
	// ErrBufferOverflow is the terminal reason for a recorder feed whose
	// queue stayed full past the enqueue timeout.
	ErrBufferOverflow = errors.New("recorder queue overflow")
	// ErrClosed is returned after the broker has been shut down.
	ErrClosed = errors.New("broker closed")
)

// Options tunes fan-out behavior.
type Options struct {
	// ViewerQueueCap is the bounded viewer queue capacity.
	ViewerQueueCap int
	// RecorderQueueCap is the recorder feed capacity.
	RecorderQueueCap int
	// RecorderEnqueueTimeout bounds how long PushRaw blocks on a full
	// recorder queue before failing the feed.
	RecorderEnqueueTimeout time.Duration
}

// Stats summarizes one camera's fan-out state.
type Stats struct {
	Viewers      int    `json:"viewers"`
	Recording    bool   `json:"recording"`
	FramesTotal  uint64 `json:"frames_total"`
	DecodeErrors uint64 `json:"decode_errors"`
	ViewerDrops  uint64 `json:"viewer_drops"`
}

type cameraFeed struct {
	viewers  map[string]*Subscription
	recorder *RecorderFeed

	seq          atomic.Uint64
	frames       atomic.Uint64
	decodeErrors atomic.Uint64
	viewerDrops  atomic.Uint64
}

// Broker fans decoded frames out per camera. The subscriber table lock is
// scoped to registration changes; deliveries never hold it.
type Broker struct {
	opts Options
	lg   zerolog.Logger

	mu     sync.RWMutex
	feeds  map[string]*cameraFeed
	closed bool
}

// New creates a broker for the given camera names.
func New(opts Options, cameras []string) *Broker {
	if opts.ViewerQueueCap < 1 {
		opts.ViewerQueueCap = 8
	}
	if opts.RecorderQueueCap < 1 {
		opts.RecorderQueueCap = 64
	}
	if opts.RecorderEnqueueTimeout <= 0 {
		opts.RecorderEnqueueTimeout = 2 * time.Second
	}
	feeds := make(map[string]*cameraFeed, len(cameras))
	for _, name := range cameras {
		feeds[name] = &cameraFeed{viewers: make(map[string]*Subscription)}
	}
	return &Broker{
		opts:  opts,
		lg:    log.WithComponent("broker"),
		feeds: feeds,
	}
}

// Cameras returns the configured camera names.
func (b *Broker) Cameras() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.feeds))
	for name := range b.feeds {
		names = append(names, name)
	}
	return names
}

// Subscribe registers a live viewer queue for the camera.
func (b *Broker) Subscribe(cameraName string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	feed, ok := b.feeds[cameraName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCamera, cameraName)
	}
	sub := newSubscription(cameraName, b.opts.ViewerQueueCap, b.removeViewer)
	feed.viewers[sub.id] = sub
	viewersGauge.WithLabelValues(cameraName).Inc()
	return sub, nil
}

func (b *Broker) removeViewer(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	feed, ok := b.feeds[sub.camera]
	if !ok {
		return
	}
	if _, exists := feed.viewers[sub.id]; exists {
		delete(feed.viewers, sub.id)
		viewersGauge.WithLabelValues(sub.camera).Dec()
	}
}

// SubscribeRecorder registers the single recorder feed for the camera.
func (b *Broker) SubscribeRecorder(cameraName string) (*RecorderFeed, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	feed, ok := b.feeds[cameraName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCamera, cameraName)
	}
	if feed.recorder != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRecording, cameraName)
	}
	rf := newRecorderFeed(cameraName, b.opts.RecorderQueueCap, b.removeRecorder)
	feed.recorder = rf
	return rf, nil
}

func (b *Broker) removeRecorder(rf *RecorderFeed) {
	b.mu.Lock()
	defer b.mu.Unlock()
	feed, ok := b.feeds[rf.camera]
	if !ok {
		return
	}
	if feed.recorder == rf {
		feed.recorder = nil
	}
}

// PushRaw validates and decodes one raw buffer, then fans it out. It is
// called from the camera's ingestion goroutine only; its latency is
// independent of viewer count and viewer speed. A full recorder queue blocks
// up to the configured timeout before failing the feed with
// ErrBufferOverflow.
func (b *Broker) PushRaw(cameraName string, buf camera.RawBuffer) error {
	b.mu.RLock()
	feed, ok := b.feeds[cameraName]
	if !ok || b.closed {
		b.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCamera, cameraName)
		}
		return ErrClosed
	}

	want := buf.Width * buf.Height * buf.Channels
	if len(buf.Data) != want || want <= 0 {
		b.mu.RUnlock()
		feed.decodeErrors.Add(1)
		decodeErrorsTotal.WithLabelValues(cameraName).Inc()
		return &DecodeError{Camera: cameraName, Got: len(buf.Data), Want: want}
	}

	frame := PixelFrame{
		Camera:    cameraName,
		Width:     buf.Width,
		Height:    buf.Height,
		Channels:  buf.Channels,
		Data:      append([]byte(nil), buf.Data...),
		Timestamp: buf.Timestamp,
		Sequence:  feed.seq.Add(1),
	}

	// Snapshot destinations, then deliver without the table lock.
	viewers := make([]*Subscription, 0, len(feed.viewers))
	for _, sub := range feed.viewers {
		viewers = append(viewers, sub)
	}
	recorder := feed.recorder
	b.mu.RUnlock()

	feed.frames.Add(1)
	framesTotal.WithLabelValues(cameraName).Inc()

	for _, sub := range viewers {
		b.deliverViewer(feed, sub, frame)
	}
	if recorder != nil {
		b.deliverRecorder(feed, recorder, frame)
	}
	return nil
}

// deliverViewer enqueues best-effort: a full queue gives up its oldest frame
// for the new one. PushRaw is the only producer per camera, so the retry
// after the eviction cannot race another send.
func (b *Broker) deliverViewer(feed *cameraFeed, sub *Subscription, frame PixelFrame) {
	select {
	case sub.frames <- frame:
		sub.lastSeq.Store(frame.Sequence)
		return
	default:
	}
	select {
	case <-sub.frames:
		sub.drops.Add(1)
		feed.viewerDrops.Add(1)
		viewerDropsTotal.WithLabelValues(frame.Camera).Inc()
	default:
	}
	select {
	case sub.frames <- frame:
		sub.lastSeq.Store(frame.Sequence)
	default:
		sub.drops.Add(1)
		feed.viewerDrops.Add(1)
		viewerDropsTotal.WithLabelValues(frame.Camera).Inc()
	}
}

func (b *Broker) deliverRecorder(feed *cameraFeed, rf *RecorderFeed, frame PixelFrame) {
	select {
	case rf.frames <- frame:
		return
	case <-rf.failed:
		return
	default:
	}

	timer := time.NewTimer(b.opts.RecorderEnqueueTimeout)
	defer timer.Stop()
	select {
	case rf.frames <- frame:
	case <-rf.failed:
	case <-timer.C:
		recorderOverflowTotal.WithLabelValues(frame.Camera).Inc()
		b.lg.Error().
			Str(log.FieldCamera, frame.Camera).
			Uint64(log.FieldSequence, frame.Sequence).
			Dur("timeout", b.opts.RecorderEnqueueTimeout).
			Msg("recorder queue overflow, failing feed")
		rf.fail(ErrBufferOverflow)
		rf.Close()
	}
}

// Stats reports the camera's fan-out counters.
func (b *Broker) Stats(cameraName string) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	feed, ok := b.feeds[cameraName]
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrUnknownCamera, cameraName)
	}
	return Stats{
		Viewers:      len(feed.viewers),
		Recording:    feed.recorder != nil,
		FramesTotal:  feed.frames.Load(),
		DecodeErrors: feed.decodeErrors.Load(),
		ViewerDrops:  feed.viewerDrops.Load(),
	}, nil
}

// Close tears down every subscription and recorder feed. Further calls to
// Subscribe, SubscribeRecorder and PushRaw return ErrClosed.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var subs []*Subscription
	var recs []*RecorderFeed
	for _, feed := range b.feeds {
		for _, sub := range feed.viewers {
			subs = append(subs, sub)
		}
		if feed.recorder != nil {
			recs = append(recs, feed.recorder)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	for _, rf := range recs {
		rf.fail(ErrClosed)
		rf.Close()
	}
}
