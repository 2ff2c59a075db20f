// SPDX-License-Identifier: MIT

package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Subscription is one live viewer's bounded delivery queue. Full queues drop
// the oldest frame to admit the newest.
type Subscription struct {
	id        string
	camera    string
	createdAt time.Time

	frames chan PixelFrame
	done   chan struct{}

	drops   atomic.Uint64
	lastSeq atomic.Uint64

	closeOnce sync.Once
	onClose   func(*Subscription)
}

func newSubscription(camera string, capacity int, onClose func(*Subscription)) *Subscription {
	return &Subscription{
		id:        uuid.NewString(),
		camera:    camera,
		createdAt: time.Now(),
		frames:    make(chan PixelFrame, capacity),
		done:      make(chan struct{}),
		onClose:   onClose,
	}
}

// ID returns the subscriber id.
func (s *Subscription) ID() string { return s.id }

// Camera returns the camera this subscription observes.
func (s *Subscription) Camera() string { return s.camera }

// CreatedAt returns the registration time.
func (s *Subscription) CreatedAt() time.Time { return s.createdAt }

// Frames is the delivery queue. It is never closed; consumers must also
// select on Done.
func (s *Subscription) Frames() <-chan PixelFrame { return s.frames }

// Done is closed when the subscription is torn down.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Drops returns how many frames were discarded because the queue was full.
func (s *Subscription) Drops() uint64 { return s.drops.Load() }

// LastSequence returns the highest sequence number enqueued so far.
func (s *Subscription) LastSequence() uint64 { return s.lastSeq.Load() }

// Close unregisters the subscription from the broker and wakes its consumer.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose(s)
		}
		close(s.done)
	})
}

// RecorderFeed is the recorder's bounded delivery queue. Unlike viewer
// queues it never drops: a sustained overflow fails the feed instead.
type RecorderFeed struct {
	camera string
	frames chan PixelFrame

	failed   chan struct{}
	failOnce sync.Once
	reason   error

	closeOnce sync.Once
	onClose   func(*RecorderFeed)
}

func newRecorderFeed(camera string, capacity int, onClose func(*RecorderFeed)) *RecorderFeed {
	return &RecorderFeed{
		camera:  camera,
		frames:  make(chan PixelFrame, capacity),
		failed:  make(chan struct{}),
		onClose: onClose,
	}
}

// Camera returns the camera this feed records.
func (f *RecorderFeed) Camera() string { return f.camera }

// Frames is the delivery queue. Consumers must also select on Failed.
func (f *RecorderFeed) Frames() <-chan PixelFrame { return f.frames }

// Failed is closed when the broker tears the feed down after an overflow.
func (f *RecorderFeed) Failed() <-chan struct{} { return f.failed }

// Err returns the failure reason once Failed is closed.
func (f *RecorderFeed) Err() error { return f.reason }

func (f *RecorderFeed) fail(reason error) {
	f.failOnce.Do(func() {
		f.reason = reason
		close(f.failed)
	})
}

// Close unregisters the feed from the broker.
func (f *RecorderFeed) Close() {
	f.closeOnce.Do(func() {
		if f.onClose != nil {
			f.onClose(f)
		}
	})
}
