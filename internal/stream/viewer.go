// SPDX-License-Identifier: MIT

package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// part is one encoded frame ready for multipart serialization.
type part struct {
	seq  uint64
	data []byte
}

// Viewer is one live subscriber's delivery context. Its queue drops the
// oldest part when full; the delivery loop serializes parts onto the
// subscriber's connection.
type Viewer struct {
	id        string
	camera    string
	createdAt time.Time

	parts chan part
	done  chan struct{}

	drops   atomic.Uint64
	lastSeq atomic.Uint64

	closeOnce sync.Once
}

func newViewer(camera string, capacity int) *Viewer {
	return &Viewer{
		id:        uuid.NewString(),
		camera:    camera,
		createdAt: time.Now(),
		parts:     make(chan part, capacity),
		done:      make(chan struct{}),
	}
}

// ID returns the subscriber id.
func (v *Viewer) ID() string { return v.id }

// Drops returns how many parts were discarded because the viewer lagged.
func (v *Viewer) Drops() uint64 { return v.drops.Load() }

// LastSequence returns the highest sequence number delivered to the queue.
func (v *Viewer) LastSequence() uint64 { return v.lastSeq.Load() }

func (v *Viewer) close() {
	v.closeOnce.Do(func() { close(v.done) })
}

// offer enqueues drop-oldest; the hub loop is the only producer.
func (v *Viewer) offer(p part) {
	select {
	case v.parts <- p:
		v.lastSeq.Store(p.seq)
		return
	default:
	}
	select {
	case <-v.parts:
		v.drops.Add(1)
	default:
	}
	select {
	case v.parts <- p:
		v.lastSeq.Store(p.seq)
	default:
		v.drops.Add(1)
	}
}
