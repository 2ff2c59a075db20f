// SPDX-License-Identifier: MIT

// Package camera defines the frame source boundary. Vendor drivers live
// behind the Source interface; the built-in synthetic source serves
// development and test runs.
package camera

import (
	"context"
	"time"
)

// RawBuffer is one camera output as delivered by a driver callback. The
// broker borrows it for a single decode call; drivers may reuse the backing
// array after PushFunc returns.
type RawBuffer struct {
	Data      []byte
	Width     int
	Height    int
	Channels  int
	Timestamp time.Time
	Sequence  uint64
}

// PushFunc receives raw buffers on the driver callback goroutine. It must
// return quickly; all heavy work happens downstream.
type PushFunc func(buf RawBuffer)

// Source produces raw buffers for exactly one camera.
type Source interface {
	// Camera returns the camera name this source feeds.
	Camera() string

	// Run delivers buffers to push until ctx is cancelled. It blocks; the
	// caller runs it on a dedicated goroutine per camera.
	Run(ctx context.Context, push PushFunc) error
}
