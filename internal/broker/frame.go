// SPDX-License-Identifier: MIT

// Package broker validates raw camera buffers and fans the resulting frames
// out to at most one recorder feed and any number of live viewer queues.
package broker

import (
	"fmt"
	"time"
)

// PixelFrame is a validated, decoded frame. Data is owned by the broker and
// immutable after fan-out; queues share the backing array.
type PixelFrame struct {
	Camera    string
	Width     int
	Height    int
	Channels  int
	Data      []byte
	Timestamp time.Time
	Sequence  uint64
}

// DecodeError reports a raw buffer whose length does not match its declared
// geometry. The frame is dropped and counted; ingestion continues.
type DecodeError struct {
	Camera string
	Got    int
	Want   int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: buffer length %d does not match %d (w*h*c)", e.Camera, e.Got, e.Want)
}
