// SPDX-License-Identifier: MIT

package camera

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// SyntheticSource generates deterministic frames at a fixed rate. Frame
// pacing uses a token-bucket limiter so bursts after scheduling hiccups do
// not exceed the configured FPS.
type SyntheticSource struct {
	name     string
	width    int
	height   int
	channels int
	fps      int
}

// NewSyntheticSource creates a generator for the given geometry and rate.
func NewSyntheticSource(name string, width, height, channels, fps int) *SyntheticSource {
	if fps <= 0 {
		fps = 30
	}
	return &SyntheticSource{
		name:     name,
		width:    width,
		height:   height,
		channels: channels,
		fps:      fps,
	}
}

// Camera returns the camera name this source feeds.
func (s *SyntheticSource) Camera() string { return s.name }

// Run generates frames until ctx is cancelled.
func (s *SyntheticSource) Run(ctx context.Context, push PushFunc) error {
	limiter := rate.NewLimiter(rate.Limit(s.fps), 1)
	size := s.width * s.height * s.channels
	buf := make([]byte, size)

	var seq uint64
	for {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		seq++
		fill(buf, s.width, s.channels, seq)
		push(RawBuffer{
			Data:      buf,
			Width:     s.width,
			Height:    s.height,
			Channels:  s.channels,
			Timestamp: time.Now(),
			Sequence:  seq,
		})
	}
}

// fill paints a moving vertical bar so consecutive frames differ and the
// encoder has non-trivial input.
func fill(buf []byte, width, channels int, seq uint64) {
	for i := range buf {
		buf[i] = byte(seq)
	}
	bar := int(seq) % width
	rowBytes := width * channels
	for off := bar * channels; off+channels <= len(buf); off += rowBytes {
		for c := 0; c < channels; c++ {
			buf[off+c] = 0xff
		}
	}
}
