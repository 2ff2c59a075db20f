// SPDX-License-Identifier: MIT

// Package recorder owns per-camera recording sessions: durable, ordered
// writers of one camera's frame sequence into a container file.
package recorder

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/viznet/camerad/internal/broker"
)

// Encoder turns a decoded frame into one compressed container sample.
type Encoder interface {
	Encode(frame broker.PixelFrame) ([]byte, error)
}

// JPEGEncoder compresses frames to JPEG for the MJPEG container track and
// for live preview parts.
type JPEGEncoder struct {
	Quality int
}

// Encode compresses one frame. Supported channel layouts are 1 (grayscale)
// and 3 (RGB).
func (e *JPEGEncoder) Encode(frame broker.PixelFrame) ([]byte, error) {
	var img image.Image
	switch frame.Channels {
	case 1:
		img = &image.Gray{
			Pix:    frame.Data,
			Stride: frame.Width,
			Rect:   image.Rect(0, 0, frame.Width, frame.Height),
		}
	case 3:
		img = &rgbImage{frame: frame}
	default:
		return nil, fmt.Errorf("encode %s: unsupported channel count %d", frame.Camera, frame.Channels)
	}

	quality := e.Quality
	if quality <= 0 {
		quality = 85
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode %s: %w", frame.Camera, err)
	}
	return buf.Bytes(), nil
}

// rgbImage adapts a packed RGB frame to image.Image without copying.
type rgbImage struct {
	frame broker.PixelFrame
}

func (r *rgbImage) ColorModel() color.Model { return color.RGBAModel }

func (r *rgbImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, r.frame.Width, r.frame.Height)
}

func (r *rgbImage) At(x, y int) color.Color {
	off := (y*r.frame.Width + x) * 3
	return color.RGBA{
		R: r.frame.Data[off],
		G: r.frame.Data[off+1],
		B: r.frame.Data[off+2],
		A: 0xff,
	}
}
