// SPDX-License-Identifier: MIT

package recorder

import (
	"encoding/binary"
	"fmt"
	"os"
)

// ContainerWriter appends encoded samples to a container file.
type ContainerWriter interface {
	// WriteSample appends one encoded frame in arrival order.
	WriteSample(data []byte) error
	// Close finalizes headers and flushes the file.
	Close() error
}

// WriterFactory opens a container writer for a new recording file.
type WriterFactory func(path string, width, height, fps int) (ContainerWriter, error)

const (
	aviHeaderListSize = 200 // LIST hdrl with one video stream
	avifHasIndex      = 0x00000010
	avifIsInterleaved = 0x00000100
	aviIndexKeyframe  = 0x00000010
)

// AVIWriter writes an MJPEG AVI container. Header size fields are patched
// when the file is closed; an interrupted recording keeps its .partial
// suffix and is ignored by the library scanner.
type AVIWriter struct {
	f      *os.File
	width  int
	height int
	fps    int

	frames    uint32
	moviStart int64
	offset    int64
	index     []aviIndexEntry
	closed    bool
}

type aviIndexEntry struct {
	offset uint32
	size   uint32
}

// NewAVIWriter creates the file and writes a provisional header.
func NewAVIWriter(path string, width, height, fps int) (*AVIWriter, error) {
	if fps <= 0 {
		fps = 30
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	w := &AVIWriter{f: f, width: width, height: height, fps: fps}
	if err := w.writeHeader(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

var _ ContainerWriter = (*AVIWriter)(nil)

func le32(buf []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, v)
}

func le16(buf []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(buf, v)
}

func (w *AVIWriter) writeHeader() error {
	buf := make([]byte, 0, 12+8+aviHeaderListSize+12)

	buf = append(buf, "RIFF"...)
	buf = le32(buf, 0) // patched on close
	buf = append(buf, "AVI "...)

	buf = append(buf, "LIST"...)
	buf = le32(buf, aviHeaderListSize-8)
	buf = append(buf, "hdrl"...)

	// avih: MainAVIHeader
	buf = append(buf, "avih"...)
	buf = le32(buf, 56)
	buf = le32(buf, uint32(1_000_000/w.fps))               // microseconds per frame
	buf = le32(buf, uint32(w.width*w.height*3*w.fps))      // max bytes per second
	buf = le32(buf, 0)                                     // padding granularity
	buf = le32(buf, avifHasIndex|avifIsInterleaved)        // flags
	buf = le32(buf, 0)                                     // total frames, patched
	buf = le32(buf, 0)                                     // initial frames
	buf = le32(buf, 1)                                     // streams
	buf = le32(buf, uint32(w.width*w.height*3))            // suggested buffer size
	buf = le32(buf, uint32(w.width))                       //nolint:gosec
	buf = le32(buf, uint32(w.height))                      //nolint:gosec
	buf = append(buf, make([]byte, 16)...)                 // reserved

	buf = append(buf, "LIST"...)
	buf = le32(buf, 116)
	buf = append(buf, "strl"...)

	// strh: stream header
	buf = append(buf, "strh"...)
	buf = le32(buf, 56)
	buf = append(buf, "vids"...)
	buf = append(buf, "MJPG"...)
	buf = le32(buf, 0)                          // flags
	buf = le16(buf, 0)                          // priority
	buf = le16(buf, 0)                          // language
	buf = le32(buf, 0)                          // initial frames
	buf = le32(buf, 1)                          // scale
	buf = le32(buf, uint32(w.fps))              // rate
	buf = le32(buf, 0)                          // start
	buf = le32(buf, 0)                          // length, patched
	buf = le32(buf, uint32(w.width*w.height*3)) // suggested buffer size
	buf = le32(buf, 0xFFFFFFFF)                 // quality
	buf = le32(buf, 0)                          // sample size
	buf = le16(buf, 0)                          // rcFrame
	buf = le16(buf, 0)
	buf = le16(buf, uint16(w.width))  //nolint:gosec
	buf = le16(buf, uint16(w.height)) //nolint:gosec

	// strf: BITMAPINFOHEADER
	buf = append(buf, "strf"...)
	buf = le32(buf, 40)
	buf = le32(buf, 40)
	buf = le32(buf, uint32(w.width))  //nolint:gosec
	buf = le32(buf, uint32(w.height)) //nolint:gosec
	buf = le16(buf, 1)                // planes
	buf = le16(buf, 24)               // bit count
	buf = append(buf, "MJPG"...)      // compression
	buf = le32(buf, uint32(w.width*w.height*3))
	buf = append(buf, make([]byte, 16)...) // resolution, palette fields

	// movi list, size patched on close
	buf = append(buf, "LIST"...)
	buf = le32(buf, 0)
	buf = append(buf, "movi"...)

	n, err := w.f.Write(buf)
	if err != nil {
		return fmt.Errorf("write container header: %w", err)
	}
	w.moviStart = int64(n) - 12
	w.offset = int64(n)
	return nil
}

// WriteSample appends one JPEG frame as a 00dc chunk.
func (w *AVIWriter) WriteSample(data []byte) error {
	chunk := make([]byte, 0, 8+len(data)+1)
	chunk = append(chunk, "00dc"...)
	chunk = le32(chunk, uint32(len(data))) //nolint:gosec
	chunk = append(chunk, data...)
	if len(data)%2 == 1 {
		chunk = append(chunk, 0) // chunks are word aligned
	}
	if _, err := w.f.Write(chunk); err != nil {
		return fmt.Errorf("write sample: %w", err)
	}
	w.index = append(w.index, aviIndexEntry{
		offset: uint32(w.offset - w.moviStart - 8), //nolint:gosec
		size:   uint32(len(data)),                  //nolint:gosec
	})
	w.offset += int64(len(chunk))
	w.frames++
	return nil
}

// Close writes the idx1 index, patches the size fields and syncs the file.
func (w *AVIWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	idx := make([]byte, 0, 8+16*len(w.index))
	idx = append(idx, "idx1"...)
	idx = le32(idx, uint32(16*len(w.index))) //nolint:gosec
	for _, e := range w.index {
		idx = append(idx, "00dc"...)
		idx = le32(idx, aviIndexKeyframe)
		idx = le32(idx, e.offset)
		idx = le32(idx, e.size)
	}
	if _, err := w.f.Write(idx); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("write index: %w", err)
	}

	riffSize := uint32(w.offset + int64(len(idx)) - 8) //nolint:gosec
	moviSize := uint32(w.offset - w.moviStart - 8)     //nolint:gosec

	patches := []struct {
		at  int64
		val uint32
	}{
		{4, riffSize},
		{32 + 16, w.frames},  // avih dwTotalFrames
		{108 + 32, w.frames}, // strh dwLength
		{w.moviStart + 4, moviSize},
	}
	var scratch [4]byte
	for _, p := range patches {
		binary.LittleEndian.PutUint32(scratch[:], p.val)
		if _, err := w.f.WriteAt(scratch[:], p.at); err != nil {
			_ = w.f.Close()
			return fmt.Errorf("patch header: %w", err)
		}
	}

	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("sync container: %w", err)
	}
	return w.f.Close()
}

// Frames returns how many samples were written.
func (w *AVIWriter) Frames() uint32 { return w.frames }
