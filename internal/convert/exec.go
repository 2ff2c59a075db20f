// SPDX-License-Identifier: MIT

// Package convert resolves catalog entries to playable byte streams, running
// on-demand format conversion behind a single-flight, LRU-evicting cache.
package convert

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Exec runs the external converter. Tests substitute a mock; production uses
// CommandExecutor with ffmpeg.
type Exec interface {
	Run(ctx context.Context, name string, args []string) error
}

// CommandExecutor shells out to the converter binary. The context bounds and
// cancels the process.
type CommandExecutor struct{}

// Run executes the command and surfaces stderr on failure.
func (CommandExecutor) Run(ctx context.Context, name string, args []string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := stderr.String()
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return nil
}

// ffmpegArgs builds the remux/transcode invocation for one conversion job.
// MJPEG AVI input becomes H.264 MP4 playable in browsers.
func ffmpegArgs(src, dst, format string) []string {
	switch format {
	case "mp4":
		return []string{
			"-y", "-i", src,
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-pix_fmt", "yuv420p",
			"-movflags", "+faststart",
			"-an",
			dst,
		}
	default:
		return []string{"-y", "-i", src, dst}
	}
}
