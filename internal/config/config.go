// SPDX-License-Identifier: MIT

// Package config loads camerad configuration with precedence ENV > file > defaults.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// CameraConfig describes one capture device.
type CameraConfig struct {
	Name     string `yaml:"name"`
	Width    int    `yaml:"width"`
	Height   int    `yaml:"height"`
	Channels int    `yaml:"channels"`
	FPS      int    `yaml:"fps"`
	// Source selects the frame source implementation. "synthetic" is the
	// only built-in; vendor drivers register through the camera package.
	Source string `yaml:"source"`
}

// AppConfig is the effective runtime configuration.
type AppConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	// StorageDir holds one subdirectory per camera with finished recordings.
	StorageDir string `yaml:"storage_dir"`
	// CacheDir holds converted outputs, keyed (file id, format).
	CacheDir string `yaml:"cache_dir"`
	// LibraryDB is the SQLite catalog path.
	LibraryDB string `yaml:"library_db"`

	Cameras []CameraConfig `yaml:"cameras"`

	// Fan-out tuning.
	ViewerQueueCap         int           `yaml:"viewer_queue_cap"`
	RecorderQueueCap       int           `yaml:"recorder_queue_cap"`
	RecorderEnqueueTimeout time.Duration `yaml:"recorder_enqueue_timeout"`
	SequenceGapThreshold   uint64        `yaml:"sequence_gap_threshold"`

	// Live viewer supervision.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// Conversion cache budget and worker pool.
	CacheMaxEntries int           `yaml:"cache_max_entries"`
	CacheMaxBytes   int64         `yaml:"cache_max_bytes"`
	ConvertWorkers  int           `yaml:"convert_workers"`
	ConvertTimeout  time.Duration `yaml:"convert_timeout"`
	FFmpegBin       string        `yaml:"ffmpeg_bin"`
	TargetFormat    string        `yaml:"target_format"`

	// WatchLibrary enables the fsnotify-driven catalog refresh.
	WatchLibrary bool `yaml:"watch_library"`

	// DrainTimeout bounds recorder flush during shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// RateLimitRPS limits mutating API calls per client; 0 disables.
	RateLimitRPS int `yaml:"rate_limit_rps"`
}

// Defaults returns the documented default configuration.
func Defaults() AppConfig {
	return AppConfig{
		ListenAddr:             ":8000",
		LogLevel:               "info",
		StorageDir:             "/var/lib/camerad/recordings",
		ViewerQueueCap:         8,
		RecorderQueueCap:       64,
		RecorderEnqueueTimeout: 2 * time.Second,
		SequenceGapThreshold:   30,
		HeartbeatTimeout:       30 * time.Second,
		CacheMaxEntries:        16,
		CacheMaxBytes:          2 << 30, // 2 GiB
		ConvertWorkers:         2,
		ConvertTimeout:         10 * time.Minute,
		FFmpegBin:              "ffmpeg",
		TargetFormat:           "mp4",
		WatchLibrary:           true,
		DrainTimeout:           5 * time.Second,
		RateLimitRPS:           0,
	}
}

// Validate rejects configurations that cannot run.
func (c *AppConfig) Validate() error {
	if c.StorageDir == "" {
		return fmt.Errorf("storage_dir must be set")
	}
	if c.ViewerQueueCap < 1 {
		return fmt.Errorf("viewer_queue_cap must be >= 1, got %d", c.ViewerQueueCap)
	}
	if c.RecorderQueueCap < 1 {
		return fmt.Errorf("recorder_queue_cap must be >= 1, got %d", c.RecorderQueueCap)
	}
	if c.RecorderEnqueueTimeout <= 0 {
		return fmt.Errorf("recorder_enqueue_timeout must be positive")
	}
	if c.CacheMaxEntries < 1 {
		return fmt.Errorf("cache_max_entries must be >= 1, got %d", c.CacheMaxEntries)
	}
	if c.ConvertWorkers < 1 {
		return fmt.Errorf("convert_workers must be >= 1, got %d", c.ConvertWorkers)
	}
	seen := make(map[string]struct{}, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.Name == "" {
			return fmt.Errorf("camera name must not be empty")
		}
		if _, dup := seen[cam.Name]; dup {
			return fmt.Errorf("duplicate camera name %q", cam.Name)
		}
		seen[cam.Name] = struct{}{}
		if cam.Width <= 0 || cam.Height <= 0 {
			return fmt.Errorf("camera %q: width and height must be positive", cam.Name)
		}
		if cam.Channels <= 0 {
			return fmt.Errorf("camera %q: channels must be positive", cam.Name)
		}
	}
	return nil
}

// applyDerived fills paths that default relative to StorageDir.
func (c *AppConfig) applyDerived() {
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.StorageDir, ".cache")
	}
	if c.LibraryDB == "" {
		c.LibraryDB = filepath.Join(c.StorageDir, "library.db")
	}
	for i := range c.Cameras {
		if c.Cameras[i].Channels == 0 {
			c.Cameras[i].Channels = 3
		}
		if c.Cameras[i].FPS == 0 {
			c.Cameras[i].FPS = 30
		}
		if c.Cameras[i].Source == "" {
			c.Cameras[i].Source = "synthetic"
		}
	}
}
