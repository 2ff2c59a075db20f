// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Loader resolves the effective configuration from defaults, an optional
// YAML file, and environment overrides, in increasing precedence.
type Loader struct {
	path string
}

// NewLoader creates a loader for the given config file path. An empty path
// skips the file stage.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load produces a validated AppConfig.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.path != "" {
		raw, err := os.ReadFile(l.path)
		if err != nil {
			return AppConfig{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("parse config file %s: %w", l.path, err)
		}
	}

	l.applyEnv(&cfg)
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (l *Loader) applyEnv(cfg *AppConfig) {
	cfg.ListenAddr = ParseString("CAMERAD_LISTEN", cfg.ListenAddr)
	cfg.LogLevel = ParseString("CAMERAD_LOG_LEVEL", cfg.LogLevel)
	cfg.StorageDir = ParseString("CAMERAD_STORAGE", cfg.StorageDir)
	cfg.CacheDir = ParseString("CAMERAD_CACHE_DIR", cfg.CacheDir)
	cfg.LibraryDB = ParseString("CAMERAD_LIBRARY_DB", cfg.LibraryDB)
	cfg.ViewerQueueCap = ParseInt("CAMERAD_VIEWER_QUEUE_CAP", cfg.ViewerQueueCap)
	cfg.RecorderQueueCap = ParseInt("CAMERAD_RECORDER_QUEUE_CAP", cfg.RecorderQueueCap)
	cfg.RecorderEnqueueTimeout = ParseDuration("CAMERAD_RECORDER_ENQUEUE_TIMEOUT", cfg.RecorderEnqueueTimeout)
	cfg.SequenceGapThreshold = uint64(ParseInt("CAMERAD_SEQUENCE_GAP_THRESHOLD", int(cfg.SequenceGapThreshold)))
	cfg.HeartbeatTimeout = ParseDuration("CAMERAD_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)
	cfg.CacheMaxEntries = ParseInt("CAMERAD_CACHE_MAX_ENTRIES", cfg.CacheMaxEntries)
	cfg.CacheMaxBytes = int64(ParseInt("CAMERAD_CACHE_MAX_BYTES", int(cfg.CacheMaxBytes)))
	cfg.ConvertWorkers = ParseInt("CAMERAD_CONVERT_WORKERS", cfg.ConvertWorkers)
	cfg.ConvertTimeout = ParseDuration("CAMERAD_CONVERT_TIMEOUT", cfg.ConvertTimeout)
	cfg.FFmpegBin = ParseString("CAMERAD_FFMPEG_BIN", cfg.FFmpegBin)
	cfg.TargetFormat = ParseString("CAMERAD_TARGET_FORMAT", cfg.TargetFormat)
	cfg.WatchLibrary = ParseBool("CAMERAD_WATCH_LIBRARY", cfg.WatchLibrary)
	cfg.DrainTimeout = ParseDuration("CAMERAD_DRAIN_TIMEOUT", cfg.DrainTimeout)
	cfg.RateLimitRPS = ParseInt("CAMERAD_RATE_LIMIT_RPS", cfg.RateLimitRPS)
}
