// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/replayd/config.yaml"

// Config represents the complete replayd configuration.
type Config struct {
	// Recording controls the capture/encode pipeline.
	Recording RecordingConfig `yaml:"recording" koanf:"recording"`

	// Audio controls the sidecar loopback/microphone writer.
	Audio AudioConfig `yaml:"audio" koanf:"audio"`

	// Retention controls the segment store's pruning policy.
	Retention RetentionConfig `yaml:"retention" koanf:"retention"`

	// Monitor settings for health checks.
	Monitor MonitorConfig `yaml:"monitor" koanf:"monitor"`
}

// RecordingConfig contains the capture/encoder parameters for the rolling buffer.
type RecordingConfig struct {
	BufferSeconds       int    `yaml:"buffer_seconds" koanf:"buffer_seconds"`             // Rolling buffer length, seconds
	FPS                 int    `yaml:"fps" koanf:"fps"`                                   // Target capture/encode frame rate
	BitrateBPS          int    `yaml:"bitrate_bps" koanf:"bitrate_bps"`                   // Target encoder bitrate, bits/sec
	CRF                 int    `yaml:"crf" koanf:"crf"`                                   // Constant rate factor (software encoders)
	Preset              string `yaml:"preset" koanf:"preset"`                             // Encoder speed/quality preset
	Encoder             string `yaml:"encoder" koanf:"encoder"`                           // nvenc|amf|qsv|software
	Codec               string `yaml:"codec" koanf:"codec"`                               // h264|h265|vp9|av1
	UseHardwareEncoding bool   `yaml:"use_hardware_encoding" koanf:"use_hardware_encoding"` // fall back to software if false/unsupported
	SavePath            string `yaml:"save_path" koanf:"save_path"`                       // directory snapshots are written to
	MonitorIndex        int    `yaml:"monitor_index" koanf:"monitor_index"`               // which display to duplicate
	SegmentSeconds      int    `yaml:"segment_seconds" koanf:"segment_seconds"`           // encoder output segment length, seconds
	MaxPoolSize         int    `yaml:"max_pool_size" koanf:"max_pool_size"`               // frame buffer pool cap
	ChannelCapacity     int    `yaml:"channel_capacity" koanf:"channel_capacity"`         // frame channel cap (drop-oldest)
}

// AudioConfig contains the audio sidecar's capture parameters.
type AudioConfig struct {
	CaptureDesktop bool    `yaml:"capture_desktop" koanf:"capture_desktop"` // loopback (what-you-hear)
	CaptureMic     bool    `yaml:"capture_mic" koanf:"capture_mic"`
	DesktopVolume  float64 `yaml:"desktop_volume" koanf:"desktop_volume"` // 0.0-2.0 linear scale
	MicVolume      float64 `yaml:"mic_volume" koanf:"mic_volume"`
	MicDeviceID    string  `yaml:"mic_device_id" koanf:"mic_device_id"` // empty = system default
}

// RetentionConfig contains the segment store's pruning policy.
//
// These fields mirror fields that a previous iteration of this project's
// config surface defined but never acted on (max-age and max-bytes limits
// for recorded segments) — the segment package now implements them.
type RetentionConfig struct {
	MaxAge         time.Duration `yaml:"max_age" koanf:"max_age"`                 // 0 = no age limit
	MaxTotalBytes  int64         `yaml:"max_total_bytes" koanf:"max_total_bytes"` // 0 = no size limit
	SweepInterval  time.Duration `yaml:"sweep_interval" koanf:"sweep_interval"`   // how often to list+prune
}

// MonitorConfig contains health monitoring settings.
type MonitorConfig struct {
	Enabled            bool          `yaml:"enabled" koanf:"enabled"`
	Interval           time.Duration `yaml:"interval" koanf:"interval"`
	StallCheckInterval time.Duration `yaml:"stall_check_interval" koanf:"stall_check_interval"`
	MaxStallChecks     int           `yaml:"max_stall_checks" koanf:"max_stall_checks"`
	RestartUnhealthy   bool          `yaml:"restart_unhealthy" koanf:"restart_unhealthy"`
	HealthAddr         string        `yaml:"health_addr" koanf:"health_addr"`
	DiskLowThresholdMB int64         `yaml:"disk_low_threshold_mb" koanf:"disk_low_threshold_mb"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

// atomicCreateTemp is the injectable temp-file creator used by Save.
type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to a YAML file, atomically.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}

	// Config may record a save path and mic device id; restrict to owner+group.
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("recording config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Retention.Validate(); err != nil {
		return fmt.Errorf("retention config: %w", err)
	}
	return nil
}

// Validate checks recording configuration for invalid values.
func (r *RecordingConfig) Validate() error {
	if r.BufferSeconds <= 0 {
		return fmt.Errorf("buffer_seconds must be positive")
	}
	if r.BufferSeconds > 300 {
		return fmt.Errorf("buffer_seconds must not exceed 300 (5 minutes)")
	}
	if r.FPS <= 0 {
		return fmt.Errorf("fps must be positive")
	}
	if r.BitrateBPS <= 0 {
		return fmt.Errorf("bitrate_bps must be positive")
	}
	if r.SavePath == "" {
		return fmt.Errorf("save_path cannot be empty")
	}
	switch r.Encoder {
	case "nvenc", "amf", "qsv", "software", "":
		// valid
	default:
		return fmt.Errorf("encoder must be one of nvenc, amf, qsv, software")
	}
	switch r.Codec {
	case "h264", "h265", "vp9", "av1", "":
		// valid
	default:
		return fmt.Errorf("codec must be one of h264, h265, vp9, av1")
	}
	if r.MonitorIndex < 0 {
		return fmt.Errorf("monitor_index must not be negative")
	}
	return nil
}

// Validate checks audio configuration for invalid values.
func (a *AudioConfig) Validate() error {
	if a.DesktopVolume < 0 || a.DesktopVolume > 2.0 {
		return fmt.Errorf("desktop_volume must be between 0.0 and 2.0")
	}
	if a.MicVolume < 0 || a.MicVolume > 2.0 {
		return fmt.Errorf("mic_volume must be between 0.0 and 2.0")
	}
	return nil
}

// Validate checks retention configuration for invalid values.
func (r *RetentionConfig) Validate() error {
	if r.MaxTotalBytes < 0 {
		return fmt.Errorf("max_total_bytes must not be negative")
	}
	if r.MaxAge < 0 {
		return fmt.Errorf("max_age must not be negative")
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Recording: RecordingConfig{
			BufferSeconds:       120,
			FPS:                 60,
			BitrateBPS:          20_000_000,
			CRF:                 23,
			Preset:              "fast",
			Encoder:             "software",
			Codec:               "h264",
			UseHardwareEncoding: true,
			SavePath:            "./clips",
			MonitorIndex:        0,
			SegmentSeconds:      4,
			MaxPoolSize:         8,
			ChannelCapacity:     3,
		},
		Audio: AudioConfig{
			CaptureDesktop: true,
			CaptureMic:     false,
			DesktopVolume:  1.0,
			MicVolume:      1.0,
		},
		Retention: RetentionConfig{
			MaxAge:        0,
			MaxTotalBytes: 0,
			SweepInterval: 2 * time.Second,
		},
		Monitor: MonitorConfig{
			Enabled:            true,
			Interval:           5 * time.Minute,
			StallCheckInterval: 60 * time.Second,
			MaxStallChecks:     3,
			RestartUnhealthy:   true,
			HealthAddr:         "127.0.0.1:9998",
			DiskLowThresholdMB: 1024,
		},
	}
}
