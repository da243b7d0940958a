// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_Validates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error: %v", err)
	}
}

func TestLoadConfig_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Recording.BufferSeconds = 45
	cfg.Recording.SavePath = dir

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if loaded.Recording.BufferSeconds != 45 {
		t.Errorf("BufferSeconds = %d, want 45", loaded.Recording.BufferSeconds)
	}
	if loaded.Recording.SavePath != dir {
		t.Errorf("SavePath = %q, want %q", loaded.Recording.SavePath, dir)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("not: valid: yaml: [["), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestSave_IsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".yaml" || e.Name() != "config.yaml" {
			if e.Name() != "config.yaml" {
				t.Errorf("leftover temp file after Save(): %s", e.Name())
			}
		}
	}
}

func TestRecordingConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RecordingConfig)
		wantErr bool
	}{
		{"valid defaults", func(r *RecordingConfig) {}, false},
		{"zero buffer seconds", func(r *RecordingConfig) { r.BufferSeconds = 0 }, true},
		{"buffer seconds too large", func(r *RecordingConfig) { r.BufferSeconds = 301 }, true},
		{"zero fps", func(r *RecordingConfig) { r.FPS = 0 }, true},
		{"zero bitrate", func(r *RecordingConfig) { r.BitrateBPS = 0 }, true},
		{"empty save path", func(r *RecordingConfig) { r.SavePath = "" }, true},
		{"bad encoder", func(r *RecordingConfig) { r.Encoder = "potato" }, true},
		{"bad codec", func(r *RecordingConfig) { r.Codec = "divx" }, true},
		{"negative monitor index", func(r *RecordingConfig) { r.MonitorIndex = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig().Recording
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAudioConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		volume  float64
		wantErr bool
	}{
		{"zero volume", 0.0, false},
		{"default volume", 1.0, false},
		{"max volume", 2.0, false},
		{"negative volume", -0.1, true},
		{"over max volume", 2.1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := AudioConfig{DesktopVolume: tt.volume, MicVolume: 1.0}
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetentionConfig_Validate(t *testing.T) {
	tests := []struct {
		name          string
		maxTotalBytes int64
		maxAge        time.Duration
		wantErr       bool
	}{
		{"zero limits", 0, 0, false},
		{"positive limits", 1024, time.Hour, false},
		{"negative bytes", -1, 0, true},
		{"negative age", 0, -time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := RetentionConfig{MaxTotalBytes: tt.maxTotalBytes, MaxAge: tt.maxAge}
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
