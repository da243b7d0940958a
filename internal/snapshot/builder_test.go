// SPDX-License-Identifier: MIT

package snapshot

import (
	"strings"
	"testing"
	"time"
)

func TestAudioSeekOffset(t *testing.T) {
	tests := []struct {
		name                               string
		elapsed, videoDur, startOffset, want time.Duration
	}{
		{"elapsed shorter than video, clamps to zero", 5 * time.Second, 10 * time.Second, 0, 0},
		{"normal case, seeks into the tail", 40 * time.Second, 10 * time.Second, 0, 30 * time.Second},
		{"clamps to audio's own start offset", 12 * time.Second, 10 * time.Second, 5 * time.Second, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := audioSeekOffset(tt.elapsed, tt.videoDur, tt.startOffset)
			if got != tt.want {
				t.Errorf("audioSeekOffset(%v, %v, %v) = %v, want %v", tt.elapsed, tt.videoDur, tt.startOffset, got, tt.want)
			}
		})
	}
}

func TestOutputFilename_MatchesPattern(t *testing.T) {
	name, err := outputFilename()
	if err != nil {
		t.Fatalf("outputFilename: %v", err)
	}
	if !strings.HasPrefix(name, "clip_") || !strings.HasSuffix(name, ".mp4") {
		t.Errorf("filename %q does not match clip_*.mp4 pattern", name)
	}
}

func TestOutputFilename_DisambiguatesRepeatCalls(t *testing.T) {
	a, err := outputFilename()
	if err != nil {
		t.Fatal(err)
	}
	b, err := outputFilename()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("expected distinct filenames from back-to-back calls")
	}
}

func TestBuildMuxArgs_NoAudioVariant(t *testing.T) {
	opts := Options{}
	desc := &descriptor{manifestName: "concat-x.txt", outputPath: "/tmp/out.mp4"}

	args, err := buildMuxArgs(opts, desc)
	if err != nil {
		t.Fatalf("buildMuxArgs: %v", err)
	}
	joined := strings.Join(args, " ")
	if strings.Contains(joined, "amix") {
		t.Error("no-audio variant should not reference amix")
	}
	if !strings.Contains(joined, "copy") {
		t.Error("expected stream-copy video in no-audio variant")
	}
}

func TestBuildMuxArgs_DesktopAndMicUsesAmix(t *testing.T) {
	opts := Options{
		Desktop: AudioSource{Path: "desktop.wav", Exists: true},
		Mic:     AudioSource{Path: "mic.wav", Exists: true},
	}
	desc := &descriptor{
		manifestName: "concat-x.txt",
		outputPath:   "/tmp/out.mp4",
		useDesktop:   true,
		useMic:       true,
	}

	args, err := buildMuxArgs(opts, desc)
	if err != nil {
		t.Fatalf("buildMuxArgs: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "amix=inputs=2") {
		t.Error("expected amix filter for desktop+mic variant")
	}
}

func TestBuildMuxArgs_DesktopOnlyUsesShortest(t *testing.T) {
	opts := Options{Desktop: AudioSource{Path: "desktop.wav", Exists: true}}
	desc := &descriptor{manifestName: "concat-x.txt", outputPath: "/tmp/out.mp4", useDesktop: true}

	args, err := buildMuxArgs(opts, desc)
	if err != nil {
		t.Fatalf("buildMuxArgs: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-shortest") {
		t.Error("expected -shortest in single-source audio variant")
	}
	if strings.Contains(joined, "amix") {
		t.Error("single-source variant should not use amix")
	}
}
