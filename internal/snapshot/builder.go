// SPDX-License-Identifier: MIT

package snapshot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/tomtom215/replayd/internal/segment"
)

// guardTimeout bounds how long a single clip build is allowed to run,
// independent of whatever context the caller supplied — a stuck mux
// subprocess must not pin a save-clip request open forever.
const guardTimeout = 60 * time.Second

// AudioSource describes one recording audio sidecar's current state, as
// read from the Audio Sidecar Writer at the moment a clip is requested.
type AudioSource struct {
	Path             string
	Exists           bool
	StartOffset      time.Duration // time.Since sidecar start when recording began
	RecordingElapsed time.Duration // total wall time the sidecar has been running
}

// Options carries everything the builder needs to assemble one clip.
type Options struct {
	BinaryPath    string
	SegmentStore  *segment.Store
	SegmentsToKeep int // ceil(buffer_seconds / segment_duration)
	SegmentSeconds float64
	SaveDir       string
	Desktop       AudioSource
	Mic           AudioSource
	Logger        *slog.Logger
}

// Result describes a completed clip.
type Result struct {
	Path          string
	VideoDuration time.Duration
	ProbedDuration time.Duration
	SegmentCount  int
	HasDesktopAudio bool
	HasMicAudio   bool
}

// Descriptor is the ephemeral per-request record computed before the mux
// subprocess runs. It exists only for the duration of one Build call.
type descriptor struct {
	outputPath   string
	manifestName string
	cleanup      func()
	segments     []segment.Segment
	videoDur     time.Duration
	audioSeek    time.Duration
	useDesktop   bool
	useMic       bool
}

// Build runs the full snapshot protocol: picks the tail segments, writes a
// checksum-guarded concat manifest, computes the audio alignment offset,
// and spawns the chosen ffmpeg mux variant. Segments are never deleted by
// Build regardless of outcome; that remains Retention's job.
func Build(ctx context.Context, opts Options) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, guardTimeout)
	defer cancel()

	desc, err := prepareDescriptor(opts)
	if err != nil {
		return Result{}, err
	}
	defer desc.cleanup()

	args, err := buildMuxArgs(opts, desc)
	if err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, opts.BinaryPath, args...)
	cmd.Dir = opts.SegmentStore.Dir()
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("snapshot: mux cancelled: %w", ctx.Err())
		}
		return Result{}, fmt.Errorf("snapshot: mux failed: %w\n%s", err, output)
	}

	probed, err := probeDuration(desc.outputPath)
	if err != nil {
		opts.Logger.Warn("snapshot: duration probe failed", "error", err)
	}

	return Result{
		Path:            desc.outputPath,
		VideoDuration:   desc.videoDur,
		ProbedDuration:  probed,
		SegmentCount:    len(desc.segments),
		HasDesktopAudio: desc.useDesktop,
		HasMicAudio:     desc.useMic,
	}, nil
}

func prepareDescriptor(opts Options) (*descriptor, error) {
	segments, err := opts.SegmentStore.CompletedTailSegments(opts.SegmentsToKeep)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list segments: %w", err)
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("snapshot: no segments")
	}

	videoDur := time.Duration(float64(len(segments)) * opts.SegmentSeconds * float64(time.Second))

	basenames := make([]string, len(segments))
	for i, s := range segments {
		basenames[i] = filepath.Base(s.Path)
	}
	manifestName, cleanup, err := writeManifest(opts.SegmentStore.Dir(), basenames)
	if err != nil {
		return nil, err
	}

	outputName, err := outputFilename()
	if err != nil {
		cleanup()
		return nil, err
	}
	outputPath := filepath.Join(opts.SaveDir, outputName)

	useDesktop := opts.Desktop.Exists && opts.Desktop.Path != ""
	useMic := opts.Mic.Exists && opts.Mic.Path != ""

	var elapsed time.Duration
	var startOffset time.Duration
	switch {
	case useDesktop && useMic:
		elapsed = maxDuration(opts.Desktop.RecordingElapsed, opts.Mic.RecordingElapsed)
		startOffset = minDuration(opts.Desktop.StartOffset, opts.Mic.StartOffset)
	case useDesktop:
		elapsed = opts.Desktop.RecordingElapsed
		startOffset = opts.Desktop.StartOffset
	case useMic:
		elapsed = opts.Mic.RecordingElapsed
		startOffset = opts.Mic.StartOffset
	}

	audioSeek := audioSeekOffset(elapsed, videoDur, startOffset)

	return &descriptor{
		outputPath:   outputPath,
		manifestName: manifestName,
		cleanup:      cleanup,
		segments:     segments,
		videoDur:     videoDur,
		audioSeek:    audioSeek,
		useDesktop:   useDesktop,
		useMic:       useMic,
	}, nil
}

// audioSeekOffset aligns the tail of the audio timeline with the tail of
// the selected video segments, clamped so it never goes negative and never
// seeks before the point the audio sidecar itself actually started
// recording (a WAV file has no samples before its own start offset; seeking
// past elapsed-minus-video-duration into that gap would desync the mix).
func audioSeekOffset(elapsed, videoDur, startOffset time.Duration) time.Duration {
	seek := elapsed - videoDur
	if seek < 0 {
		seek = 0
	}
	if seek < startOffset {
		seek = startOffset
	}
	return seek
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// outputFilename produces clip_YYYYMMDD_HHMMSS_fff_<8-hex>.mp4, the 8-hex
// suffix disambiguating clips saved within the same millisecond.
func outputFilename() (string, error) {
	now := time.Now()
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("snapshot: generate filename suffix: %w", err)
	}
	ms := now.Nanosecond() / int(time.Millisecond)
	return fmt.Sprintf("clip_%s_%03d_%s.mp4", now.Format("20060102_150405"), ms, hex.EncodeToString(suffix)), nil
}

