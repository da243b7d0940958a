// SPDX-License-Identifier: MIT

package sidecar

import (
	"context"
	"log/slog"
	"time"

	"github.com/tomtom215/replayd/internal/util"
)

// Source is a running audio capture stream (desktop loopback or microphone).
type Source interface {
	// Read blocks until at least one buffer of samples is available,
	// returning raw interleaved PCM matching Format().
	Read(ctx context.Context) ([]byte, error)

	// Format returns the PCM layout this source produces.
	Format() Format

	// Close stops capture and releases the underlying device handle.
	Close() error
}

// Sidecar drives up to two Sources (desktop loopback and microphone), each
// into its own Writer. Desktop and mic are kept as separate WAV files rather
// than mixed in-process: the snapshot builder's ffmpeg invocation does the
// actual mixing (amix) at clip-save time, since that's the point where both
// streams' precise start offsets relative to the video are known and a
// single mix decision (duration mode, per-source volume) can be made once
// per clip instead of baked in at capture time.
//
// Sidecar implements supervisor.Service so it can be registered with the
// daemon's supervision tree alongside the capture loop and encoder process.
type Sidecar struct {
	name          string
	desktop       Source
	desktopWriter *Writer
	mic           Source
	micWriter     *Writer
	logger        *slog.Logger
}

// NewSidecar constructs a Sidecar. Either source/writer pair may be nil if
// that source is disabled in config.
func NewSidecar(name string, desktop Source, desktopWriter *Writer, mic Source, micWriter *Writer, logger *slog.Logger) *Sidecar {
	return &Sidecar{
		name: name,
		desktop: desktop, desktopWriter: desktopWriter,
		mic: mic, micWriter: micWriter,
		logger: logger.With("component", "sidecar"),
	}
}

// Name implements supervisor.Service.
func (s *Sidecar) Name() string {
	return "sidecar-" + s.name
}

// Run implements supervisor.Service: it pumps each enabled source into its
// own writer until ctx is cancelled or a source errors out.
func (s *Sidecar) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	active := 0

	logWriter := util.SlogWriter{Logger: s.logger}
	// SafeGoWithRecover closes the channel it is given, so each pump gets
	// its own and forwards its result into errCh.
	start := func(suffix string, src Source, w *Writer) {
		active++
		ch := make(chan error, 1)
		util.SafeGoWithRecover(s.Name()+suffix, logWriter, func() error {
			return s.pump(ctx, src, w)
		}, ch, nil)
		go func() { errCh <- <-ch }()
	}
	if s.desktop != nil {
		start("-desktop", s.desktop, s.desktopWriter)
	}
	if s.mic != nil {
		start("-mic", s.mic, s.micWriter)
	}
	if active == 0 {
		<-ctx.Done()
		return nil
	}

	for i := 0; i < active; i++ {
		if err := <-errCh; err != nil && ctx.Err() == nil {
			return err
		}
	}
	return nil
}

func (s *Sidecar) pump(ctx context.Context, src Source, writer *Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		samples, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("audio source read failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if err := writer.WriteSamples(samples); err != nil {
			return err
		}
	}
}
