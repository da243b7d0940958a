// SPDX-License-Identifier: MIT

//go:build linux

package sidecar

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
)

// pwRecordSource captures audio by shelling out to pw-record (PipeWire's
// CLI recorder), the same way the encoder package shells out to ffmpeg
// rather than binding libpipewire directly. WASAPI loopback has no Linux
// analog; pw-record against the default sink's monitor source is the
// PipeWire-native equivalent of "what you hear" capture, and against a
// regular source node for the microphone.
type pwRecordSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	reader *bufio.Reader
	format Format
}

const pwChunkFrames = 2048 // frames read per Read() call

// NewDesktopLoopbackSource captures the default sink's monitor via pw-record.
func NewDesktopLoopbackSource() (Source, error) {
	return newPWRecordSource("@DEFAULT_SINK@.monitor")
}

// NewMicrophoneSource captures deviceID (a PipeWire node name or id), or the
// default source if empty.
func NewMicrophoneSource(deviceID string) (Source, error) {
	if deviceID == "" {
		deviceID = "@DEFAULT_SOURCE@"
	}
	return newPWRecordSource(deviceID)
}

func newPWRecordSource(target string) (Source, error) {
	format := Format{SampleRate: 48000, Channels: 2, BitsPerSample: 16}

	cmd := exec.Command("pw-record",
		"--target", target,
		"--rate", "48000",
		"--channels", "2",
		"--format", "s16",
		"-",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar: pw-record stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sidecar: start pw-record: %w", err)
	}

	return &pwRecordSource{
		cmd:    cmd,
		stdout: stdout,
		reader: bufio.NewReaderSize(stdout, 64*1024),
		format: format,
	}, nil
}

// Read implements Source.
func (s *pwRecordSource) Read(ctx context.Context) ([]byte, error) {
	chunkBytes := pwChunkFrames * int(s.format.BlockAlign())
	buf := make([]byte, chunkBytes)

	_, err := io.ReadFull(s.reader, buf)
	if err != nil {
		return nil, fmt.Errorf("sidecar: read pw-record output: %w", err)
	}
	return buf, nil
}

// Format implements Source.
func (s *pwRecordSource) Format() Format {
	return s.format
}

// Close implements Source.
func (s *pwRecordSource) Close() error {
	_ = s.stdout.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}
