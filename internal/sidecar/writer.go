// SPDX-License-Identifier: MIT

// Package sidecar captures system and microphone audio alongside the video
// capture loop, writing it to a WAV file the snapshot builder later muxes
// against the selected video segments.
package sidecar

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Format describes the PCM layout audio samples arrive in.
type Format struct {
	SampleRate uint32
	Channels   uint16
	BitsPerSample uint16
}

// BlockAlign returns the byte size of one sample frame across all channels.
func (f Format) BlockAlign() uint16 {
	return (f.BitsPerSample / 8) * f.Channels
}

// Writer buffers PCM samples and writes them to a WAV file, applying a
// linear volume scale before they hit disk.
type Writer struct {
	mu          sync.Mutex
	file        *os.File
	buf         *bufio.Writer
	format      Format
	dataBytes   uint32
	startedAt   time.Time
	volume      float64
}

// NewWriter creates a WAV writer at path with a 44-byte placeholder header
// that Close backfills with the final data size.
func NewWriter(path string, format Format, volume float64) (*Writer, error) {
	// #nosec G304 -- path is derived from the session's own segment directory
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sidecar: create wav file: %w", err)
	}

	w := &Writer{
		file:      f,
		buf:       bufio.NewWriterSize(f, 64*1024),
		format:    format,
		startedAt: time.Now(),
		volume:    volume,
	}

	if err := w.writeHeaderPlaceholder(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeaderPlaceholder() error {
	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], w.format.Channels)
	binary.LittleEndian.PutUint32(header[24:28], w.format.SampleRate)
	byteRate := w.format.SampleRate * uint32(w.format.BlockAlign())
	binary.LittleEndian.PutUint32(header[28:32], byteRate)
	binary.LittleEndian.PutUint16(header[32:34], w.format.BlockAlign())
	binary.LittleEndian.PutUint16(header[34:36], w.format.BitsPerSample)
	copy(header[36:40], "data")

	_, err := w.file.Write(header)
	return err
}

// WriteSamples appends raw little-endian 16-bit PCM samples, scaling each by
// the configured volume and clamping to avoid integer wraparound clipping.
func (w *Writer) WriteSamples(samples []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	scaled := samples
	if w.volume != 1.0 {
		scaled = make([]byte, len(samples))
		for i := 0; i+1 < len(samples); i += 2 {
			s := int16(binary.LittleEndian.Uint16(samples[i : i+2]))
			v := float64(s) * w.volume
			if v > 32767 {
				v = 32767
			} else if v < -32768 {
				v = -32768
			}
			binary.LittleEndian.PutUint16(scaled[i:i+2], uint16(int16(v)))
		}
	}

	n, err := w.buf.Write(scaled)
	w.dataBytes += uint32(n)
	return err
}

// StartOffset returns the wall time elapsed since the Writer was created.
// The value keeps growing on every call; the time of the first sample batch
// is not recorded.
func (w *Writer) StartOffset() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.startedAt)
}

// Close flushes buffered samples, backfills the WAV header's size fields,
// and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("sidecar: flush wav data: %w", err)
	}

	if _, err := w.file.Seek(4, io.SeekStart); err != nil {
		return fmt.Errorf("sidecar: seek riff size: %w", err)
	}
	var riffSize [4]byte
	binary.LittleEndian.PutUint32(riffSize[:], w.dataBytes+36)
	if _, err := w.file.Write(riffSize[:]); err != nil {
		return err
	}

	if _, err := w.file.Seek(40, io.SeekStart); err != nil {
		return fmt.Errorf("sidecar: seek data size: %w", err)
	}
	var dataSize [4]byte
	binary.LittleEndian.PutUint32(dataSize[:], w.dataBytes)
	if _, err := w.file.Write(dataSize[:]); err != nil {
		return err
	}

	return w.file.Close()
}
