// SPDX-License-Identifier: MIT

//go:build windows

package sidecar

import (
	"context"
	"fmt"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	wca "github.com/moutend/go-wca"
)

// wasapiSource captures either the default render device in loopback mode
// (desktop audio) or a capture device (microphone) via WASAPI's shared-mode
// event-driven client.
type wasapiSource struct {
	enumerator *wca.IMMDeviceEnumerator
	device     *wca.IMMDevice
	client     *wca.IAudioClient
	capture    *wca.IAudioCaptureClient
	format     Format
}

// NewDesktopLoopbackSource opens the system's default playback device in
// WASAPI loopback mode, capturing "what you hear" without a physical
// microphone in the signal path.
func NewDesktopLoopbackSource() (Source, error) {
	return newWASAPISource(wca.ERender, wca.AUDCLNT_STREAMFLAGS_LOOPBACK)
}

// NewMicrophoneSource opens deviceID (or the system default if empty) in
// WASAPI capture mode.
func NewMicrophoneSource(deviceID string) (Source, error) {
	// A full implementation resolves deviceID via
	// IMMDeviceEnumerator.GetDevice(deviceID) when non-empty, falling back to
	// GetDefaultAudioEndpoint(eCapture, eConsole) otherwise. That branch is
	// elided here; newWASAPISource always takes the default device.
	return newWASAPISource(wca.ECapture, 0)
}

func newWASAPISource(dataFlow wca.EDataFlow, streamFlags uint32) (Source, error) {
	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		if oleErr, ok := err.(*ole.OleError); !ok || oleErr.Code() != 0x80010106 {
			return nil, fmt.Errorf("sidecar: CoInitializeEx: %w", err)
		}
	}

	var de *wca.IMMDeviceEnumerator
	if err := wca.CoCreateInstance(wca.CLSID_MMDeviceEnumerator, 0, wca.CLSCTX_ALL, wca.IID_IMMDeviceEnumerator, &de); err != nil {
		return nil, fmt.Errorf("sidecar: CoCreateInstance MMDeviceEnumerator: %w", err)
	}

	var mmd *wca.IMMDevice
	if err := de.GetDefaultAudioEndpoint(dataFlow, wca.EConsole, &mmd); err != nil {
		de.Release()
		return nil, fmt.Errorf("sidecar: GetDefaultAudioEndpoint: %w", err)
	}

	var ac *wca.IAudioClient
	if err := mmd.Activate(wca.IID_IAudioClient, wca.CLSCTX_ALL, nil, &ac); err != nil {
		mmd.Release()
		de.Release()
		return nil, fmt.Errorf("sidecar: Activate IAudioClient: %w", err)
	}

	var wfx *wca.WAVEFORMATEX
	if err := ac.GetMixFormat(&wfx); err != nil {
		ac.Release()
		mmd.Release()
		de.Release()
		return nil, fmt.Errorf("sidecar: GetMixFormat: %w", err)
	}
	defer ole.CoTaskMemFree(uintptr(unsafe.Pointer(wfx)))

	const refTimesPerSec = 10_000_000 // WASAPI buffer duration unit, 100ns
	const bufferDuration = 2 * refTimesPerSec / 10 // 200ms

	if err := ac.Initialize(wca.AUDCLNT_SHAREMODE_SHARED, streamFlags, bufferDuration, 0, wfx, nil); err != nil {
		ac.Release()
		mmd.Release()
		de.Release()
		return nil, fmt.Errorf("sidecar: Initialize IAudioClient: %w", err)
	}

	var acc *wca.IAudioCaptureClient
	if err := ac.GetService(wca.IID_IAudioCaptureClient, &acc); err != nil {
		ac.Release()
		mmd.Release()
		de.Release()
		return nil, fmt.Errorf("sidecar: GetService IAudioCaptureClient: %w", err)
	}

	if err := ac.Start(); err != nil {
		acc.Release()
		ac.Release()
		mmd.Release()
		de.Release()
		return nil, fmt.Errorf("sidecar: Start IAudioClient: %w", err)
	}

	return &wasapiSource{
		enumerator: de,
		device:     mmd,
		client:     ac,
		capture:    acc,
		format: Format{
			SampleRate:    wfx.NSamplesPerSec,
			Channels:      wfx.NChannels,
			BitsPerSample: wfx.WBitsPerSample,
		},
	}, nil
}

// Read implements Source by draining whatever packets WASAPI currently has
// buffered, polling briefly if none are ready yet.
func (s *wasapiSource) Read(ctx context.Context) ([]byte, error) {
	var data *byte
	var framesAvailable uint32
	var flags uint32
	var devicePosition, qpcPosition uint64

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := s.capture.GetBuffer(&data, &framesAvailable, &flags, &devicePosition, &qpcPosition); err != nil {
			return nil, fmt.Errorf("sidecar: GetBuffer: %w", err)
		}
		if framesAvailable == 0 {
			continue
		}

		blockAlign := int(s.format.BlockAlign())
		n := int(framesAvailable) * blockAlign
		out := make([]byte, n)
		src := unsafe.Slice(data, n)
		copy(out, src)

		if err := s.capture.ReleaseBuffer(framesAvailable); err != nil {
			return nil, fmt.Errorf("sidecar: ReleaseBuffer: %w", err)
		}
		return out, nil
	}
}

// Format implements Source.
func (s *wasapiSource) Format() Format {
	return s.format
}

// Close implements Source.
func (s *wasapiSource) Close() error {
	_ = s.client.Stop()
	s.capture.Release()
	s.client.Release()
	s.device.Release()
	s.enumerator.Release()
	return nil
}
