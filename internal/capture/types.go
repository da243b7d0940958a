// SPDX-License-Identifier: MIT

// Package capture drives the GPU desktop-duplication capture loop: it pulls
// frames from a platform-specific Duplicator, paces them to the configured
// frame rate, and publishes them on a bounded, drop-oldest channel for the
// encoder to consume.
package capture

import (
	"context"
	"errors"
	"time"
)

// ErrNoFrameYet is returned by AcquireNext when the desktop hasn't produced a
// new frame within the wait timeout (no damage since the last capture).
var ErrNoFrameYet = errors.New("capture: no new frame within timeout")

// ErrDuplicatorLost is returned when the underlying duplication interface
// needs to be recreated (e.g. a Windows DXGI_ERROR_ACCESS_LOST after a mode
// switch, or the portal session closing on the Linux side).
var ErrDuplicatorLost = errors.New("capture: duplicator interface lost, must be recreated")

// MonitorInfo describes one enumerable capture target.
type MonitorInfo struct {
	Index      int
	Name       string
	Primary    bool
	WidthPx    int
	HeightPx   int
	RefreshHz  int
}

// FrameView is a zero-copy view onto one captured frame's pixel data. Data is
// owned by the Duplicator until Release is called (via the paired
// Duplicator.Release, not by the consumer); capture.Loop copies it into a
// pooled buffer before publishing, so downstream consumers never touch
// FrameView.Data directly.
type FrameView struct {
	Data      []byte // BGRA; each row starts Stride bytes after the previous one
	Width     int
	Height    int
	Stride    int // bytes per row, >= Width*4
	CapturedAt time.Time
}

// Duplicator abstracts a platform's desktop-duplication API (Windows DXGI
// Output Duplication, Linux PipeWire/xdg-desktop-portal ScreenCast) behind
// one acquire/release cycle.
//
// Implementations are not expected to be safe for concurrent use; Loop drives
// exactly one Duplicator from a single goroutine.
type Duplicator interface {
	// AcquireNext blocks until a new frame is available, the timeout elapses
	// (returning ErrNoFrameYet), or ctx is cancelled. The returned FrameView
	// is only valid until the matching Release call.
	AcquireNext(ctx context.Context, timeout time.Duration) (FrameView, error)

	// Release returns ownership of the frame's backing surface to the
	// duplication API. Must be called exactly once per successful
	// AcquireNext, even if the frame was never published downstream.
	Release(FrameView) error

	// Monitors enumerates the capture targets visible to this duplicator.
	Monitors() ([]MonitorInfo, error)

	// Close releases any duplication session resources.
	Close() error
}

// Frame is a pool-owned, fully-copied captured frame ready for the encoder.
// Consumers must call Pool.Put(Frame.Buf) exactly once when done.
type Frame struct {
	Buf       []byte // length == Width*Height*4, pool-owned
	Width     int
	Height    int
	Seq       uint64
	CapturedAt time.Time
}
