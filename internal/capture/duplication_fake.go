// SPDX-License-Identifier: MIT

package capture

import (
	"context"
	"sync"
	"time"
)

// FakeDuplicator is a deterministic, synthetic Duplicator used by tests. It
// produces a solid frame
// whose top-left byte increments every tick, which is enough for tests to
// detect drops and verify ordering without decoding real pixels.
type FakeDuplicator struct {
	width, height int

	mu       sync.Mutex
	seq      byte
	closed   bool
	monitors []MonitorInfo
}

// NewFakeDuplicator creates a FakeDuplicator producing width x height BGRA
// frames.
func NewFakeDuplicator(width, height int) *FakeDuplicator {
	return &FakeDuplicator{
		width:  width,
		height: height,
		monitors: []MonitorInfo{
			{Index: 0, Name: "fake-0", Primary: true, WidthPx: width, HeightPx: height, RefreshHz: 60},
		},
	}
}

// AcquireNext implements Duplicator.
func (d *FakeDuplicator) AcquireNext(ctx context.Context, timeout time.Duration) (FrameView, error) {
	select {
	case <-ctx.Done():
		return FrameView{}, ctx.Err()
	default:
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return FrameView{}, ErrDuplicatorLost
	}

	stride := d.width * 4
	buf := make([]byte, stride*d.height)
	buf[0] = d.seq
	d.seq++

	return FrameView{
		Data:       buf,
		Width:      d.width,
		Height:     d.height,
		Stride:     stride,
		CapturedAt: time.Now(),
	}, nil
}

// Release implements Duplicator. FakeDuplicator owns no GPU surface, so
// there's nothing to release.
func (d *FakeDuplicator) Release(FrameView) error {
	return nil
}

// Monitors implements Duplicator.
func (d *FakeDuplicator) Monitors() ([]MonitorInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]MonitorInfo(nil), d.monitors...), nil
}

// Close implements Duplicator.
func (d *FakeDuplicator) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
