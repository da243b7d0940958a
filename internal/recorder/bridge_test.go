// SPDX-License-Identifier: MIT

package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/tomtom215/replayd/internal/capture"
	"github.com/tomtom215/replayd/internal/framepool"
)

func TestChannelFrameSource_NextFrame_DeliversPublishedFrame(t *testing.T) {
	pool := framepool.New(16, 4)
	channel := capture.NewFrameChannel(2, pool)
	defer channel.Close()

	buf := pool.Get()
	buf[0] = 0xAB
	channel.Publish(capture.Frame{Buf: buf, Width: 2, Height: 2})

	src := newChannelFrameSource(channel, pool)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, release, ok := src.NextFrame(ctx)
	if !ok {
		t.Fatal("NextFrame: ok = false, want true")
	}
	if got[0] != 0xAB {
		t.Errorf("NextFrame: buf[0] = %x, want 0xAB", got[0])
	}
	release()
}

func TestChannelFrameSource_NextFrame_ContextCancelled(t *testing.T) {
	pool := framepool.New(16, 4)
	channel := capture.NewFrameChannel(2, pool)
	defer channel.Close()

	src := newChannelFrameSource(channel, pool)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, ok := src.NextFrame(ctx)
	if ok {
		t.Error("NextFrame after cancel: ok = true, want false")
	}
}

func TestChannelFrameSource_NextFrame_ClosedChannel(t *testing.T) {
	pool := framepool.New(16, 4)
	channel := capture.NewFrameChannel(2, pool)
	channel.Close()

	src := newChannelFrameSource(channel, pool)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, _, ok := src.NextFrame(ctx)
	if ok {
		t.Error("NextFrame on closed channel: ok = true, want false")
	}
}
