// SPDX-License-Identifier: MIT

package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tomtom215/replayd/internal/framepool"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoop_PublishesFrames(t *testing.T) {
	dup := NewFakeDuplicator(16, 8)
	pool := framepool.New(16*8*4, 8)
	ch := NewFrameChannel(4, pool)

	loop := NewLoop("test-loop", dup, pool, ch, 1000, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	received := 0
	timeout := time.After(200 * time.Millisecond)
loop:
	for {
		select {
		case f := <-ch.Receive():
			if f.Width != 16 || f.Height != 8 {
				t.Errorf("frame dims = %dx%d, want 16x8", f.Width, f.Height)
			}
			pool.Put(f.Buf)
			received++
			if received >= 3 {
				break loop
			}
		case <-timeout:
			break loop
		}
	}

	cancel()
	<-done

	if received == 0 {
		t.Fatal("expected at least one frame to be published")
	}
}

func TestLoop_PauseStopsPublishing(t *testing.T) {
	dup := NewFakeDuplicator(8, 8)
	pool := framepool.New(8*8*4, 4)
	ch := NewFrameChannel(4, pool)

	loop := NewLoop("paused-loop", dup, pool, ch, 1000, discardLogger())
	loop.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	select {
	case f := <-ch.Receive():
		pool.Put(f.Buf)
		t.Fatalf("expected no frames while paused, got one (seq=%d)", f.Seq)
	case <-time.After(50 * time.Millisecond):
		// expected: nothing published
	}

	cancel()
	<-done
}

func TestFrameChannel_DropsOldestWhenFull(t *testing.T) {
	pool := framepool.New(4, 10)
	ch := NewFrameChannel(2, pool)

	for i := 0; i < 5; i++ {
		ch.Publish(Frame{Buf: pool.Get(), Seq: uint64(i)})
	}

	if ch.Produced() != 5 {
		t.Errorf("Produced() = %d, want 5", ch.Produced())
	}
	if ch.Dropped() == 0 {
		t.Error("expected some frames to be dropped when channel overflows")
	}

	// Drain remaining frames and return buffers.
	for len(ch.Receive()) > 0 {
		f := <-ch.Receive()
		pool.Put(f.Buf)
	}
}

func TestFrameChannel_CloseDrainsToPool(t *testing.T) {
	pool := framepool.New(4, 10)
	ch := NewFrameChannel(4, pool)

	ch.Publish(Frame{Buf: pool.Get()})
	ch.Publish(Frame{Buf: pool.Get()})

	beforeLen := pool.Len()
	ch.Close()

	if pool.Len() <= beforeLen {
		t.Errorf("expected Close to return queued buffers to the pool, pool.Len() = %d", pool.Len())
	}
}

func TestLoop_HandleMiss_RepublishesLastValidForBriefGap(t *testing.T) {
	dup := NewFakeDuplicator(4, 4)
	pool := framepool.New(4*4*4, 4)
	ch := NewFrameChannel(4, pool)
	loop := NewLoop("t", dup, pool, ch, 60, discardLogger())

	view, err := dup.AcquireNext(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("AcquireNext: %v", err)
	}
	loop.publish(view)
	drain(t, ch, pool, 1)

	for i := 0; i < 2; i++ {
		if err := loop.handleMiss(context.Background()); err != nil {
			t.Fatalf("handleMiss: %v", err)
		}
	}

	drain(t, ch, pool, 2)

	if got := loop.Stats().TotalMisses; got != 2 {
		t.Errorf("TotalMisses = %d, want 2", got)
	}
}

func TestLoop_HandleMiss_SkipsPublicationFromThirdConsecutiveMiss(t *testing.T) {
	dup := NewFakeDuplicator(4, 4)
	pool := framepool.New(4*4*4, 4)
	ch := NewFrameChannel(4, pool)
	loop := NewLoop("t", dup, pool, ch, 60, discardLogger())

	view, err := dup.AcquireNext(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("AcquireNext: %v", err)
	}
	loop.publish(view)
	drain(t, ch, pool, 1)

	for i := 0; i < 2; i++ {
		if err := loop.handleMiss(context.Background()); err != nil {
			t.Fatalf("handleMiss: %v", err)
		}
	}
	drain(t, ch, pool, 2)

	if err := loop.handleMiss(context.Background()); err != nil {
		t.Fatalf("handleMiss: %v", err)
	}
	select {
	case f := <-ch.Receive():
		pool.Put(f.Buf)
		t.Fatal("expected no publish on the third consecutive miss")
	default:
	}
}

func TestLoop_AttemptRecovery_ReacquiresAfterSustainedMisses(t *testing.T) {
	dup := NewFakeDuplicator(4, 4)
	pool := framepool.New(4*4*4, 4)
	ch := NewFrameChannel(4, pool)

	factoryCalls := 0
	factory := func(ctx context.Context, monitorIndex int, logger *slog.Logger) (Duplicator, error) {
		factoryCalls++
		return NewFakeDuplicator(4, 4), nil
	}

	loop := NewLoop("t", dup, pool, ch, 60, discardLogger(), WithRecovery(factory, 0, 1))

	for i := 0; i < maxConsecutiveDropsBeforeRecovery; i++ {
		if err := loop.handleMiss(context.Background()); err != nil {
			t.Fatalf("handleMiss: %v", err)
		}
	}

	if factoryCalls != 1 {
		t.Errorf("factory calls = %d, want 1", factoryCalls)
	}
	if got := loop.Stats().TotalMisses; got != maxConsecutiveDropsBeforeRecovery {
		t.Errorf("TotalMisses = %d, want %d", got, maxConsecutiveDropsBeforeRecovery)
	}
	if _, err := loop.duplicator.AcquireNext(context.Background(), time.Second); err != nil {
		t.Errorf("expected reacquired duplicator to serve frames, got: %v", err)
	}
}

func TestLoop_AttemptRecovery_ExhaustsAndReturnsErrorOnRepeatedFailure(t *testing.T) {
	dup := NewFakeDuplicator(4, 4)
	pool := framepool.New(4*4*4, 4)
	ch := NewFrameChannel(4, pool)

	factory := func(ctx context.Context, monitorIndex int, logger *slog.Logger) (Duplicator, error) {
		return nil, errors.New("device gone")
	}

	loop := NewLoop("t", dup, pool, ch, 60, discardLogger(), WithRecovery(factory, 0, 1))

	for i := 0; i < maxConsecutiveDropsBeforeRecovery-1; i++ {
		if err := loop.handleMiss(context.Background()); err != nil {
			t.Fatalf("unexpected error before recovery threshold: %v", err)
		}
	}

	if err := loop.handleMiss(context.Background()); err == nil {
		t.Fatal("expected a recovery-exhausted error")
	}

	if got := loop.Stats().RecoveryAttempts; got != maxRecoveryAttempts {
		t.Errorf("RecoveryAttempts = %d, want %d", got, maxRecoveryAttempts)
	}
}

func TestLoop_HandleMiss_NoRecoveryFactoryKeepsSkipping(t *testing.T) {
	dup := NewFakeDuplicator(4, 4)
	pool := framepool.New(4*4*4, 4)
	ch := NewFrameChannel(4, pool)
	loop := NewLoop("t", dup, pool, ch, 60, discardLogger())

	for i := 0; i < maxConsecutiveDropsBeforeRecovery+5; i++ {
		if err := loop.handleMiss(context.Background()); err != nil {
			t.Fatalf("handleMiss without a recovery factory returned an error: %v", err)
		}
	}
}

// drain reads exactly n frames off ch, returning their buffers to pool.
func drain(t *testing.T, ch *FrameChannel, pool *framepool.Pool, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case f := <-ch.Receive():
			pool.Put(f.Buf)
		default:
			t.Fatalf("expected %d frame(s) on the channel, got %d", n, i)
		}
	}
}

func TestFrameChannel_ConcurrentPublishDuringClose(t *testing.T) {
	pool := framepool.New(4, 50)
	ch := NewFrameChannel(2, pool)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			ch.Publish(Frame{Buf: pool.Get(), Seq: uint64(i)})
		}
	}()

	time.Sleep(time.Millisecond)
	ch.Close()
	<-done
}

func TestPacer_FirstWaitIsImmediate(t *testing.T) {
	p := NewPacer(60, discardLogger())
	if d := p.Wait(); d != 0 {
		t.Errorf("first Wait() = %v, want 0", d)
	}
}

func TestPacer_RebasesOnlyAfterLargeSlip(t *testing.T) {
	p := NewPacer(1000, discardLogger()) // 1ms interval
	p.Wait()                             // establishes the timeline

	time.Sleep(2 * p.Interval()) // fall behind, but under the 5x threshold
	p.Wait()
	if got := p.MissedDeadlines(); got != 0 {
		t.Errorf("MissedDeadlines = %d, want 0 for a slip under the rebase threshold", got)
	}

	time.Sleep(10 * p.Interval()) // exceed the 5x threshold
	p.Wait()
	if got := p.MissedDeadlines(); got != 1 {
		t.Errorf("MissedDeadlines = %d, want 1 after exceeding the rebase threshold", got)
	}
}

func TestPacer_SubsequentWaitsApproachInterval(t *testing.T) {
	p := NewPacer(100, discardLogger()) // 10ms interval
	p.Wait()
	d := p.Wait()
	if d <= 0 {
		t.Errorf("second Wait() = %v, want > 0", d)
	}
	if d > p.Interval() {
		t.Errorf("second Wait() = %v, want <= interval %v", d, p.Interval())
	}
}
