// SPDX-License-Identifier: MIT

package capture

import (
	"sync"
	"sync/atomic"

	"github.com/tomtom215/replayd/internal/framepool"
)

// FrameChannel is a bounded, single-producer/single-consumer queue of
// captured frames. When full, it drops the oldest queued frame (returning
// its buffer to the pool) rather than blocking the capture loop — a stalled
// encoder must never stall GPU readback.
type FrameChannel struct {
	pool *framepool.Pool
	ch   chan Frame

	mu     sync.Mutex
	closed bool

	produced uint64
	dropped  uint64
}

// NewFrameChannel creates a FrameChannel with the given capacity, returning
// dropped buffers to pool.
func NewFrameChannel(capacity int, pool *framepool.Pool) *FrameChannel {
	if capacity <= 0 {
		capacity = 3
	}
	return &FrameChannel{
		pool: pool,
		ch:   make(chan Frame, capacity),
	}
}

// Publish enqueues a frame, dropping the oldest queued frame first if the
// channel is full. Returns false if the channel has been closed.
//
// The closed check and the send both happen under mu, so a concurrent Close
// (which also takes mu before closing fc.ch) can never land between them —
// otherwise the send could race a close and panic on a closed channel.
func (fc *FrameChannel) Publish(f Frame) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.closed {
		fc.pool.Put(f.Buf)
		return false
	}

	atomic.AddUint64(&fc.produced, 1)

	for {
		select {
		case fc.ch <- f:
			return true
		default:
		}

		select {
		case oldest := <-fc.ch:
			atomic.AddUint64(&fc.dropped, 1)
			fc.pool.Put(oldest.Buf)
		default:
			// Raced with the consumer draining the channel; retry the send.
		}
	}
}

// Receive returns the channel to read published frames from. Consumers must
// call pool.Put(frame.Buf) exactly once after they're done with each frame.
func (fc *FrameChannel) Receive() <-chan Frame {
	return fc.ch
}

// Close closes the channel and drains any remaining frames back to the pool.
func (fc *FrameChannel) Close() {
	fc.mu.Lock()
	if fc.closed {
		fc.mu.Unlock()
		return
	}
	fc.closed = true
	close(fc.ch)
	fc.mu.Unlock()

	for f := range fc.ch {
		fc.pool.Put(f.Buf)
	}
}

// Produced returns the lifetime count of frames published (including ones
// later dropped).
func (fc *FrameChannel) Produced() uint64 {
	return atomic.LoadUint64(&fc.produced)
}

// Dropped returns the lifetime count of frames dropped due to a full channel.
func (fc *FrameChannel) Dropped() uint64 {
	return atomic.LoadUint64(&fc.dropped)
}
