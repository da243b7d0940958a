// SPDX-License-Identifier: MIT

package capture

import (
	"log/slog"
	"sync"
	"time"
)

// Pacer holds the capture loop to a target frame interval, correcting for
// drift so that encoding and GPU readback jitter don't compound over a long
// recording.
//
// Unlike a plain time.Ticker, Pacer tracks the wall-clock deadline for the
// next tick rather than re-measuring a fixed interval from "now": if one
// frame takes longer than the interval, the next wait is shortened (never
// lengthened) so the average rate converges on the target instead of
// permanently falling behind.
type Pacer struct {
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	next     time.Time
	started  bool

	ticks          uint64
	missedDeadline uint64
}

// NewPacer creates a Pacer targeting fps frames per second. fps must be > 0.
func NewPacer(fps int, logger *slog.Logger) *Pacer {
	if fps <= 0 {
		fps = 60
	}
	return &Pacer{
		logger:   logger.With("component", "pacer"),
		interval: time.Second / time.Duration(fps),
	}
}

// Wait blocks until the next paced tick is due, returning the actual
// duration waited. The first call returns immediately and establishes the
// timeline.
//
// It sleeps coarse-grained until a millisecond short of the deadline, then
// short-spins to the precise deadline: a plain time.Sleep(wait) is only
// accurate to the OS scheduler's timer resolution (commonly ~1-15ms), which
// is too coarse for frame-accurate pacing at high fps. next only rebases to
// now when the loop has slipped more than 5 intervals behind; smaller
// slips are absorbed by advancing next by exactly one interval so the
// average rate still converges on the target instead of resetting the debt
// to zero every tick.
func (p *Pacer) Wait() time.Duration {
	p.mu.Lock()
	now := time.Now()
	if !p.started {
		p.started = true
		p.next = now.Add(p.interval)
		p.ticks++
		p.mu.Unlock()
		return 0
	}

	deadline := p.next
	behind := now.Sub(deadline)

	if behind > 5*p.interval {
		// Slipped badly behind: rebase rather than spin trying to catch up.
		p.missedDeadline++
		p.next = now.Add(p.interval)
		p.mu.Unlock()
		p.logger.Warn("capture pacing fell behind", "behind_by", behind)
		return 0
	}

	p.next = deadline.Add(p.interval)
	p.ticks++
	p.mu.Unlock()

	wait := deadline.Sub(now)
	if wait <= 0 {
		return 0
	}

	if wait > 2*time.Millisecond {
		time.Sleep(wait - time.Millisecond)
	}
	for time.Now().Before(deadline) {
		// Short-spin the last sub-millisecond stretch to the deadline.
	}
	return wait
}

// Ticks returns the number of paced waits completed so far.
func (p *Pacer) Ticks() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticks
}

// MissedDeadlines returns the number of times the loop fell behind schedule.
func (p *Pacer) MissedDeadlines() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.missedDeadline
}

// Interval returns the configured frame interval.
func (p *Pacer) Interval() time.Duration {
	return p.interval
}

// Reset re-establishes the pacing timeline, used after a pause/resume cycle
// so the first post-resume frame doesn't inherit a stale deadline.
func (p *Pacer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
}
