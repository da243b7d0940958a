// SPDX-License-Identifier: MIT

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tomtom215/replayd/internal/framepool"
)

// Tuning constants for the drop-handling/recovery state machine. Values per
// the capture loop's documented behavior: republish the last good frame
// through brief gaps, skip publication rather than stutter through longer
// ones, and only tear down the duplication object once a stall looks
// structural rather than transient.
const (
	maxConsecutiveDropsBeforeRecovery = 10
	maxRecoveryAttempts               = 3
	recoveryBackoff                   = 100 * time.Millisecond
	acquireFailureBackoff             = 100 * time.Millisecond
)

// Stats is a snapshot of the capture loop's running performance counters,
// surfaced through the recorder's performance_stats event.
type Stats struct {
	FramesProduced  uint64
	FramesDropped   uint64
	EffectiveFPS    float64
	PoolHitRate     float64
	MissedDeadlines uint64
	TotalMisses     uint64 // cumulative AcquireNext misses, not just consecutive
	RecoveryAttempts uint64
}

// DuplicatorFactory opens a fresh Duplicator for the given monitor ordinal.
// Loop holds one so it can reacquire after capture recovery; it is the same
// function signature recorder.Recorder uses to open the duplicator the first
// time.
type DuplicatorFactory func(ctx context.Context, monitorIndex int, logger *slog.Logger) (Duplicator, error)

// LoopOption configures optional Loop behavior at construction time.
type LoopOption func(*Loop)

// WithRecovery gives Loop the means to recover from a sustained run of
// capture misses: a factory to reopen the duplicator, the monitor ordinal to
// reacquire from, and the number of monitors known to exist (used to clamp
// the ordinal if the display topology shrank). Without this option, Loop
// still runs the drop-handling state machine but treats the
// recovery-threshold case as "keep skipping" since it has no way to rebuild
// the duplicator.
func WithRecovery(factory DuplicatorFactory, monitorIndex, monitorCount int) LoopOption {
	return func(l *Loop) {
		l.duplicatorFactory = factory
		l.monitorIndex = monitorIndex
		l.monitorCount = monitorCount
	}
}

// Loop drives a Duplicator at a paced frame rate, copying each acquired
// frame into a pool buffer and publishing it on a FrameChannel.
//
// Loop implements supervisor.Service so it can be registered with the
// daemon's supervision tree and restarted automatically if the underlying
// Duplicator reports ErrDuplicatorLost.
type Loop struct {
	name       string
	logger     *slog.Logger
	duplicator Duplicator
	pool       *framepool.Pool
	channel    *FrameChannel
	pacer      *Pacer

	duplicatorFactory DuplicatorFactory
	monitorIndex      int
	monitorCount      int

	paused int32 // atomic bool

	seq            uint64
	windowStart    time.Time
	windowProduced uint64

	lastValid *Frame // retained buffer republished through brief capture gaps

	consecutiveMisses uint64 // atomic
	totalMisses       uint64 // atomic
	recoveryAttempts  uint64 // atomic

	statsEveryFrames uint64
	ticksSinceStats  uint64
}

// NewLoop constructs a capture Loop. The caller retains ownership of pool and
// channel; Loop only publishes into channel and borrows buffers from pool.
func NewLoop(name string, duplicator Duplicator, pool *framepool.Pool, channel *FrameChannel, fps int, logger *slog.Logger, opts ...LoopOption) *Loop {
	statsEvery := uint64(10 * fps)
	if statsEvery == 0 {
		statsEvery = 10
	}
	l := &Loop{
		name:             name,
		logger:           logger,
		duplicator:       duplicator,
		pool:             pool,
		channel:          channel,
		pacer:            NewPacer(fps, logger),
		statsEveryFrames: statsEvery,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name implements supervisor.Service.
func (l *Loop) Name() string {
	return l.name
}

// Run implements supervisor.Service. It blocks until ctx is cancelled or the
// duplicator reports an unrecoverable error.
func (l *Loop) Run(ctx context.Context) error {
	l.windowStart = time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if atomic.LoadInt32(&l.paused) == 1 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		l.pacer.Wait()

		view, err := l.duplicator.AcquireNext(ctx, l.pacer.Interval()*2)
		if err != nil {
			if errors.Is(err, ErrNoFrameYet) {
				if recErr := l.handleMiss(ctx); recErr != nil {
					return recErr
				}
				l.tick()
				continue
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if errors.Is(err, ErrDuplicatorLost) {
				return fmt.Errorf("capture %s: duplicator lost: %w", l.name, err)
			}
			l.logger.Warn("capture acquire failed", "loop", l.name, "error", err)
			time.Sleep(acquireFailureBackoff)
			l.tick()
			continue
		}

		atomic.StoreUint64(&l.consecutiveMisses, 0)
		l.publish(view)

		if err := l.duplicator.Release(view); err != nil {
			l.logger.Warn("capture release failed", "loop", l.name, "error", err)
		}
		l.tick()
	}
}

// handleMiss implements the §4.2 graduated drop-handling state machine for a
// single "no frame yet" result: republish the last good frame through brief
// gaps, skip publication through longer ones, and only attempt capture
// recovery once the stall looks structural.
func (l *Loop) handleMiss(ctx context.Context) error {
	atomic.AddUint64(&l.totalMisses, 1)
	misses := atomic.AddUint64(&l.consecutiveMisses, 1)

	switch {
	case misses <= 2:
		l.republishLastValid()
	case misses < maxConsecutiveDropsBeforeRecovery:
		// Skip publication this tick; the encoder's own timebase absorbs
		// the gap rather than the stream stuttering on a stale frame.
	default:
		return l.attemptRecovery(ctx)
	}
	return nil
}

// attemptRecovery releases the duplication object, waits briefly, and
// reacquires from the same monitor ordinal, up to maxRecoveryAttempts. It
// resets the consecutive-miss counter on success and keeps counting attempts
// on failure. Called only from Run's goroutine, so no synchronization is
// needed around swapping l.duplicator.
func (l *Loop) attemptRecovery(ctx context.Context) error {
	if l.duplicatorFactory == nil {
		// No way to rebuild the duplicator; keep skipping publication and
		// let the caller's own stall detection (e.g. a supervisor restart)
		// take over if the device never comes back.
		return nil
	}

	idx := l.monitorIndex
	if l.monitorCount > 0 && idx >= l.monitorCount {
		idx = l.monitorCount - 1
	}

	for attempt := 1; attempt <= maxRecoveryAttempts; attempt++ {
		l.logger.Warn("capture recovery attempt", "loop", l.name, "attempt", attempt,
			"consecutive_misses", atomic.LoadUint64(&l.consecutiveMisses), "monitor_index", idx)

		if err := l.duplicator.Close(); err != nil {
			l.logger.Warn("capture recovery: close duplicator failed", "loop", l.name, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(recoveryBackoff):
		}

		newDup, err := l.duplicatorFactory(ctx, idx, l.logger)
		if err != nil {
			atomic.AddUint64(&l.recoveryAttempts, 1)
			l.logger.Warn("capture recovery failed", "loop", l.name, "attempt", attempt, "error", err)
			continue
		}

		l.duplicator = newDup
		atomic.StoreUint64(&l.consecutiveMisses, 0)
		l.logger.Info("capture recovery succeeded", "loop", l.name, "attempt", attempt)
		return nil
	}

	return fmt.Errorf("capture %s: recovery exhausted after %d attempts", l.name, maxRecoveryAttempts)
}

// republishLastValid republishes the most recently captured frame so the
// encoded stream keeps ticking through a brief capture gap. A no-op if no
// frame has been captured yet.
func (l *Loop) republishLastValid() {
	if l.lastValid == nil {
		return
	}

	buf := l.pool.Get()
	if len(buf) != len(l.lastValid.Buf) {
		buf = make([]byte, len(l.lastValid.Buf))
	}
	copy(buf, l.lastValid.Buf)

	l.seq++
	l.channel.Publish(Frame{
		Buf:        buf,
		Width:      l.lastValid.Width,
		Height:     l.lastValid.Height,
		Seq:        l.seq,
		CapturedAt: l.lastValid.CapturedAt,
	})
	l.windowProduced++
}

// publish copies the acquired view into a pooled buffer and hands it to the
// frame channel, then retains a second pooled copy as the new last_valid
// frame for handleMiss to republish from. The view's own backing memory is
// never retained past this call.
func (l *Loop) publish(view FrameView) {
	buf := l.copyView(view)

	l.seq++
	l.channel.Publish(Frame{
		Buf:        buf,
		Width:      view.Width,
		Height:     view.Height,
		Seq:        l.seq,
		CapturedAt: view.CapturedAt,
	})
	l.windowProduced++

	retained := l.copyView(view)
	old := l.lastValid
	l.lastValid = &Frame{
		Buf:        retained,
		Width:      view.Width,
		Height:     view.Height,
		Seq:        l.seq,
		CapturedAt: view.CapturedAt,
	}
	if old != nil {
		l.pool.Put(old.Buf)
	}
}

// copyView copies a FrameView's pixel data into a freshly rented pool
// buffer, handling the stride-vs-width mismatch row by row when present.
func (l *Loop) copyView(view FrameView) []byte {
	buf := l.pool.Get()
	needed := view.Width * view.Height * 4
	if len(buf) != needed {
		// Resolution changed out from under us; the pool is still sized for
		// the old resolution, so allocate directly rather than feeding it a
		// buffer it would just reject.
		buf = make([]byte, needed)
	}

	if view.Stride == view.Width*4 {
		copy(buf, view.Data)
	} else {
		rowBytes := view.Width * 4
		for row := 0; row < view.Height; row++ {
			srcOff := row * view.Stride
			dstOff := row * rowBytes
			copy(buf[dstOff:dstOff+rowBytes], view.Data[srcOff:srcOff+rowBytes])
		}
	}
	return buf
}

// tick advances the periodic-statistics counter and logs a performance
// summary every 10×fps frames, per §4.2.
func (l *Loop) tick() {
	l.ticksSinceStats++
	if l.ticksSinceStats < l.statsEveryFrames {
		return
	}
	l.ticksSinceStats = 0

	s := l.Stats()
	successRate := 1.0
	if total := s.FramesProduced + s.TotalMisses; total > 0 {
		successRate = float64(s.FramesProduced) / float64(total)
	}
	l.logger.Info("capture performance",
		"loop", l.name,
		"frames_produced", s.FramesProduced,
		"effective_fps", s.EffectiveFPS,
		"capture_success_rate", successRate,
		"total_misses", s.TotalMisses,
		"queue_drops", s.FramesDropped,
	)
}

// Pause stops publishing frames without tearing down the duplicator.
func (l *Loop) Pause() {
	atomic.StoreInt32(&l.paused, 1)
}

// Resume re-enables publishing and resets the pacer's timeline so the first
// post-resume frame isn't paced against a stale deadline.
func (l *Loop) Resume() {
	l.pacer.Reset()
	atomic.StoreInt32(&l.paused, 0)
}

// Stats returns a snapshot of the loop's current performance counters.
func (l *Loop) Stats() Stats {
	elapsed := time.Since(l.windowStart).Seconds()
	var fps float64
	if elapsed > 0 {
		fps = float64(l.windowProduced) / elapsed
	}

	return Stats{
		FramesProduced:   l.channel.Produced(),
		FramesDropped:    l.channel.Dropped(),
		EffectiveFPS:     fps,
		PoolHitRate:      l.pool.HitRate(),
		MissedDeadlines:  l.pacer.MissedDeadlines(),
		TotalMisses:      atomic.LoadUint64(&l.totalMisses),
		RecoveryAttempts: atomic.LoadUint64(&l.recoveryAttempts),
	}
}
