// SPDX-License-Identifier: MIT

package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/tomtom215/replayd/internal/capture"
	"github.com/tomtom215/replayd/internal/config"
	"github.com/tomtom215/replayd/internal/encoder"
	"github.com/tomtom215/replayd/internal/framepool"
	"github.com/tomtom215/replayd/internal/segment"
	"github.com/tomtom215/replayd/internal/sidecar"
	"github.com/tomtom215/replayd/internal/snapshot"
	"github.com/tomtom215/replayd/internal/supervisor"
	"github.com/tomtom215/replayd/internal/util"
)

// poolWarmupFrames is the number of buffers warmed on every Start so the
// capture loop's first few publishes never pay an allocation.
const poolWarmupFrames = 4

// Recorder is the facade wiring the capture loop, encoder process, segment
// store/retention, and audio sidecar together behind one state machine, and
// exposing it over an event bus for a CLI or UI front-end.
type Recorder struct {
	cfg    config.Config
	logger *slog.Logger
	bus    *EventBus
	sup    *supervisor.Supervisor

	mu    sync.Mutex
	state State

	pool       *framepool.Pool
	channel    *capture.FrameChannel
	duplicator capture.Duplicator
	loop       *capture.Loop
	store      *segment.Store
	retention  *segment.Retention

	encProc       *encoder.Process
	audio         *sidecar.Sidecar
	desktopWriter *sidecar.Writer
	micWriter     *sidecar.Writer
	desktopSrc    sidecar.Source
	micSrc        sidecar.Source
	desktopWavPath string
	micWavPath     string

	monitorWidth, monitorHeight int

	baseStarted bool // capture.Loop + segment.Retention have been added once

	duplicatorFactory func(ctx context.Context, monitorIndex int, logger *slog.Logger) (capture.Duplicator, error)
}

// Option configures a Recorder at construction time.
type Option func(*Recorder)

// WithDuplicatorFactory overrides how Start opens the platform duplicator.
// Tests use this to substitute capture.NewFakeDuplicator for the real
// DXGI/portal backend.
func WithDuplicatorFactory(factory func(ctx context.Context, monitorIndex int, logger *slog.Logger) (capture.Duplicator, error)) Option {
	return func(r *Recorder) {
		r.duplicatorFactory = factory
	}
}

// New constructs a Recorder. The context passed to the first Start opens
// the platform duplicator and is also the context the Recorder's supervisor
// runs under, so cancelling it stops the services registered afterward.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		cfg:               cfg,
		logger:            logger.With("component", "recorder"),
		bus:               NewEventBus(logger),
		sup:               supervisor.New(supervisor.Config{ShutdownTimeout: 10 * time.Second}),
		state:             StateIdle,
		duplicatorFactory: capture.NewDuplicator,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Events returns the websocket event bus front-ends subscribe to.
func (r *Recorder) Events() *EventBus {
	return r.bus
}

// State returns the recorder's current lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recorder) transition(to State) {
	r.mu.Lock()
	from := r.state
	r.state = to
	r.mu.Unlock()
	r.bus.emitStateChanged(from, to)
	r.logger.Info("state transition", "from", from, "to", to)
}

// Start begins (or resumes) recording. On the first call it creates the
// segment store, warms the frame pool, opens the duplicator, and starts the
// capture loop and retention sweep — both of which then run untouched across
// any number of subsequent Pause/Start cycles. Every call (first or resumed)
// (re)spawns the encoder process and audio sidecar.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	if !canStart(state) {
		return &ErrInvalidTransition{From: state, Op: "start"}
	}

	r.transition(StateStarting)

	rc := r.cfg.Recording
	if !r.baseStarted {
		if err := r.startBase(ctx); err != nil {
			r.bus.emitError(err.Error())
			return fmt.Errorf("recorder: start base pipeline: %w", err)
		}
		r.baseStarted = true
	} else {
		r.loop.Resume()
	}

	startOrdinal, err := r.nextSegmentOrdinal()
	if err != nil {
		r.bus.emitError(err.Error())
		return fmt.Errorf("recorder: determine resume ordinal: %w", err)
	}

	if err := r.startAudio(); err != nil {
		r.bus.emitError(err.Error())
		return fmt.Errorf("recorder: start audio sidecar: %w", err)
	}

	source := newChannelFrameSource(r.channel, r.pool)
	encCfg := encoder.Config{
		Family: rc.Encoder,
		Params: encoder.Params{
			Width: r.monitorWidth, Height: r.monitorHeight,
			FPS:                rc.FPS,
			BitrateBPS:         rc.BitrateBPS,
			CRF:                rc.CRF,
			Preset:             rc.Preset,
			Codec:              rc.Codec,
			SegmentSeconds:     rc.SegmentSeconds,
			OutputPattern:      r.store.OutputPattern(),
			SegmentStartNumber: startOrdinal,
		},
		LogDir:      r.store.Dir(),
		SessionName: r.store.SessionID(),
	}
	r.encProc = encoder.NewProcess(encCfg, source, r.logger)
	if err := r.sup.Add(r.encProc); err != nil {
		r.bus.emitError(err.Error())
		return fmt.Errorf("recorder: add encoder service: %w", err)
	}

	r.transition(StateRunning)
	return nil
}

// startBase creates the segment store, frame pool/channel, duplicator, and
// starts the capture loop and retention sweep. Called exactly once per
// Recorder lifetime, on the first Start.
func (r *Recorder) startBase(ctx context.Context) error {
	rc := r.cfg.Recording

	store, err := segment.NewStore(rc.SavePath)
	if err != nil {
		return fmt.Errorf("create segment store: %w", err)
	}
	r.store = store

	duplicator, err := r.duplicatorFactory(ctx, rc.MonitorIndex, r.logger)
	if err != nil {
		return fmt.Errorf("open duplicator: %w", err)
	}
	r.duplicator = duplicator

	monitors, err := duplicator.Monitors()
	if err != nil || len(monitors) == 0 {
		_ = duplicator.Close()
		return fmt.Errorf("enumerate monitors: %w", err)
	}

	r.monitorWidth = monitors[0].WidthPx
	r.monitorHeight = monitors[0].HeightPx

	frameSize := monitors[0].WidthPx * monitors[0].HeightPx * 4
	r.pool = framepool.New(frameSize, rc.MaxPoolSize)
	r.pool.Warmup(poolWarmupFrames)
	r.channel = capture.NewFrameChannel(rc.ChannelCapacity, r.pool)

	r.loop = capture.NewLoop(store.SessionID(), duplicator, r.pool, r.channel, rc.FPS, r.logger,
		capture.WithRecovery(r.duplicatorFactory, rc.MonitorIndex, len(monitors)))
	if err := r.sup.Add(r.loop); err != nil {
		return fmt.Errorf("add capture loop: %w", err)
	}

	r.retention = segment.NewRetention(store, segment.RetentionPolicy{
		MaxAge:        r.cfg.Retention.MaxAge,
		MaxTotalBytes: r.cfg.Retention.MaxTotalBytes,
	}, r.cfg.Retention.SweepInterval, r.logger)
	if err := r.sup.Add(r.retention); err != nil {
		return fmt.Errorf("add retention sweep: %w", err)
	}

	util.SafeGo("recorder-supervisor", util.SlogWriter{Logger: r.logger}, func() {
		if err := r.sup.Run(ctx); err != nil {
			r.logger.Error("supervisor exited", "error", err)
		}
	}, func(recovered interface{}, stack []byte) {
		r.logger.Error("supervisor goroutine panicked", "panic", recovered, "stack", string(stack))
	})

	return nil
}

// nextSegmentOrdinal returns the ordinal the encoder's segment muxer should
// start writing from, so a resumed encoder never collides with segment
// files already on disk from before a pause.
func (r *Recorder) nextSegmentOrdinal() (int, error) {
	segments, err := r.store.List()
	if err != nil {
		return 0, err
	}
	if len(segments) == 0 {
		return 0, nil
	}
	return segments[len(segments)-1].Ordinal + 1, nil
}

// startAudio (re)creates the desktop/mic sources and writers and adds the
// Sidecar service to the supervisor.
func (r *Recorder) startAudio() error {
	ac := r.cfg.Audio
	var err error

	if ac.CaptureDesktop {
		r.desktopSrc, err = sidecar.NewDesktopLoopbackSource()
		if err != nil {
			return fmt.Errorf("open desktop audio source: %w", err)
		}
		r.desktopWavPath = filepath.Join(r.store.Dir(), "desktop.wav")
		r.desktopWriter, err = sidecar.NewWriter(r.desktopWavPath, r.desktopSrc.Format(), ac.DesktopVolume)
		if err != nil {
			return fmt.Errorf("create desktop wav writer: %w", err)
		}
	}

	if ac.CaptureMic {
		r.micSrc, err = sidecar.NewMicrophoneSource(ac.MicDeviceID)
		if err != nil {
			return fmt.Errorf("open microphone source: %w", err)
		}
		r.micWavPath = filepath.Join(r.store.Dir(), "mic.wav")
		r.micWriter, err = sidecar.NewWriter(r.micWavPath, r.micSrc.Format(), ac.MicVolume)
		if err != nil {
			return fmt.Errorf("create mic wav writer: %w", err)
		}
	}

	r.audio = sidecar.NewSidecar(r.store.SessionID(), r.desktopSrc, r.desktopWriter, r.micSrc, r.micWriter, r.logger)
	return r.sup.Add(r.audio)
}

// Pause stops encoding and audio capture without tearing down the capture
// loop or retention sweep, which keep running so the rolling buffer never
// loses coverage while paused.
func (r *Recorder) Pause(ctx context.Context) error {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	if !canPause(state) {
		return &ErrInvalidTransition{From: state, Op: "pause"}
	}

	r.loop.Pause()

	if r.encProc != nil {
		_ = r.sup.Remove(r.encProc.Name())
		r.encProc = nil
	}
	if r.audio != nil {
		_ = r.sup.Remove(r.audio.Name())
		r.audio = nil
	}
	r.closeAudioWriters()

	r.transition(StatePaused)
	return nil
}

func (r *Recorder) closeAudioWriters() {
	if r.desktopWriter != nil {
		if err := r.desktopWriter.Close(); err != nil {
			r.logger.Warn("close desktop audio writer", "error", err)
		}
		r.desktopWriter = nil
	}
	if r.desktopSrc != nil {
		_ = r.desktopSrc.Close()
		r.desktopSrc = nil
	}
	if r.micWriter != nil {
		if err := r.micWriter.Close(); err != nil {
			r.logger.Warn("close mic audio writer", "error", err)
		}
		r.micWriter = nil
	}
	if r.micSrc != nil {
		_ = r.micSrc.Close()
		r.micSrc = nil
	}
}

// SaveClip assembles a clip from the tail of the rolling buffer plus any
// currently recording audio sidecars, returning the saved file's path.
func (r *Recorder) SaveClip(ctx context.Context) (string, error) {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	if !canSaveClip(state) {
		return "", &ErrInvalidTransition{From: state, Op: "save clip"}
	}

	rc := r.cfg.Recording
	opts := snapshot.Options{
		BinaryPath:     "ffmpeg",
		SegmentStore:   r.store,
		SegmentsToKeep: segmentsToKeep(rc.BufferSeconds, rc.SegmentSeconds),
		SegmentSeconds: float64(rc.SegmentSeconds),
		SaveDir:        rc.SavePath,
		Desktop:        r.audioSourceState(r.desktopWriter, r.desktopWavPath),
		Mic:            r.audioSourceState(r.micWriter, r.micWavPath),
		Logger:         r.logger,
	}

	result, err := snapshot.Build(ctx, opts)
	if err != nil {
		r.bus.emitError(err.Error())
		return "", fmt.Errorf("recorder: save clip: %w", err)
	}

	r.bus.emitClipSaved(ClipSavedData{
		Path:          result.Path,
		VideoDuration: result.VideoDuration.Seconds(),
		SegmentCount:  result.SegmentCount,
	})
	return result.Path, nil
}

// audioSourceState reports a sidecar's current state for a save-clip
// request. StartOffset and RecordingElapsed both read from the same
// counter: Writer only tracks wall time since it was created, so the two
// values necessarily coincide until Writer exposes a true first-sample
// timestamp.
func (r *Recorder) audioSourceState(w *sidecar.Writer, path string) snapshot.AudioSource {
	if w == nil {
		return snapshot.AudioSource{}
	}
	elapsed := w.StartOffset()
	return snapshot.AudioSource{
		Path:             path,
		Exists:           true,
		StartOffset:      elapsed,
		RecordingElapsed: elapsed,
	}
}

func segmentsToKeep(bufferSeconds, segmentSeconds int) int {
	if segmentSeconds <= 0 {
		segmentSeconds = 4
	}
	n := (bufferSeconds + segmentSeconds - 1) / segmentSeconds
	if n < 1 {
		n = 1
	}
	return n
}

// Dispose tears the whole pipeline down: encoder, audio, capture loop,
// retention sweep, and the duplicator session, then deletes the session's
// segment directory.
func (r *Recorder) Dispose(ctx context.Context) error {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	if !canDispose(state) {
		return &ErrInvalidTransition{From: state, Op: "dispose"}
	}

	if r.encProc != nil {
		_ = r.sup.Remove(r.encProc.Name())
	}
	if r.audio != nil {
		_ = r.sup.Remove(r.audio.Name())
	}
	r.closeAudioWriters()

	if r.loop != nil {
		_ = r.sup.Remove(r.loop.Name())
	}
	if r.retention != nil {
		_ = r.sup.Remove(r.retention.Name())
	}
	if r.channel != nil {
		r.channel.Close()
	}
	if r.duplicator != nil {
		if err := r.duplicator.Close(); err != nil {
			r.logger.Warn("close duplicator", "error", err)
		}
	}
	if r.store != nil {
		if err := r.store.Erase(); err != nil {
			r.logger.Warn("erase segment store", "error", err)
		}
	}

	r.transition(StateDisposed)
	return nil
}

// PerformanceStats reports the capture loop's current counters plus the
// encoder's restart count, for periodic performance_stats events.
func (r *Recorder) PerformanceStats() Stats {
	if r.loop == nil {
		return Stats{}
	}
	s := r.loop.Stats()
	var restarts uint64
	var cpuPercent float64
	var memBytes int64
	var fds int
	if r.encProc != nil {
		restarts = r.encProc.Restarts()
		if m := r.encProc.Metrics(); m != nil {
			cpuPercent = m.CPUPercent
			memBytes = m.MemoryBytes
			fds = m.FileDescriptors
		}
	}
	return Stats{
		FramesProduced:         s.FramesProduced,
		FramesDropped:          s.FramesDropped,
		EffectiveFPS:           s.EffectiveFPS,
		PoolHitRate:            s.PoolHitRate,
		MissedDeadlines:        s.MissedDeadlines,
		RecoveryAttempts:       s.RecoveryAttempts,
		EncoderRestarts:        restarts,
		EncoderCPUPercent:      cpuPercent,
		EncoderMemoryBytes:     memBytes,
		EncoderFileDescriptors: fds,
	}
}

// Stats mirrors capture.Stats plus the encoder restart count and the
// encoder subprocess's sampled resource usage, so callers needn't import
// internal/capture or internal/encoder just to read PerformanceStats.
type Stats struct {
	FramesProduced         uint64
	FramesDropped          uint64
	EffectiveFPS           float64
	PoolHitRate            float64
	MissedDeadlines        uint64
	RecoveryAttempts       uint64
	EncoderRestarts        uint64
	EncoderCPUPercent      float64
	EncoderMemoryBytes     int64
	EncoderFileDescriptors int
}

// EmitPerformanceStats broadcasts the current counters as a
// performance_stats event; intended to be called on a fixed interval by the
// daemon's main loop.
func (r *Recorder) EmitPerformanceStats() {
	s := r.PerformanceStats()
	r.bus.emitPerformanceStats(PerformanceStatsData{
		FramesProduced:         s.FramesProduced,
		FramesDropped:          s.FramesDropped,
		EffectiveFPS:           s.EffectiveFPS,
		PoolHitRate:            s.PoolHitRate,
		MissedDeadlines:        s.MissedDeadlines,
		RecoveryAttempts:       s.RecoveryAttempts,
		EncoderRestarts:        s.EncoderRestarts,
		EncoderCPUPercent:      s.EncoderCPUPercent,
		EncoderMemoryBytes:     s.EncoderMemoryBytes,
		EncoderFileDescriptors: s.EncoderFileDescriptors,
	})
}
