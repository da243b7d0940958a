// SPDX-License-Identifier: MIT

// Package encoder spawns and supervises the external encoder subprocess
// (ffmpeg or an ABI-compatible binary) that turns raw BGRA frames into
// segmented video files on disk.
package encoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/tomtom215/replayd/internal/util"
)

// resourceSampleInterval is how often the encoder subprocess's CPU/RSS/FD
// usage is sampled for the /metrics surface.
const resourceSampleInterval = 5 * time.Second

// FrameSource is the minimal read side of a capture.FrameChannel: anything
// that can hand the encoder its next frame buffer and a way to release it.
// Defined here (rather than importing internal/capture) to keep encoder
// decoupled from the capture package's pacing/pooling concerns.
type FrameSource interface {
	NextFrame(ctx context.Context) (buf []byte, release func(), ok bool)
}

// Config configures one encoder process's lifecycle.
type Config struct {
	BinaryPath     string // defaults to "ffmpeg" on PATH
	Family         string // software|nvenc|amf|qsv
	Params         Params
	LogDir         string
	SessionName    string
	RestartBackoff *Backoff // nil uses NewBackoff(2s, 30s, 20)
}

// Process manages one running (or restarting) encoder subprocess.
//
// Process implements supervisor.Service so the daemon's supervision tree
// restarts it automatically on crash, separate from the Backoff-governed
// restart delay Process applies to itself between attempts.
type Process struct {
	cfg    Config
	source FrameSource
	logger *slog.Logger
	resMon *ResourceMonitor

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	logFile io.WriteCloser

	framesWritten uint64
	restarts      uint64
}

// NewProcess constructs a Process. source supplies frames pulled from the
// frame channel; binary discovery and arg assembly happen lazily on Run.
func NewProcess(cfg Config, source FrameSource, logger *slog.Logger) *Process {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "ffmpeg"
	}
	logger = logger.With("component", "encoder", "session", cfg.SessionName)
	resMon := NewResourceMonitor(WithLogger(util.SlogWriter{Logger: logger}))
	return &Process{cfg: cfg, source: source, logger: logger, resMon: resMon}
}

// Name implements supervisor.Service.
func (p *Process) Name() string {
	return "encoder-" + p.cfg.SessionName
}

// Run implements supervisor.Service: it launches the encoder subprocess,
// feeds it frames until ctx is cancelled or the process exits, and restarts
// it with backoff on unexpected exit.
func (p *Process) Run(ctx context.Context) error {
	backoff := p.cfg.RestartBackoff
	if backoff == nil {
		backoff = NewBackoff(2*time.Second, 30*time.Second, 20)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		start := time.Now()
		err := p.runOnce(ctx)
		runTime := time.Since(start)

		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// Clean exit without cancellation is still unexpected for a
			// long-lived segmented encode; treat it as a failure to restart.
			err = fmt.Errorf("encoder exited unexpectedly")
		}

		backoff.RecordSuccess(runTime)
		if backoff.ShouldStop() {
			return fmt.Errorf("encoder %s: exceeded max restart attempts: %w", p.cfg.SessionName, err)
		}

		p.mu.Lock()
		p.restarts++
		p.mu.Unlock()

		p.logger.Warn("encoder exited, restarting", "error", err, "ran_for", runTime, "delay", backoff.CurrentDelay())
		if werr := backoff.WaitContext(ctx); werr != nil {
			return nil
		}
	}
}

// runOnce launches one encoder subprocess instance and blocks until it
// exits or ctx is cancelled.
func (p *Process) runOnce(ctx context.Context) error {
	builder, err := BuilderFor(p.cfg.Family)
	if err != nil {
		return err
	}

	args, err := builder.BuildArgs(p.cfg.Params)
	if err != nil {
		return fmt.Errorf("build encoder args: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.cfg.Params.OutputPattern), 0755); err != nil {
		return fmt.Errorf("create segment directory: %w", err)
	}

	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(procCtx, p.cfg.BinaryPath, append([]string{"-hide_banner", "-loglevel", "warning", "-y"}, args...)...)

	logWriter, err := LogWriter(p.cfg.LogDir, p.cfg.SessionName, WithCompression(true))
	if err != nil {
		return fmt.Errorf("open encoder log: %w", err)
	}
	defer logWriter.Close()
	cmd.Stderr = logWriter

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open encoder stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start encoder process: %w", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.logFile = logWriter
	p.mu.Unlock()

	writeErr := make(chan error, 1)
	util.SafeGoWithRecover("encoder-feed-frames-"+p.cfg.SessionName, util.SlogWriter{Logger: p.logger}, func() error {
		return p.feedFrames(procCtx, stdin)
	}, writeErr, nil)

	util.SafeGo("encoder-resource-monitor-"+p.cfg.SessionName, util.SlogWriter{Logger: p.logger}, func() {
		p.resMon.MonitorProcess(procCtx, cmd.Process.Pid, resourceSampleInterval, func(alerts []ResourceAlert) {
			for _, alert := range alerts {
				p.logger.Warn("encoder resource alert", "resource", alert.Resource, "level", alert.Level.String(), "message", alert.Message)
			}
		})
	}, nil)

	waitErr := cmd.Wait()

	select {
	case err := <-writeErr:
		if err != nil && waitErr == nil {
			return err
		}
	default:
	}

	return waitErr
}

// feedFrames pulls frames from the source and writes them to the encoder's
// stdin until the context is cancelled or the pipe breaks.
func (p *Process) feedFrames(ctx context.Context, stdin io.WriteCloser) error {
	defer stdin.Close()
	w := bufio.NewWriterSize(stdin, 1<<20)
	defer w.Flush()

	for {
		buf, release, ok := p.source.NextFrame(ctx)
		if !ok {
			return nil
		}

		_, err := w.Write(buf)
		release()
		if err != nil {
			return fmt.Errorf("write frame to encoder stdin: %w", err)
		}

		p.mu.Lock()
		p.framesWritten++
		p.mu.Unlock()

		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush encoder stdin: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// FramesWritten returns the lifetime count of frames written to the current
// (or most recent) encoder subprocess.
func (p *Process) FramesWritten() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.framesWritten
}

// Restarts returns the number of times the encoder subprocess has been
// restarted after an unexpected exit.
func (p *Process) Restarts() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts
}

// PID returns the current subprocess's PID, or 0 if not running.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Metrics returns the most recently sampled CPU/memory/FD usage for the
// current encoder subprocess, or nil if none has been collected yet (the
// process just started, or isn't running).
func (p *Process) Metrics() *ResourceMetrics {
	pid := p.PID()
	if pid == 0 {
		return nil
	}
	return p.resMon.GetCachedMetrics(pid)
}
