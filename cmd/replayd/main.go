// SPDX-License-Identifier: MIT

// Package main implements the replayd daemon, the GPU desktop-capture
// instant replay service.
//
// replayd is designed for long unattended sessions, keeping a rolling
// buffer of the desktop in memory/on disk and muxing a clip from that
// buffer on demand, with automatic encoder recovery.
//
// Usage:
//
//	replayd [options]
//
// Options:
//
//	--config=PATH   Path to config file (default: /etc/replayd/config.yaml)
//	--lock-dir=PATH Directory for the single-instance lock file (default: /var/run/replayd)
//	--log-level=LEVEL Log level: debug, info, warn, error (default: info)
//	--help          Show this help message
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/replayd/internal/config"
	"github.com/tomtom215/replayd/internal/diskstat"
	"github.com/tomtom215/replayd/internal/health"
	"github.com/tomtom215/replayd/internal/lock"
	"github.com/tomtom215/replayd/internal/recorder"
)

// Build information (set by ldflags).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath = flag.String("config", config.ConfigFilePath, "Path to configuration file")
	lockDir    = flag.String("lock-dir", "/var/run/replayd", "Directory for the single-instance lock file")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showHelp   = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	logger := newLogger(*logLevel)
	logger.Info("replayd starting", "version", Version, "commit", Commit, "built", BuildTime)

	if err := os.MkdirAll(*lockDir, 0750); err != nil { //nolint:gosec // lock dir needs group read for service monitoring
		logger.Error("create lock directory", "error", err)
		os.Exit(1)
	}

	fl, err := lock.NewFileLock(filepath.Join(*lockDir, "replayd.lock"))
	if err != nil {
		logger.Error("create lock", "error", err)
		os.Exit(1)
	}
	if err := fl.Acquire(5 * time.Second); err != nil {
		logger.Error("acquire single-instance lock; another replayd may be running", "error", err)
		os.Exit(1)
	}
	defer fl.Close()

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		logger.Error("load configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded", "path", *configPath)

	rec := recorder.New(*cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := rec.Start(ctx); err != nil {
		logger.Error("start recorder", "error", err)
		os.Exit(1)
	}

	diskThreshold := cfg.Monitor.DiskLowThresholdMB * 1024 * 1024
	daemon := &daemonStatus{recorder: rec, startedAt: time.Now(), savePath: cfg.Recording.SavePath, diskLowThreshold: diskThreshold}
	handler := health.NewHandler(daemon).WithSystemInfo(daemon).WithRecorderInfo(daemon)

	mux := eventAndHealthMux(rec, handler)

	healthAddr := cfg.Monitor.HealthAddr
	if healthAddr == "" {
		healthAddr = "127.0.0.1:9998"
	}

	// The outer daemon tree: the health/event server and the stats broadcast
	// loop are supervised by suture, which restarts either on an unexpected
	// exit (e.g. a transient listener error) independently of the recorder's
	// own capture/encode pipeline restart logic in internal/supervisor.
	top := suture.NewSimple("replayd")

	ready := make(chan struct{})
	top.Add(&healthService{addr: healthAddr, handler: mux, ready: ready})
	if cfg.Monitor.Enabled {
		top.Add(&statsService{recorder: rec, interval: cfg.Monitor.Interval})
	}

	topDone := make(chan error, 1)
	go func() {
		topDone <- top.Serve(ctx)
	}()

	select {
	case <-ready:
		logger.Info("health/event server listening", "addr", healthAddr)
	case <-ctx.Done():
	}
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := rec.Dispose(shutdownCtx); err != nil {
		logger.Warn("dispose recorder", "error", err)
	}

	if err := <-topDone; err != nil && err != context.Canceled {
		logger.Warn("daemon supervisor exited with error", "error", err)
	}

	logger.Info("replayd stopped")
}

// healthService serves the health/event HTTP endpoint as a suture.Service;
// if ListenAndServeReady returns an error, suture restarts it with backoff.
type healthService struct {
	addr    string
	handler http.Handler
	ready   chan struct{}
}

func (h *healthService) Serve(ctx context.Context) error {
	ready := h.ready
	h.ready = nil // only signal readiness on the first attempt
	return health.ListenAndServeReady(ctx, h.addr, h.handler, ready)
}

// statsService periodically broadcasts performance_stats events to
// connected websocket clients until ctx is cancelled.
type statsService struct {
	recorder *recorder.Recorder
	interval time.Duration
}

func (s *statsService) Serve(ctx context.Context) error {
	interval := s.interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.recorder.EmitPerformanceStats()
		}
	}
}

// eventAndHealthMux routes /events to the recorder's websocket bus and
// everything else to the health handler.
func eventAndHealthMux(rec *recorder.Recorder, healthHandler *health.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/events", rec.Events())
	mux.Handle("/", healthHandler)
	return mux
}

// loadConfiguration loads the config file, falling back to defaults if it
// doesn't exist yet.
func loadConfiguration(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func printUsage() {
	fmt.Println("replayd - GPU desktop instant replay daemon")
	fmt.Printf("Version: %s (%s)\n\n", Version, Commit)
	fmt.Println("Usage: replayd [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGINT, SIGTERM  Graceful shutdown (clip buffer is disposed of)")
}

// daemonStatus adapts the recorder and host filesystem to the health
// package's provider interfaces.
type daemonStatus struct {
	recorder         *recorder.Recorder
	startedAt        time.Time
	savePath         string
	diskLowThreshold int64
}

func (d *daemonStatus) Services() []health.ServiceInfo {
	stats := d.recorder.PerformanceStats()
	state := d.recorder.State()
	return []health.ServiceInfo{{
		Name:    "recorder",
		State:   state.String(),
		Uptime:  time.Since(d.startedAt),
		Healthy: state == recorder.StateRunning || state == recorder.StatePaused,
	}, {
		Name:     "encoder",
		State:    state.String(),
		Healthy:  state == recorder.StateRunning || state == recorder.StatePaused,
		Restarts: int(stats.EncoderRestarts),
	}}
}

func (d *daemonStatus) SystemInfo() health.SystemInfo {
	free, total, err := diskstat.Usage(d.savePath)
	if err != nil {
		return health.SystemInfo{NTPSynced: true}
	}
	threshold := d.diskLowThreshold
	if threshold <= 0 {
		threshold = 1024 * 1024 * 1024
	}
	return health.SystemInfo{
		DiskFreeBytes:  free,
		DiskTotalBytes: total,
		DiskLowWarning: int64(free) < threshold,
		NTPSynced:      true,
	}
}

func (d *daemonStatus) RecorderInfo() health.RecorderInfo {
	stats := d.recorder.PerformanceStats()
	return health.RecorderInfo{
		State:                  d.recorder.State().String(),
		FramesProduced:         stats.FramesProduced,
		FramesDropped:          stats.FramesDropped,
		EffectiveFPS:           stats.EffectiveFPS,
		PoolHitRate:            stats.PoolHitRate,
		RecoveryAttempts:       stats.RecoveryAttempts,
		EncoderCPUPercent:      stats.EncoderCPUPercent,
		EncoderMemoryBytes:     stats.EncoderMemoryBytes,
		EncoderFileDescriptors: stats.EncoderFileDescriptors,
	}
}
