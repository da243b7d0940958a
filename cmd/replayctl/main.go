// SPDX-License-Identifier: MIT

// Package main implements replayctl, the companion CLI for the replayd
// daemon: status queries, live event watching over the daemon's WebSocket
// event surface, monitor/device listing, and an interactive first-run
// picker for monitor_index and encoder.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/gorilla/websocket"
	"github.com/mattn/go-isatty"

	"github.com/tomtom215/replayd/internal/capture"
	"github.com/tomtom215/replayd/internal/config"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	GitCommit = "none"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the entry point, extracted for testability.
func run(args []string) error {
	if len(args) == 0 {
		return runHelp()
	}

	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "help", "--help", "-h":
		return runHelp()
	case "version", "--version", "-v":
		return runVersion()
	case "status":
		return runStatus(commandArgs)
	case "watch":
		return runWatch(commandArgs)
	case "devices":
		return runDevices(commandArgs)
	case "setup":
		return runSetup(commandArgs)
	default:
		return fmt.Errorf("unknown command: %s (run 'replayctl help' for usage)", command)
	}
}

func runHelp() error {
	fmt.Printf(`replayctl v%s

USAGE:
    replayctl [COMMAND] [OPTIONS]

COMMANDS:
    help              Show this help message
    version           Show version information
    status            Query the daemon's health endpoint
    watch             Stream live recorder events over WebSocket
    devices           List capturable monitors
    setup             Interactive monitor/encoder picker, writes config

OPTIONS (status, watch):
    --addr=HOST:PORT  Daemon health/event address (default: 127.0.0.1:9998)

OPTIONS (setup):
    --config=PATH     Config file to write (default: %s)
`, Version, config.ConfigFilePath)
	return nil
}

func runVersion() error {
	fmt.Printf("replayctl %s (%s)\n", Version, GitCommit)
	return nil
}

func flagValue(args []string, prefix, def string) string {
	for _, a := range args {
		if strings.HasPrefix(a, prefix) {
			return strings.TrimPrefix(a, prefix)
		}
	}
	return def
}

// runStatus fetches /healthz from the daemon and prints it.
func runStatus(args []string) error {
	addr := flagValue(args, "--addr=", "127.0.0.1:9998")

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		return fmt.Errorf("query daemon at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

// runWatch connects to the daemon's event WebSocket and prints every event
// it receives until interrupted.
func runWatch(args []string) error {
	addr := flagValue(args, "--addr=", "127.0.0.1:9998")

	u := url.URL{Scheme: "ws", Host: addr, Path: "/events"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", u.String(), err)
	}
	defer conn.Close()

	fmt.Printf("Watching events on %s (Ctrl-C to stop)\n", u.String())
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("event stream closed: %w", err)
		}
		fmt.Printf("[%s] %s\n", time.Now().Format(time.RFC3339), string(msg))
	}
}

// runDevices opens a duplicator against monitor 0 just long enough to
// enumerate all available monitors, then closes it.
func runDevices(args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dup, err := capture.NewDuplicator(ctx, 0, logger)
	if err != nil {
		return fmt.Errorf("open capture backend: %w", err)
	}
	defer dup.Close()

	monitors, err := dup.Monitors()
	if err != nil {
		return fmt.Errorf("enumerate monitors: %w", err)
	}

	for _, m := range monitors {
		primary := ""
		if m.Primary {
			primary = " (primary)"
		}
		fmt.Printf("%d: %s %dx%d @ %dHz%s\n", m.Index, m.Name, m.WidthPx, m.HeightPx, m.RefreshHz, primary)
	}
	return nil
}

// runSetup walks the user through picking monitor_index and encoder, then
// saves the result to the config file. When stdout isn't a terminal it
// shows no prompt and keeps the monitor_index and encoder already in the
// config.
func runSetup(args []string) error {
	configPath := flagValue(args, "--config=", config.ConfigFilePath)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dup, err := capture.NewDuplicator(ctx, 0, logger)
	if err != nil {
		return fmt.Errorf("open capture backend: %w", err)
	}
	monitors, err := dup.Monitors()
	_ = dup.Close()
	if err != nil {
		return fmt.Errorf("enumerate monitors: %w", err)
	}
	if len(monitors) == 0 {
		return fmt.Errorf("no capturable monitors found")
	}

	cfg, loadErr := config.LoadConfig(configPath)
	if loadErr != nil {
		cfg = config.DefaultConfig()
	}

	monitorIndex := cfg.Recording.MonitorIndex
	encoder := cfg.Recording.Encoder

	if isatty.IsTerminal(os.Stdout.Fd()) {
		var monitorChoice int
		monitorOpts := make([]huh.Option[int], len(monitors))
		for i, m := range monitors {
			monitorOpts[i] = huh.NewOption(fmt.Sprintf("%d: %s (%dx%d)", m.Index, m.Name, m.WidthPx, m.HeightPx), m.Index)
		}

		var encoderChoice string
		encoderOpts := []huh.Option[string]{
			huh.NewOption("Software (x264)", "software"),
			huh.NewOption("NVIDIA NVENC", "nvenc"),
			huh.NewOption("AMD AMF", "amf"),
			huh.NewOption("Intel Quick Sync", "qsv"),
		}

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewSelect[int]().Title("Monitor to capture").Options(monitorOpts...).Value(&monitorChoice),
				huh.NewSelect[string]().Title("Encoder").Options(encoderOpts...).Value(&encoderChoice),
			),
		)
		if err := form.Run(); err != nil {
			return fmt.Errorf("setup form: %w", err)
		}
		monitorIndex = monitorChoice
		encoder = encoderChoice
	} else {
		fmt.Println("Available monitors:")
		for _, m := range monitors {
			fmt.Printf("  %d: %s (%dx%d)\n", m.Index, m.Name, m.WidthPx, m.HeightPx)
		}
		fmt.Printf("Keeping existing monitor_index=%d encoder=%s (not a terminal, run interactively to change)\n", monitorIndex, encoder)
	}

	cfg.Recording.MonitorIndex = monitorIndex
	cfg.Recording.Encoder = encoder

	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("Saved monitor_index=%d encoder=%s to %s\n", monitorIndex, encoder, configPath)
	return nil
}
