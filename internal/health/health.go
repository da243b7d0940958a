// SPDX-License-Identifier: MIT

// Package health provides an HTTP health check endpoint for the replayd daemon.
//
// The health check exposes service status at /healthz as JSON, suitable for
// systemd watchdog, load balancer probes, or monitoring systems.
//
// A Prometheus-compatible /metrics endpoint is also served, providing per-service
// uptime, restart counts, failure counts, and disk space gauges, plus recorder-
// specific gauges (frame pool hit rate, dropped frames, retained segment bytes).
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ServiceInfo describes the health state of a single supervised service
// (replayd reports "recorder" and "encoder").
type ServiceInfo struct {
	Name     string        `json:"name"`
	State    string        `json:"state"`
	Uptime   time.Duration `json:"uptime_ns"`
	Healthy  bool          `json:"healthy"`
	Error    string        `json:"error,omitempty"`
	Restarts int           `json:"restarts,omitempty"` // total supervisor restarts
	Failures int           `json:"failures,omitempty"` // encoder-level failures
}

// SystemInfo contains system-level health data included in the health response.
type SystemInfo struct {
	DiskFreeBytes  uint64 `json:"disk_free_bytes"`
	DiskTotalBytes uint64 `json:"disk_total_bytes"`
	DiskLowWarning bool   `json:"disk_low_warning,omitempty"`
	NTPSynced      bool   `json:"ntp_synced"`
	NTPMessage     string `json:"ntp_message,omitempty"`
}

// RecorderInfo contains recorder-pipeline gauges: frame pool utilization,
// drop counts, and retained segment bookkeeping.
type RecorderInfo struct {
	State                  string  `json:"state"`
	FramesProduced         uint64  `json:"frames_produced"`
	FramesDropped          uint64  `json:"frames_dropped"`
	EffectiveFPS           float64 `json:"effective_fps"`
	PoolHitRate            float64 `json:"pool_hit_rate"`
	RecoveryAttempts       uint64  `json:"recovery_attempts"`
	RetainedSegments       int     `json:"retained_segments"`
	RetainedBytes          int64   `json:"retained_bytes"`
	EncoderCPUPercent      float64 `json:"encoder_cpu_percent"`
	EncoderMemoryBytes     int64   `json:"encoder_memory_bytes"`
	EncoderFileDescriptors int     `json:"encoder_file_descriptors"`
}

// StatusProvider returns the current health status of all services.
// The daemon implements this interface to supply live data.
type StatusProvider interface {
	Services() []ServiceInfo
}

// SystemInfoProvider returns system-level health data.
// The daemon implements this interface to supply disk space and NTP info.
type SystemInfoProvider interface {
	SystemInfo() SystemInfo
}

// RecorderInfoProvider returns recorder-pipeline gauges.
// The daemon implements this interface to supply live capture/encode stats.
type RecorderInfoProvider interface {
	RecorderInfo() RecorderInfo
}

// Response is the JSON body returned by the health endpoint.
type Response struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Services  []ServiceInfo `json:"services"`
	System    *SystemInfo   `json:"system,omitempty"`
	Recorder  *RecorderInfo `json:"recorder,omitempty"`
}

// Handler serves the /healthz and /metrics endpoints.
type Handler struct {
	provider      StatusProvider
	sysProvider   SystemInfoProvider
	recProvider   RecorderInfoProvider
}

// NewHandler creates a health check HTTP handler.
func NewHandler(provider StatusProvider) *Handler {
	return &Handler{provider: provider}
}

// WithSystemInfo attaches an optional system info provider to the handler.
// When set, disk space and NTP status are included in /healthz responses and
// /metrics output.
func (h *Handler) WithSystemInfo(p SystemInfoProvider) *Handler {
	h.sysProvider = p
	return h
}

// WithRecorderInfo attaches an optional recorder-stats provider to the handler.
// When set, frame pool and retention gauges are included in /healthz responses
// and /metrics output.
func (h *Handler) WithRecorderInfo(p RecorderInfoProvider) *Handler {
	h.recProvider = p
	return h
}

// ServeHTTP implements http.Handler, routing to /healthz and /metrics.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/metrics":
		h.serveMetrics(w, r)
	default:
		h.serveHealth(w, r)
	}
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := Response{
		Timestamp: time.Now(),
	}

	var services []ServiceInfo
	if h.provider != nil {
		services = h.provider.Services()
	}
	resp.Services = services

	healthy := len(services) > 0
	for _, svc := range services {
		if !svc.Healthy {
			healthy = false
			break
		}
	}

	if healthy {
		resp.Status = "healthy"
	} else {
		resp.Status = "unhealthy"
	}

	if h.sysProvider != nil {
		si := h.sysProvider.SystemInfo()
		resp.System = &si
		if si.DiskLowWarning {
			resp.Status = "degraded"
			healthy = false
		}
		if !si.NTPSynced {
			// NTP desync is a warning, not a hard failure — keep status as-is
			// but ensure the degraded state is visible in the JSON body.
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	if h.recProvider != nil {
		ri := h.recProvider.RecorderInfo()
		resp.Recorder = &ri
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy && resp.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// serveMetrics writes a Prometheus text-format metrics response.
// This implements a minimal subset of the exposition format without any
// external dependency — no prometheus/client_golang import required.
func (h *Handler) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var sb strings.Builder

	var services []ServiceInfo
	if h.provider != nil {
		services = h.provider.Services()
	}

	// Per-service metrics.
	if len(services) > 0 {
		fmt.Fprintln(&sb, "# HELP replayd_service_healthy Is the service currently healthy (1=healthy, 0=not).")
		fmt.Fprintln(&sb, "# TYPE replayd_service_healthy gauge")
		for _, svc := range services {
			v := 0
			if svc.Healthy {
				v = 1
			}
			fmt.Fprintf(&sb, "replayd_service_healthy{service=%q} %d\n", svc.Name, v)
		}

		fmt.Fprintln(&sb, "# HELP replayd_service_uptime_seconds Seconds since service last started.")
		fmt.Fprintln(&sb, "# TYPE replayd_service_uptime_seconds gauge")
		for _, svc := range services {
			secs := svc.Uptime.Seconds()
			fmt.Fprintf(&sb, "replayd_service_uptime_seconds{service=%q} %.3f\n", svc.Name, secs)
		}

		fmt.Fprintln(&sb, "# HELP replayd_service_restarts_total Total supervisor restarts for service.")
		fmt.Fprintln(&sb, "# TYPE replayd_service_restarts_total counter")
		for _, svc := range services {
			fmt.Fprintf(&sb, "replayd_service_restarts_total{service=%q} %d\n", svc.Name, svc.Restarts)
		}

		fmt.Fprintln(&sb, "# HELP replayd_service_failures_total Total failures reported by service.")
		fmt.Fprintln(&sb, "# TYPE replayd_service_failures_total counter")
		for _, svc := range services {
			fmt.Fprintf(&sb, "replayd_service_failures_total{service=%q} %d\n", svc.Name, svc.Failures)
		}
	}

	// Recorder pipeline metrics.
	if h.recProvider != nil {
		ri := h.recProvider.RecorderInfo()

		fmt.Fprintln(&sb, "# HELP replayd_frames_produced_total Total frames captured since recorder start.")
		fmt.Fprintln(&sb, "# TYPE replayd_frames_produced_total counter")
		fmt.Fprintf(&sb, "replayd_frames_produced_total %d\n", ri.FramesProduced)

		fmt.Fprintln(&sb, "# HELP replayd_frames_dropped_total Total frames dropped from the frame channel.")
		fmt.Fprintln(&sb, "# TYPE replayd_frames_dropped_total counter")
		fmt.Fprintf(&sb, "replayd_frames_dropped_total %d\n", ri.FramesDropped)

		fmt.Fprintln(&sb, "# HELP replayd_effective_fps Effective capture frame rate over the last statistics window.")
		fmt.Fprintln(&sb, "# TYPE replayd_effective_fps gauge")
		fmt.Fprintf(&sb, "replayd_effective_fps %.3f\n", ri.EffectiveFPS)

		fmt.Fprintln(&sb, "# HELP replayd_pool_hit_rate Fraction of frame buffer acquisitions served from the pool.")
		fmt.Fprintln(&sb, "# TYPE replayd_pool_hit_rate gauge")
		fmt.Fprintf(&sb, "replayd_pool_hit_rate %.4f\n", ri.PoolHitRate)

		fmt.Fprintln(&sb, "# HELP replayd_retained_segments Number of encoded segments currently retained on disk.")
		fmt.Fprintln(&sb, "# TYPE replayd_retained_segments gauge")
		fmt.Fprintf(&sb, "replayd_retained_segments %d\n", ri.RetainedSegments)

		fmt.Fprintln(&sb, "# HELP replayd_retained_bytes Total bytes of retained segments on disk.")
		fmt.Fprintln(&sb, "# TYPE replayd_retained_bytes gauge")
		fmt.Fprintf(&sb, "replayd_retained_bytes %d\n", ri.RetainedBytes)

		fmt.Fprintln(&sb, "# HELP replayd_recovery_attempts_total Total capture device recovery attempts.")
		fmt.Fprintln(&sb, "# TYPE replayd_recovery_attempts_total counter")
		fmt.Fprintf(&sb, "replayd_recovery_attempts_total %d\n", ri.RecoveryAttempts)

		fmt.Fprintln(&sb, "# HELP replayd_encoder_cpu_percent Encoder subprocess CPU usage percentage.")
		fmt.Fprintln(&sb, "# TYPE replayd_encoder_cpu_percent gauge")
		fmt.Fprintf(&sb, "replayd_encoder_cpu_percent %.2f\n", ri.EncoderCPUPercent)

		fmt.Fprintln(&sb, "# HELP replayd_encoder_memory_bytes Encoder subprocess resident memory in bytes.")
		fmt.Fprintln(&sb, "# TYPE replayd_encoder_memory_bytes gauge")
		fmt.Fprintf(&sb, "replayd_encoder_memory_bytes %d\n", ri.EncoderMemoryBytes)

		fmt.Fprintln(&sb, "# HELP replayd_encoder_file_descriptors Encoder subprocess open file descriptor count.")
		fmt.Fprintln(&sb, "# TYPE replayd_encoder_file_descriptors gauge")
		fmt.Fprintf(&sb, "replayd_encoder_file_descriptors %d\n", ri.EncoderFileDescriptors)
	}

	// System metrics.
	if h.sysProvider != nil {
		si := h.sysProvider.SystemInfo()

		fmt.Fprintln(&sb, "# HELP replayd_disk_free_bytes Free bytes on the recording filesystem.")
		fmt.Fprintln(&sb, "# TYPE replayd_disk_free_bytes gauge")
		fmt.Fprintf(&sb, "replayd_disk_free_bytes %d\n", si.DiskFreeBytes)

		fmt.Fprintln(&sb, "# HELP replayd_disk_total_bytes Total bytes on the recording filesystem.")
		fmt.Fprintln(&sb, "# TYPE replayd_disk_total_bytes gauge")
		fmt.Fprintf(&sb, "replayd_disk_total_bytes %d\n", si.DiskTotalBytes)

		diskLow := 0
		if si.DiskLowWarning {
			diskLow = 1
		}
		fmt.Fprintln(&sb, "# HELP replayd_disk_low_warning 1 when free disk is below configured threshold.")
		fmt.Fprintln(&sb, "# TYPE replayd_disk_low_warning gauge")
		fmt.Fprintf(&sb, "replayd_disk_low_warning %d\n", diskLow)

		ntpSynced := 0
		if si.NTPSynced {
			ntpSynced = 1
		}
		fmt.Fprintln(&sb, "# HELP replayd_ntp_synced 1 when system clock is NTP-synchronized.")
		fmt.Fprintln(&sb, "# TYPE replayd_ntp_synced gauge")
		fmt.Fprintf(&sb, "replayd_ntp_synced %d\n", ntpSynced)
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

// ListenAndServe starts the health check HTTP server on the given address.
// It shuts down gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	return ListenAndServeReady(ctx, addr, handler, nil)
}

// ListenAndServeReady starts the health check HTTP server and signals
// readiness. The listener is bound synchronously so a port-already-in-use
// error is returned immediately rather than surfacing later inside a
// goroutine; once bound, the ready channel is closed (if non-nil) so the
// daemon can confirm the endpoint is actually listening before it finishes
// initializing.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// caps per-request time so a slow client can't hold a handler goroutine open.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Signal readiness now that we're bound to the port.
	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errCh
}
