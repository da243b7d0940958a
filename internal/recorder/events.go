// SPDX-License-Identifier: MIT

package recorder

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event type strings, the full set the facade ever emits.
const (
	EventRecordingStateChanged = "recording_state_changed"
	EventClipSaved             = "clip_saved"
	EventError                 = "error"
	EventPerformanceStats      = "performance_stats"
)

// Event is the envelope broadcast to every connected websocket client.
type Event struct {
	Type string `json:"type"`
	Time time.Time `json:"time"`
	Data any `json:"data,omitempty"`
}

// RecordingStateChangedData accompanies EventRecordingStateChanged.
type RecordingStateChangedData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ClipSavedData accompanies EventClipSaved.
type ClipSavedData struct {
	Path          string  `json:"path"`
	VideoDuration float64 `json:"video_duration_seconds"`
	SegmentCount  int     `json:"segment_count"`
}

// ErrorData accompanies EventError.
type ErrorData struct {
	Message string `json:"message"`
}

// PerformanceStatsData accompanies EventPerformanceStats.
type PerformanceStatsData struct {
	FramesProduced        uint64  `json:"frames_produced"`
	FramesDropped         uint64  `json:"frames_dropped"`
	EffectiveFPS          float64 `json:"effective_fps"`
	PoolHitRate           float64 `json:"pool_hit_rate"`
	MissedDeadlines       uint64  `json:"missed_deadlines"`
	RecoveryAttempts      uint64  `json:"recovery_attempts"`
	EncoderRestarts       uint64  `json:"encoder_restarts"`
	EncoderCPUPercent     float64 `json:"encoder_cpu_percent"`
	EncoderMemoryBytes    int64   `json:"encoder_memory_bytes"`
	EncoderFileDescriptors int    `json:"encoder_file_descriptors"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type eventClient struct {
	conn *websocket.Conn
	send chan []byte
}

// EventBus fans out recorder lifecycle events to connected websocket
// clients, matching spec.md's four event types exactly.
type EventBus struct {
	mu      sync.RWMutex
	clients map[*eventClient]struct{}
	logger  *slog.Logger
}

// NewEventBus constructs an empty EventBus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		clients: make(map[*eventClient]struct{}),
		logger:  logger.With("component", "recorder-events"),
	}
}

// ServeHTTP upgrades the connection to a websocket and registers it as an
// event subscriber until it disconnects.
func (b *EventBus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &eventClient{conn: conn, send: make(chan []byte, 16)}
	b.register(c)
	defer b.unregister(c)

	go b.writePump(c)
	b.readPump(c)
}

func (b *EventBus) register(c *eventClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c] = struct{}{}
}

func (b *EventBus) unregister(c *eventClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
}

// readPump discards inbound messages (the event surface is one-directional)
// but must keep reading so the underlying connection's control frames
// (ping/close) are processed and a dead client is detected promptly.
func (b *EventBus) readPump(c *eventClient) {
	defer c.conn.Close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *EventBus) writePump(c *eventClient) {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// broadcast marshals ev and delivers it to every connected client,
// dropping the message for any client whose send buffer is full rather
// than blocking the recorder's own state machine on a slow reader.
func (b *EventBus) broadcast(ev Event) {
	ev.Time = time.Now()
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("event marshal failed", "error", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

func (b *EventBus) emitStateChanged(from, to State) {
	b.broadcast(Event{Type: EventRecordingStateChanged, Data: RecordingStateChangedData{From: from.String(), To: to.String()}})
}

func (b *EventBus) emitClipSaved(data ClipSavedData) {
	b.broadcast(Event{Type: EventClipSaved, Data: data})
}

func (b *EventBus) emitError(msg string) {
	b.broadcast(Event{Type: EventError, Data: ErrorData{Message: msg}})
}

func (b *EventBus) emitPerformanceStats(data PerformanceStatsData) {
	b.broadcast(Event{Type: EventPerformanceStats, Data: data})
}
