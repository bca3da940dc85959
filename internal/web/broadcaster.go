package web

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/CoilGo/internal/logic/motion"
)

// StatusEvent represents a single message for SSE: a log line or a driver
// status snapshot.
type StatusEvent struct {
	Time   string         `json:"t"`
	Level  string         `json:"l,omitempty"`
	Msg    string         `json:"msg,omitempty"`
	Status *motion.Status `json:"status,omitempty"`
}

// StatusBroadcaster distributes status messages to multiple SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

// Broadcast sends a log message to all subscribed clients.
// Messages are sent as JSON: {"t":"...","l":"info","msg":"..."}
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.send(StatusEvent{
		Time:  time.Now().Format(time.RFC3339),
		Level: level,
		Msg:   msg,
	})
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// BroadcastStatus sends a driver snapshot with level "status".
func (b *StatusBroadcaster) BroadcastStatus(st motion.Status) {
	b.send(StatusEvent{
		Time:   time.Now().Format(time.RFC3339),
		Level:  "status",
		Status: &st,
	})
}

// send marshals evt for every client. Slow clients may miss messages
// (non-blocking, buffered).
func (b *StatusBroadcaster) send(evt StatusEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// Forward relays controller updates until ctx is done, at most one per
// interval. A status that arrives between ticks replaces the previous one,
// so the last state of a move is always sent.
func (b *StatusBroadcaster) Forward(ctx context.Context, updates <-chan motion.Status, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pending *motion.Status
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-updates:
			pending = &st
		case <-ticker.C:
			if pending != nil {
				b.BroadcastStatus(*pending)
				pending = nil
			}
		}
	}
}

// BroadcastWriter implements io.Writer; each Write broadcasts the content to SSE clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for use with debug.SetOutput.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.b.BroadcastMsg(msg)
	}
	return len(p), nil
}
