package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// subscriberBuffer is how many events a slow SSE client may lag behind
// before events are dropped for it.
const subscriberBuffer = 64

// StatusEvent is one SSE message. Level is "progress" or "run" for
// structured events carrying Data, otherwise a log level.
type StatusEvent struct {
	Time  string `json:"t"`
	Level string `json:"l,omitempty"`
	Msg   string `json:"msg"`
	Data  any    `json:"data,omitempty"`
}

// StatusBroadcaster fans events out to the SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	now     func() time.Time
}

func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
		now:     time.Now,
	}
}

// Subscribe returns the event channel and the function that detaches it.
// Call it when the client goes away.
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, subscriberBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Clients reports the number of attached subscribers.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends a plain message, {"t":"...","l":"info","msg":"..."}.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.publish(StatusEvent{Level: level, Msg: msg})
}

// Publish sends a structured event; the page switches on level
// ("progress", "run") and reads data.
func (b *StatusBroadcaster) Publish(level, msg string, data any) {
	b.publish(StatusEvent{Level: level, Msg: msg, Data: data})
}

func (b *StatusBroadcaster) publish(evt StatusEvent) {
	evt.Time = b.now().Format(time.RFC3339)
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
		default: // slow client drops the event
		}
	}
}

// logLevels maps debug line tags to event levels. Untagged lines are
// "debug".
var logLevels = map[string]string{
	"[ERROR]": "error",
	"[INFO]":  "info",
	"[LIVE]":  "info",
}

// LogWriter adapts the broadcaster to an io.Writer for debug.SetOutput.
// Each non-blank line becomes one event.
func LogWriter(b *StatusBroadcaster) *logWriter {
	return &logWriter{b: b}
}

type logWriter struct {
	b *StatusBroadcaster
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		w.b.Broadcast(lineLevel(line), line)
	}
	return len(p), nil
}

func lineLevel(line string) string {
	for tag, level := range logLevels {
		if strings.Contains(line, tag) {
			return level
		}
	}
	return "debug"
}
