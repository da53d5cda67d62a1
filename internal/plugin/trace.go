package plugin

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TraceEntry is one debug event recorded by a plugin.
type TraceEntry struct {
	ID     string
	Plugin string
	Event  string
	Fields map[string]any
	Time   time.Time
}

// TraceSink is a bounded, shared debug sink exposed to every plugin through
// its execution context. Oldest entries are dropped when the buffer fills.
type TraceSink struct {
	mu        sync.Mutex
	sessionID string
	entries   []TraceEntry
	capacity  int
}

// NewTraceSink creates a sink holding at most capacity entries.
func NewTraceSink(capacity int) *TraceSink {
	if capacity <= 0 {
		capacity = 256
	}
	return &TraceSink{
		sessionID: uuid.NewString(),
		capacity:  capacity,
	}
}

// SessionID identifies the sink's process lifetime.
func (t *TraceSink) SessionID() string {
	return t.sessionID
}

// Record appends an entry, evicting the oldest when full.
func (t *TraceSink) Record(plugin, event string, fields map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = append(t.entries, TraceEntry{
		ID:     uuid.NewString(),
		Plugin: plugin,
		Event:  event,
		Fields: fields,
		Time:   time.Now(),
	})
	if len(t.entries) > t.capacity {
		t.entries = t.entries[len(t.entries)-t.capacity:]
	}
}

// Entries returns a copy of the recorded entries in order.
func (t *TraceSink) Entries() []TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}
