package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RecordingEntry is a single timestamped terminal event. The layout
// follows asciinema v2 events: elapsed seconds since session start,
// "o" for output, "i" for input.
type RecordingEntry struct {
	Elapsed float64 `json:"elapsed"`
	Type    string  `json:"type"`
	Data    string  `json:"data"`
}

// Recording captures timestamped terminal I/O for one session so a
// transcript survives the sandbox. Safe for concurrent use. Entries past
// maxEntries are dropped rather than evicting earlier ones; the start of
// a session matters more for review than the tail of a runaway one.
type Recording struct {
	mu         sync.Mutex
	entries    []RecordingEntry
	startTime  time.Time
	maxEntries int
}

// NewRecording creates an empty recording. maxEntries <= 0 means no
// limit.
func NewRecording(maxEntries int) *Recording {
	return &Recording{
		startTime:  time.Now(),
		maxEntries: maxEntries,
	}
}

func (r *Recording) add(typ string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxEntries > 0 && len(r.entries) >= r.maxEntries {
		return
	}
	r.entries = append(r.entries, RecordingEntry{
		Elapsed: time.Since(r.startTime).Seconds(),
		Type:    typ,
		Data:    string(data),
	})
}

// RecordOutput appends a terminal output event.
func (r *Recording) RecordOutput(data []byte) { r.add("o", data) }

// RecordInput appends a client input event.
func (r *Recording) RecordInput(data []byte) { r.add("i", data) }

// Entries returns a copy of the recorded events.
func (r *Recording) Entries() []RecordingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordingEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Recording) EntryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Save writes the recording to dir as <sessionID>.json and returns the
// file path. An empty recording writes nothing and returns an empty
// path.
func (r *Recording) Save(dir, sessionID string) (string, error) {
	r.mu.Lock()
	n := len(r.entries)
	data, err := json.Marshal(r.entries)
	r.mu.Unlock()

	if n == 0 {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("encode recording: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create recording directory: %w", err)
	}
	path := filepath.Join(dir, sessionID+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write recording: %w", err)
	}
	return path, nil
}
