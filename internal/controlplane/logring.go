package controlplane

import (
	"sync"
	"time"
)

// DefaultLogCapacity is the number of lines the ring retains.
const DefaultLogCapacity = 2000

// LogLine is one timestamped entry of the run log.
type LogLine struct {
	Time   time.Time `json:"time"`
	TaskID string    `json:"task_id,omitempty"`
	Text   string    `json:"text"`
}

// LogRing keeps the most recent lines, evicting the oldest first.
type LogRing struct {
	mu    sync.Mutex
	lines []LogLine
	start int
	size  int
}

// NewLogRing creates a ring holding at most capacity lines.
func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogRing{lines: make([]LogLine, capacity)}
}

// Add appends a line.
func (r *LogRing) Add(l LogLine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.size) % len(r.lines)
	r.lines[idx] = l
	if r.size < len(r.lines) {
		r.size++
		return
	}
	r.start = (r.start + 1) % len(r.lines)
}

// Lines returns the retained lines oldest first.
func (r *LogRing) Lines() []LogLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogLine, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.lines[(r.start+i)%len(r.lines)]
	}
	return out
}

// Len returns the number of retained lines.
func (r *LogRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
