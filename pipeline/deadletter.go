package pipeline

import (
	"sync"
	"time"
)

// DefaultDeadLetterCapacity bounds the in-memory dead letter ring
const DefaultDeadLetterCapacity = 500

// DeadLetter captures a message that failed after validation, with enough
// context to inspect and replay it.
type DeadLetter struct {
	Message    Inbound   `json:"message"`
	Reason     string    `json:"reason"`
	Error      string    `json:"error,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
}

// DeadLetterBuffer is a bounded ring of captured messages. When full, the
// oldest entry is evicted to make room; nothing here survives a restart.
type DeadLetterBuffer struct {
	mu      sync.Mutex
	entries []DeadLetter
	head    int
	count   int

	captured int64
	evicted  int64
}

// NewDeadLetterBuffer creates a ring holding up to capacity entries.
// Non-positive capacities fall back to the default.
func NewDeadLetterBuffer(capacity int) *DeadLetterBuffer {
	if capacity <= 0 {
		capacity = DefaultDeadLetterCapacity
	}
	return &DeadLetterBuffer{
		entries: make([]DeadLetter, capacity),
	}
}

// Capture records a failed message. The cause may be nil when the failure is
// described entirely by reason.
func (b *DeadLetterBuffer) Capture(msg Inbound, reason string, cause error) {
	entry := DeadLetter{
		Message:    msg,
		Reason:     reason,
		CapturedAt: time.Now().UTC(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.put(entry)
	b.captured++
}

// put appends one entry, evicting the oldest when full. Callers hold b.mu.
func (b *DeadLetterBuffer) put(entry DeadLetter) {
	if b.count == len(b.entries) {
		b.head = (b.head + 1) % len(b.entries)
		b.count--
		b.evicted++
	}
	b.entries[(b.head+b.count)%len(b.entries)] = entry
	b.count++
}

// restore puts drained entries back without recounting them as captures
func (b *DeadLetterBuffer) restore(entries []DeadLetter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		b.put(e)
	}
}

// Len returns the number of entries currently held
func (b *DeadLetterBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Captured returns the total number of messages ever captured
func (b *DeadLetterBuffer) Captured() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.captured
}

// Evicted returns how many entries were pushed out by newer captures
func (b *DeadLetterBuffer) Evicted() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// Drain removes and returns up to n entries, oldest first
func (b *DeadLetterBuffer) Drain(n int) []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || b.count == 0 {
		return nil
	}
	if n > b.count {
		n = b.count
	}

	out := make([]DeadLetter, n)
	for i := 0; i < n; i++ {
		out[i] = b.entries[(b.head+i)%len(b.entries)]
	}
	b.head = (b.head + n) % len(b.entries)
	b.count -= n
	return out
}

// Snapshot returns a copy of all held entries, oldest first, without
// removing them.
func (b *DeadLetterBuffer) Snapshot() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]DeadLetter, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.entries[(b.head+i)%len(b.entries)]
	}
	return out
}
