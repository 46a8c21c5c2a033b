// Package ratelimit applies a fixed-window message budget per device.
//
// Windows are tracked lazily: a device gets an entry on its first message and
// keeps it for the life of the process. Expired windows are reset in place on
// the next admission check, so the map never needs background cleanup.
package ratelimit

import (
	"sync"
	"time"
)

// Default budget applied when the limiter is built with zero values
const (
	DefaultLimit  = 100
	DefaultWindow = time.Minute
)

// window tracks one device's usage of the current fixed window
type window struct {
	startedAt time.Time
	count     int
}

// Limiter admits or drops messages per device id. Safe for concurrent use.
type Limiter struct {
	limit  int
	window time.Duration

	mu       sync.Mutex
	windows  map[string]*window
	admitted uint64
	limited  uint64
}

// Stats is a point-in-time snapshot of limiter activity
type Stats struct {
	Devices  int    `json:"devices"`
	Admitted uint64 `json:"admitted"`
	Limited  uint64 `json:"limited"`
}

// New creates a limiter allowing limit admissions per window for each device.
// Non-positive arguments fall back to the defaults.
func New(limit int, windowSize time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if windowSize <= 0 {
		windowSize = DefaultWindow
	}
	return &Limiter{
		limit:   limit,
		window:  windowSize,
		windows: make(map[string]*window),
	}
}

// Allow reports whether the device may send one more message in its current
// window. The first call for a device opens its window.
func (l *Limiter) Allow(deviceID string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[deviceID]
	if !ok {
		l.windows[deviceID] = &window{startedAt: now, count: 1}
		l.admitted++
		return true
	}

	if now.Sub(w.startedAt) >= l.window {
		w.startedAt = now
		w.count = 1
		l.admitted++
		return true
	}

	if w.count >= l.limit {
		l.limited++
		return false
	}

	w.count++
	l.admitted++
	return true
}

// Remaining returns how many admissions the device has left in its current
// window. Devices without a window have the full budget.
func (l *Limiter) Remaining(deviceID string) int {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[deviceID]
	if !ok || now.Sub(w.startedAt) >= l.window {
		return l.limit
	}
	if w.count >= l.limit {
		return 0
	}
	return l.limit - w.count
}

// Stats returns a snapshot of limiter counters
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Devices:  len(l.windows),
		Admitted: l.admitted,
		Limited:  l.limited,
	}
}
