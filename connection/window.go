package connection

import (
	"sync"
	"time"
)

// FailureWindow is the circuit breaker guarding a managed connection. It keeps
// the timestamps of recent failures, opens once the count inside the
// monitoring window reaches the threshold, refuses attempts until the recovery
// window has elapsed, and then admits a single probe at a time. A successful
// probe closes the circuit and clears the window; a failed probe re-arms the
// recovery wait from the moment of failure.
type FailureWindow struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	recovery  time.Duration

	failures []time.Time
	open     bool
	openedAt time.Time
	probing  bool
}

// Default circuit breaker tuning, shared by all transports unless overridden.
const (
	DefaultFailureThreshold = 5
	DefaultMonitoringWindow = 60 * time.Second
	DefaultRecoveryWindow   = 30 * time.Second
)

// NewFailureWindow creates a circuit breaker. Non-positive arguments fall back
// to the defaults.
func NewFailureWindow(threshold int, window, recovery time.Duration) *FailureWindow {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if window <= 0 {
		window = DefaultMonitoringWindow
	}
	if recovery <= 0 {
		recovery = DefaultRecoveryWindow
	}
	return &FailureWindow{
		threshold: threshold,
		window:    window,
		recovery:  recovery,
	}
}

// RecordFailure notes a failure at the current time and reports whether this
// failure opened the circuit. A failure during a probe re-arms the recovery
// window instead.
func (w *FailureWindow) RecordFailure() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.pruneLocked(now)
	w.failures = append(w.failures, now)

	if w.probing {
		// Probe failed: stay open, restart the recovery wait
		w.probing = false
		w.openedAt = now
		return false
	}

	if !w.open && len(w.failures) >= w.threshold {
		w.open = true
		w.openedAt = now
		return true
	}
	return false
}

// RecordSuccess notes a successful connection. A success while the circuit is
// open is a successful probe: it closes the circuit and clears the window.
// While closed, recorded failures are left to age out of the monitoring
// window on their own.
func (w *FailureWindow) RecordSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.probing = false
	if w.open {
		w.open = false
		w.openedAt = time.Time{}
		w.failures = w.failures[:0]
	}
}

// Allow reports whether a connect attempt may proceed. While the circuit is
// open it returns false until the recovery window has elapsed, then admits
// exactly one probe; further calls return false until that probe resolves via
// RecordSuccess or RecordFailure.
func (w *FailureWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.open {
		return true
	}
	if w.probing {
		return false
	}
	if time.Since(w.openedAt) < w.recovery {
		return false
	}
	w.probing = true
	return true
}

// IsOpen reports whether the circuit is currently open
func (w *FailureWindow) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.open
}

// Count returns the number of failures inside the monitoring window
func (w *FailureWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(time.Now())
	return len(w.failures)
}

// Reset clears all recorded failures and closes the circuit
func (w *FailureWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures = w.failures[:0]
	w.open = false
	w.probing = false
	w.openedAt = time.Time{}
}

// pruneLocked drops failures older than the monitoring window. Caller holds mu.
func (w *FailureWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	keep := w.failures[:0]
	for _, ts := range w.failures {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	w.failures = keep
}
