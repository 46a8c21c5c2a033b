package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFailureWindow_OpensAtThreshold(t *testing.T) {
	w := NewFailureWindow(3, time.Second, time.Second)

	assert.False(t, w.RecordFailure())
	assert.False(t, w.RecordFailure())
	assert.False(t, w.IsOpen(), "below threshold must stay closed")

	assert.True(t, w.RecordFailure(), "third failure should open the circuit")
	assert.True(t, w.IsOpen())
	assert.Equal(t, 3, w.Count())
}

func TestFailureWindow_AllowWhileClosed(t *testing.T) {
	w := NewFailureWindow(3, time.Second, time.Second)

	for i := 0; i < 10; i++ {
		assert.True(t, w.Allow(), "closed circuit admits every attempt")
	}
}

func TestFailureWindow_RefusesUntilRecovery(t *testing.T) {
	w := NewFailureWindow(2, time.Second, 80*time.Millisecond)

	w.RecordFailure()
	w.RecordFailure()
	assert.True(t, w.IsOpen())

	assert.False(t, w.Allow(), "open circuit refuses before recovery window")

	time.Sleep(100 * time.Millisecond)

	assert.True(t, w.Allow(), "recovery elapsed, one probe admitted")
	assert.False(t, w.Allow(), "probe is single flight")
}

func TestFailureWindow_ProbeSuccessCloses(t *testing.T) {
	w := NewFailureWindow(2, time.Second, 30*time.Millisecond)

	w.RecordFailure()
	w.RecordFailure()
	time.Sleep(50 * time.Millisecond)
	assert.True(t, w.Allow())

	w.RecordSuccess()

	assert.False(t, w.IsOpen())
	assert.Equal(t, 0, w.Count(), "successful probe clears the window")
	assert.True(t, w.Allow())
}

func TestFailureWindow_ProbeFailureRearms(t *testing.T) {
	w := NewFailureWindow(2, time.Second, 60*time.Millisecond)

	w.RecordFailure()
	w.RecordFailure()
	time.Sleep(80 * time.Millisecond)
	assert.True(t, w.Allow(), "probe admitted after recovery")

	// Probe fails: circuit stays open and the recovery wait restarts
	assert.False(t, w.RecordFailure())
	assert.True(t, w.IsOpen())
	assert.False(t, w.Allow(), "recovery restarted by failed probe")

	time.Sleep(80 * time.Millisecond)
	assert.True(t, w.Allow(), "second probe admitted after re-armed recovery")
}

func TestFailureWindow_PruneExpires(t *testing.T) {
	w := NewFailureWindow(5, 60*time.Millisecond, time.Second)

	w.RecordFailure()
	w.RecordFailure()
	w.RecordFailure()
	assert.Equal(t, 3, w.Count())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, w.Count(), "failures age out of the monitoring window")
	assert.False(t, w.IsOpen())
}

func TestFailureWindow_StaleFailuresDoNotOpen(t *testing.T) {
	w := NewFailureWindow(3, 50*time.Millisecond, time.Second)

	w.RecordFailure()
	w.RecordFailure()
	time.Sleep(70 * time.Millisecond)

	// Old failures expired; this one starts a fresh count
	assert.False(t, w.RecordFailure())
	assert.False(t, w.IsOpen())
	assert.Equal(t, 1, w.Count())
}

func TestFailureWindow_Reset(t *testing.T) {
	w := NewFailureWindow(2, time.Second, time.Second)

	w.RecordFailure()
	w.RecordFailure()
	assert.True(t, w.IsOpen())

	w.Reset()

	assert.False(t, w.IsOpen())
	assert.Equal(t, 0, w.Count())
	assert.True(t, w.Allow())
}

func TestFailureWindow_DefaultsApplied(t *testing.T) {
	w := NewFailureWindow(0, 0, 0)
	assert.Equal(t, DefaultFailureThreshold, w.threshold)
	assert.Equal(t, DefaultMonitoringWindow, w.window)
	assert.Equal(t, DefaultRecoveryWindow, w.recovery)
}
