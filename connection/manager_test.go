package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport scripts connect outcomes per attempt and lets tests flip
// health results at runtime.
type fakeTransport struct {
	mu              sync.Mutex
	connectErrs     []error
	connectCalls    int
	disconnectCalls int
	healthErr       error
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if len(f.connectErrs) == 0 {
		return nil
	}
	err := f.connectErrs[0]
	f.connectErrs = f.connectErrs[1:]
	return err
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectCalls++
	return nil
}

func (f *fakeTransport) Healthy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *fakeTransport) setHealthErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthErr = err
}

// failN returns a script of n identical errors
func failN(n int, err error) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = err
	}
	return errs
}

// testConfig returns fast, deterministic tuning for manager tests
func testConfig() Config {
	return Config{
		Retry: RetryPolicy{
			MaxAttempts:  10,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			Multiplier:   2.0,
			JitterBound:  0,
		},
		FailureThreshold:    100, // effectively disabled unless a test lowers it
		MonitoringWindow:    time.Second,
		RecoveryWindow:      time.Second,
		HealthCheckInterval: 0, // disabled unless a test enables it
		ConnectTimeout:      time.Second,
	}
}

func TestManager_ConnectSuccess(t *testing.T) {
	ft := &fakeTransport{}
	m, err := NewManager("broker", ft, testConfig())
	require.NoError(t, err)

	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, StateConnected, m.State())
	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.TotalConnects)
	assert.Equal(t, 0, stats.RetryCount)
	assert.Equal(t, 1, ft.calls())
}

func TestManager_ConnectIdempotent(t *testing.T) {
	ft := &fakeTransport{}
	m, err := NewManager("broker", ft, testConfig())
	require.NoError(t, err)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()), "second connect is a no-op")

	assert.Equal(t, 1, ft.calls())
}

func TestManager_RetriesUntilConnected(t *testing.T) {
	ft := &fakeTransport{connectErrs: failN(2, errors.New("dial refused"))}
	m, err := NewManager("broker", ft, testConfig())
	require.NoError(t, err)

	// First attempt fails synchronously, retries continue in the background
	err = m.Connect(context.Background())
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, ft.calls())
	stats := m.Stats()
	assert.Equal(t, 0, stats.RetryCount, "success resets the retry count")
	assert.Equal(t, 0, stats.ConsecutiveFailures)
	assert.Equal(t, uint64(2), stats.TotalFailures)
}

func TestManager_ExhaustsRetryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 3

	ft := &fakeTransport{connectErrs: failN(100, errors.New("dial refused"))}
	m, err := NewManager("database", ft, cfg)
	require.NoError(t, err)

	require.Error(t, m.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return m.State() == StateErrored
	}, 2*time.Second, 5*time.Millisecond)

	calls := ft.calls()
	assert.Equal(t, 3, calls, "exactly MaxAttempts attempts")

	// Errored managers go idle: no further attempts without Resume
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, ft.calls(), "errored manager must not retry on its own")
	assert.Equal(t, StateErrored, m.State())

	stats := m.Stats()
	assert.Equal(t, 3, stats.RetryCount)
	assert.Contains(t, stats.LastError, "dial refused")
}

func TestManager_ResumeFromErrored(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 2

	ft := &fakeTransport{connectErrs: failN(2, errors.New("dial refused"))}
	m, err := NewManager("cache", ft, cfg)
	require.NoError(t, err)

	require.Error(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return m.State() == StateErrored
	}, 2*time.Second, 5*time.Millisecond)

	// Transport recovered; operator resumes
	require.NoError(t, m.Resume(context.Background()))
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 0, m.Stats().RetryCount)
}

func TestManager_ResumeRequiresErrored(t *testing.T) {
	ft := &fakeTransport{}
	m, err := NewManager("cache", ft, testConfig())
	require.NoError(t, err)

	assert.Error(t, m.Resume(context.Background()), "resume from disconnected is invalid")

	require.NoError(t, m.Connect(context.Background()))
	assert.Error(t, m.Resume(context.Background()), "resume from connected is invalid")
}

func TestManager_DisconnectCancelsPendingRetry(t *testing.T) {
	ft := &fakeTransport{connectErrs: failN(100, errors.New("dial refused"))}
	m, err := NewManager("broker", ft, testConfig())
	require.NoError(t, err)

	require.Error(t, m.Connect(context.Background()))
	require.Equal(t, StateReconnecting, m.State())

	require.NoError(t, m.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, m.State())

	calls := ft.calls()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, calls, ft.calls(), "disconnect must cancel the scheduled retry")
}

func TestManager_DisconnectClosesTransport(t *testing.T) {
	ft := &fakeTransport{}
	m, err := NewManager("broker", ft, testConfig())
	require.NoError(t, err)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Disconnect(context.Background()))

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Equal(t, 1, ft.disconnectCalls)
}

func TestManager_HealthFailureTriggersReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.HealthCheckInterval = 15 * time.Millisecond

	ft := &fakeTransport{}
	m, err := NewManager("database", ft, cfg)
	require.NoError(t, err)

	require.NoError(t, m.Connect(context.Background()))
	require.Equal(t, StateConnected, m.State())

	ft.setHealthErr(errors.New("ping timeout"))

	// The failed probe counts as a connection failure
	require.Eventually(t, func() bool {
		return m.Stats().TotalFailures >= 1
	}, 2*time.Second, 5*time.Millisecond)

	ft.setHealthErr(nil)

	require.Eventually(t, func() bool {
		return m.State() == StateConnected && ft.calls() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_ReportDisconnectTriggersReconnect(t *testing.T) {
	ft := &fakeTransport{}
	m, err := NewManager("broker", ft, testConfig())
	require.NoError(t, err)

	require.NoError(t, m.Connect(context.Background()))

	m.ReportDisconnect(errors.New("broker went away"))

	require.Eventually(t, func() bool {
		return m.State() == StateConnected && ft.calls() == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, uint64(1), m.Stats().TotalFailures)
}

func TestManager_ReportDisconnectIgnoredWhenNotConnected(t *testing.T) {
	ft := &fakeTransport{}
	m, err := NewManager("broker", ft, testConfig())
	require.NoError(t, err)

	m.ReportDisconnect(errors.New("spurious"))
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, uint64(0), m.Stats().TotalFailures)
}

func TestManager_CircuitOpensRefusesThenProbes(t *testing.T) {
	cfg := testConfig()
	cfg.Retry = RetryPolicy{
		MaxAttempts:  1000,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   1.0,
		JitterBound:  0,
	}
	cfg.FailureThreshold = 3
	cfg.MonitoringWindow = 5 * time.Second
	cfg.RecoveryWindow = 120 * time.Millisecond

	ft := &fakeTransport{connectErrs: failN(3, errors.New("dial refused"))}
	m, err := NewManager("cache", ft, cfg)
	require.NoError(t, err)

	require.Error(t, m.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return m.Stats().CircuitOpen
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 3, ft.calls())

	// While open and inside the recovery window, attempts are refused without
	// touching the transport
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, ft.calls(), "open circuit must refuse attempts")
	assert.Equal(t, StateReconnecting, m.State())

	// Script is exhausted so the probe will succeed once admitted
	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	stats := m.Stats()
	assert.False(t, stats.CircuitOpen, "successful probe closes the circuit")
	assert.Equal(t, 0, stats.WindowFailureCount, "successful probe clears the window")
	assert.Equal(t, 4, ft.calls(), "exactly one probe attempt")
}

func TestManager_StateChangeListeners(t *testing.T) {
	ft := &fakeTransport{}
	m, err := NewManager("broker", ft, testConfig())
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []State
	m.OnStateChange(func(ev StateChange) {
		mu.Lock()
		seen = append(seen, ev.To)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Disconnect(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, seen)
}

func TestManager_ConstructorValidation(t *testing.T) {
	ft := &fakeTransport{}

	_, err := NewManager("", ft, testConfig())
	assert.Error(t, err, "empty name rejected")

	_, err = NewManager("broker", nil, testConfig())
	assert.Error(t, err, "nil transport rejected")

	bad := testConfig()
	bad.Retry.Multiplier = 0.1
	_, err = NewManager("broker", ft, bad)
	assert.Error(t, err, "invalid retry policy rejected")
}

func TestManager_ConnectAfterDisconnect(t *testing.T) {
	ft := &fakeTransport{}
	m, err := NewManager("broker", ft, testConfig())
	require.NoError(t, err)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Disconnect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 2, ft.calls())
}
