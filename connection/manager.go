package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gbsoft/fleetstream/errors"
	"github.com/gbsoft/fleetstream/metric"
)

// Config holds the resilience tuning for a single managed connection.
type Config struct {
	Retry               RetryPolicy   `json:"retry" yaml:"retry"`
	FailureThreshold    int           `json:"failureThreshold" yaml:"failure_threshold"`
	MonitoringWindow    time.Duration `json:"monitoringWindow" yaml:"monitoring_window"`
	RecoveryWindow      time.Duration `json:"recoveryWindow" yaml:"recovery_window"`
	HealthCheckInterval time.Duration `json:"healthCheckInterval" yaml:"health_check_interval"`
	ConnectTimeout      time.Duration `json:"connectTimeout" yaml:"connect_timeout"`
}

// DefaultConfig returns the tuning applied to transports without overrides
func DefaultConfig() Config {
	return Config{
		Retry:               DefaultRetryPolicy(),
		FailureThreshold:    DefaultFailureThreshold,
		MonitoringWindow:    DefaultMonitoringWindow,
		RecoveryWindow:      DefaultRecoveryWindow,
		HealthCheckInterval: 15 * time.Second,
		ConnectTimeout:      10 * time.Second,
	}
}

// Manager supervises one Transport through the connection lifecycle:
// disconnected, connecting, connected, reconnecting, errored. It owns the
// retry schedule, the circuit breaker, and the periodic health probe, and it
// reports every transition to registered listeners.
//
// At most one retry timer is armed at any time, and listener callbacks are
// always invoked outside the manager lock.
type Manager struct {
	name      string
	transport Transport
	cfg       Config
	window    *FailureWindow
	logger    *slog.Logger
	metrics   *metric.Metrics

	mu                  sync.Mutex
	state               State
	gen                 uint64
	retryCount          int
	consecutiveFailures int
	lastError           error
	lastConnectedAt     time.Time
	lastDisconnectedAt  time.Time
	totalConnects       uint64
	totalFailures       uint64
	retryTimer          *time.Timer
	healthStop          chan struct{}

	listenerMu sync.RWMutex
	listeners  []Listener
}

// Option configures optional Manager collaborators
type Option func(*Manager)

// WithLogger sets the structured logger used by the manager
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics wires core platform metrics; nil disables metric recording
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates a supervisor for the named transport
func NewManager(name string, transport Transport, cfg Config, opts ...Option) (*Manager, error) {
	if name == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager",
			"service name required")
	}
	if transport == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager",
			"transport required")
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	m := &Manager{
		name:      name,
		transport: transport,
		cfg:       cfg,
		window:    NewFailureWindow(cfg.FailureThreshold, cfg.MonitoringWindow, cfg.RecoveryWindow),
		state:     StateDisconnected,
		logger:    slog.Default().With("component", "connection", "service", name),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Name returns the service name this manager supervises
func (m *Manager) Name() string {
	return m.name
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers a listener for transition events
func (m *Manager) OnStateChange(l Listener) {
	if l == nil {
		return
	}
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenerMu.Unlock()
}

// Connect starts supervision. The first attempt runs synchronously and its
// error is returned; on failure the manager keeps retrying in the background
// according to the retry policy. Calling Connect while a connection or retry
// is already active is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected, StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return nil
	}
	// Fresh start from Disconnected or Errored
	m.retryCount = 0
	m.consecutiveFailures = 0
	gen := m.gen
	m.mu.Unlock()

	return m.attempt(ctx, gen)
}

// Resume restarts supervision after the retry budget was exhausted. It resets
// the retry counters and the circuit breaker. Calling Resume in any state
// other than Errored is an error.
func (m *Manager) Resume(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateErrored {
		state := m.state
		m.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("resume requires errored state, manager is %s", state),
			"Manager", "Resume", "state check")
	}
	m.retryCount = 0
	m.consecutiveFailures = 0
	m.window.Reset()
	gen := m.gen
	m.mu.Unlock()

	return m.attempt(ctx, gen)
}

// Disconnect stops supervision: it cancels any pending retry, stops health
// checking, closes the transport if connected, and leaves the manager in
// Disconnected. Connect may be called again afterwards.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	wasConnected := m.state == StateConnected
	m.cancelRetryLocked()
	m.stopHealthLocked()
	m.window.Reset()
	m.retryCount = 0
	m.consecutiveFailures = 0
	m.lastDisconnectedAt = time.Now()
	ev := m.setStateLocked(StateDisconnected, nil)
	m.mu.Unlock()
	m.notify(ev)

	if wasConnected {
		if err := m.transport.Disconnect(ctx); err != nil {
			m.logger.Warn("transport disconnect failed", "error", err)
			return errors.WrapTransient(err, "Manager", "Disconnect", "transport disconnect")
		}
	}
	return nil
}

// ReportDisconnect lets a transport push a connection-lost signal into the
// manager, e.g. from a broker client's lost-connection callback. Ignored
// unless the manager currently believes it is connected.
func (m *Manager) ReportDisconnect(err error) {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	gen := m.gen
	m.stopHealthLocked()
	m.lastDisconnectedAt = time.Now()
	ev := m.handleFailureLocked(err, gen)
	m.mu.Unlock()
	m.notify(ev)
}

// Stats returns a copy of the manager counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Service:             m.name,
		State:               m.state,
		StateName:           m.state.String(),
		RetryCount:          m.retryCount,
		ConsecutiveFailures: m.consecutiveFailures,
		LastConnectedAt:     m.lastConnectedAt,
		LastDisconnectedAt:  m.lastDisconnectedAt,
		TotalConnects:       m.totalConnects,
		TotalFailures:       m.totalFailures,
		CircuitOpen:         m.window.IsOpen(),
		WindowFailureCount:  m.window.Count(),
	}
	if m.lastError != nil {
		s.LastError = m.lastError.Error()
	}
	return s
}

// attempt runs one connect attempt for the given supervision generation.
// A generation mismatch means Disconnect ran in the meantime and the result
// must be abandoned.
func (m *Manager) attempt(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return errors.ErrManagerStopped
	}

	if !m.window.Allow() {
		// Refused attempts keep the retry loop alive but are not failures
		ev := m.setStateLocked(StateReconnecting, errors.ErrCircuitOpen)
		m.scheduleRetryLocked(gen)
		m.mu.Unlock()
		m.notify(ev)
		return errors.WrapTransient(errors.ErrCircuitOpen, "Manager", "attempt", "circuit gate")
	}

	ev := m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()
	m.notify(ev)

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	err := m.transport.Connect(cctx)
	cancel()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		if err == nil {
			// Connection landed after Disconnect; release it
			dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = m.transport.Disconnect(dctx)
			dcancel()
		}
		return errors.ErrManagerStopped
	}

	if err != nil {
		ev := m.handleFailureLocked(err, gen)
		m.mu.Unlock()
		m.notify(ev)
		return errors.WrapTransient(err, "Manager", "attempt", "transport connect")
	}

	m.window.RecordSuccess()
	m.retryCount = 0
	m.consecutiveFailures = 0
	m.totalConnects++
	m.lastConnectedAt = time.Now()
	m.lastError = nil
	if m.metrics != nil {
		m.metrics.RecordCircuitOpen(m.name, false)
	}
	ev = m.setStateLocked(StateConnected, nil)
	m.startHealthLocked(gen)
	m.mu.Unlock()
	m.notify(ev)
	return nil
}

// handleFailureLocked records a failure and decides between scheduling the
// next retry and giving up. Caller holds mu and delivers the returned event
// after unlocking.
func (m *Manager) handleFailureLocked(err error, gen uint64) *StateChange {
	m.retryCount++
	m.consecutiveFailures++
	m.totalFailures++
	m.lastError = err

	opened := m.window.RecordFailure()
	if m.metrics != nil {
		m.metrics.RecordConnectionFailure(m.name)
		if opened {
			m.metrics.RecordCircuitOpen(m.name, true)
		}
	}
	if opened {
		m.logger.Warn("circuit breaker opened",
			"failures_in_window", m.window.Count(),
			"error", err)
	}

	if m.retryCount >= m.cfg.Retry.MaxAttempts {
		m.logger.Error("retry budget exhausted, manual resume required",
			"retry_count", m.retryCount,
			"error", err)
		return m.setStateLocked(StateErrored, err)
	}

	ev := m.setStateLocked(StateReconnecting, err)
	m.scheduleRetryLocked(gen)
	return ev
}

// scheduleRetryLocked arms the retry timer unless one is already pending.
// Caller holds mu.
func (m *Manager) scheduleRetryLocked(gen uint64) {
	if m.retryTimer != nil {
		return
	}
	delay := m.cfg.Retry.Delay(m.retryCount)
	m.retryTimer = time.AfterFunc(delay, func() { m.retryFire(gen) })
	if m.metrics != nil {
		m.metrics.RecordConnectionRetry(m.name)
	}
	m.logger.Debug("retry scheduled",
		"delay", delay,
		"retry_count", m.retryCount)
}

// retryFire runs when the retry timer elapses
func (m *Manager) retryFire(gen uint64) {
	m.mu.Lock()
	m.retryTimer = nil
	if m.gen != gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	_ = m.attempt(context.Background(), gen)
}

// cancelRetryLocked stops a pending retry timer. Caller holds mu.
func (m *Manager) cancelRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// startHealthLocked spawns the health probe loop for the current connected
// session. Caller holds mu.
func (m *Manager) startHealthLocked(gen uint64) {
	if m.cfg.HealthCheckInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	m.healthStop = stop
	go m.healthLoop(gen, stop)
}

// stopHealthLocked signals the health loop to exit. Caller holds mu.
func (m *Manager) stopHealthLocked() {
	if m.healthStop != nil {
		close(m.healthStop)
		m.healthStop = nil
	}
}

// healthLoop probes the transport while connected. A failed probe is treated
// exactly like a dropped connection.
func (m *Manager) healthLoop(gen uint64, stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
			err := m.transport.Healthy(ctx)
			cancel()

			if err == nil {
				if m.metrics != nil {
					m.metrics.RecordHealthStatus(m.name, true)
				}
				continue
			}

			if m.metrics != nil {
				m.metrics.RecordHealthStatus(m.name, false)
			}
			m.logger.Warn("health check failed", "error", err)
			m.onHealthFailure(gen, stop, err)
			return
		}
	}
}

// onHealthFailure converts a failed probe into a reconnect cycle, unless the
// session it belongs to has already ended.
func (m *Manager) onHealthFailure(gen uint64, stop chan struct{}, err error) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateConnected || m.healthStop != stop {
		m.mu.Unlock()
		return
	}
	// The loop exits on its own; just drop the reference
	m.healthStop = nil
	m.lastDisconnectedAt = time.Now()
	ev := m.handleFailureLocked(err, gen)
	m.mu.Unlock()
	m.notify(ev)
}

// setStateLocked transitions the state machine and returns the event to
// deliver, or nil when nothing changed. Caller holds mu.
func (m *Manager) setStateLocked(to State, err error) *StateChange {
	if m.state == to {
		return nil
	}
	ev := &StateChange{
		Service: m.name,
		From:    m.state,
		To:      to,
		At:      time.Now(),
		Err:     err,
	}
	m.state = to
	if m.metrics != nil {
		m.metrics.RecordConnectionState(m.name, int(to))
	}
	m.logger.Info("connection state changed",
		"from", ev.From.String(),
		"to", ev.To.String())
	return ev
}

// notify delivers a transition event to all listeners outside the lock
func (m *Manager) notify(ev *StateChange) {
	if ev == nil {
		return
	}
	m.listenerMu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMu.RUnlock()

	for _, l := range listeners {
		l(*ev)
	}
}
