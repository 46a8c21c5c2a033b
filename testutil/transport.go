package testutil

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTransportClosed is what Healthy reports while the transport is not
// connected.
var ErrTransportClosed = errors.New("transport not connected")

// ScriptedTransport is an in-memory stand-in for a broker connection. Tests
// script the outcome of each connect attempt and flip health at will; no
// network is involved.
type ScriptedTransport struct {
	mu            sync.Mutex
	connectErrs   []error
	connectDelay  time.Duration
	healthyErr    error
	disconnectErr error
	connected     bool
	connects      int
	disconnects   int
	healthChecks  int
}

// NewScriptedTransport returns a transport whose connect attempts consume
// the given outcomes in order. A nil entry means that attempt succeeds; once
// the script runs out, every further attempt succeeds.
func NewScriptedTransport(connectErrs ...error) *ScriptedTransport {
	return &ScriptedTransport{connectErrs: connectErrs}
}

func (s *ScriptedTransport) Connect(ctx context.Context) error {
	s.mu.Lock()
	delay := s.connectDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if len(s.connectErrs) > 0 {
		err := s.connectErrs[0]
		s.connectErrs = s.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	s.connected = true
	return nil
}

func (s *ScriptedTransport) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	s.connected = false
	return s.disconnectErr
}

func (s *ScriptedTransport) Healthy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthChecks++
	if !s.connected {
		return ErrTransportClosed
	}
	return s.healthyErr
}

// SetHealthyErr makes subsequent health checks fail with err until cleared.
func (s *ScriptedTransport) SetHealthyErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthyErr = err
}

// SetDisconnectErr makes subsequent disconnects return err.
func (s *ScriptedTransport) SetDisconnectErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectErr = err
}

// SetConnectDelay makes each connect attempt wait before resolving, so
// tests can exercise connect timeouts and cancellation.
func (s *ScriptedTransport) SetConnectDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectDelay = d
}

// ScriptConnectErrors appends outcomes to the connect script.
func (s *ScriptedTransport) ScriptConnectErrors(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErrs = append(s.connectErrs, errs...)
}

func (s *ScriptedTransport) ConnectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *ScriptedTransport) DisconnectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

func (s *ScriptedTransport) HealthChecks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthChecks
}

// Connected reports whether the last connect or disconnect left the
// transport up.
func (s *ScriptedTransport) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
