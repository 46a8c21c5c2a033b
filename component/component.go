package component

import (
	"context"
	"time"
)

// State is the lifecycle state of a managed component
type State int

const (
	// StateCreated indicates the component was added but never started
	StateCreated State = iota
	// StateStarted indicates the component is running
	StateStarted
	// StateStopped indicates the component was stopped
	StateStopped
	// StateFailed indicates a lifecycle operation on the component failed
	StateFailed
)

// String returns a string representation of the component state
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Component is the lifecycle contract shared by the long-running parts of the
// process. Start does setup only and returns promptly; ongoing work belongs
// in goroutines the component owns and winds down in Stop. Stop bounds its
// wait by timeout, where a non-positive timeout waits indefinitely.
//
// Satisfaction is structural: implementations do not import this package.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// ManagedComponent pairs a component with its lifecycle bookkeeping. The
// Runner owns these; StartOrder fixes the reverse sequence used at shutdown.
type ManagedComponent struct {
	Component  Component
	State      State
	StartOrder int
	LastError  error
}
