package connection

import "time"

// State represents the lifecycle state of a managed connection
type State int

const (
	// StateDisconnected means no connection exists and none is being attempted
	StateDisconnected State = iota
	// StateConnecting means a connect attempt is in flight
	StateConnecting
	// StateConnected means the transport reported a successful connection
	StateConnected
	// StateReconnecting means a retry is scheduled after a failure
	StateReconnecting
	// StateErrored means the retry budget is exhausted; only Resume leaves this state
	StateErrored
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// StateChange describes a single manager transition. Err carries the failure
// that caused the transition, nil for transitions driven by success or by
// explicit calls.
type StateChange struct {
	Service string
	From    State
	To      State
	At      time.Time
	Err     error
}

// Listener receives state change notifications. Listeners are invoked outside
// the manager lock and must not block for long; slow consumers should hand off
// to their own goroutine.
type Listener func(StateChange)

// Stats is a point-in-time copy of a manager's counters
type Stats struct {
	Service             string    `json:"service"`
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	RetryCount          int       `json:"retryCount"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastConnectedAt     time.Time `json:"lastConnectedAt,omitempty"`
	LastDisconnectedAt  time.Time `json:"lastDisconnectedAt,omitempty"`
	TotalConnects       uint64    `json:"totalConnects"`
	TotalFailures       uint64    `json:"totalFailures"`
	CircuitOpen         bool      `json:"circuitOpen"`
	WindowFailureCount  int       `json:"windowFailureCount"`
}
