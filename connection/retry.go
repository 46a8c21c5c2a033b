package connection

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gbsoft/fleetstream/errors"
)

var (
	// Thread-safe random source for jitter
	jitterMu   sync.Mutex
	jitterRand = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// RetryPolicy controls the reconnect schedule for a managed connection.
// The delay before retry n (1-based) is
//
//	min(InitialDelay * Multiplier^(n-1), MaxDelay) + uniform[0, JitterBound)
//
// so the deterministic part grows geometrically up to the cap while the
// jitter term spreads simultaneous reconnects apart.
type RetryPolicy struct {
	MaxAttempts  int           `json:"maxAttempts" yaml:"max_attempts"`
	InitialDelay time.Duration `json:"initialDelay" yaml:"initial_delay"`
	MaxDelay     time.Duration `json:"maxDelay" yaml:"max_delay"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`
	JitterBound  time.Duration `json:"jitterBound" yaml:"jitter_bound"`
}

// DefaultRetryPolicy returns the reconnect schedule used for all transports
// unless overridden in configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  10,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterBound:  250 * time.Millisecond,
	}
}

// Validate checks the policy for values that cannot produce a sane schedule
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RetryPolicy", "Validate",
			"max attempts must be positive")
	}
	if p.InitialDelay <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RetryPolicy", "Validate",
			"initial delay must be positive")
	}
	if p.MaxDelay < p.InitialDelay {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RetryPolicy", "Validate",
			"max delay must be >= initial delay")
	}
	if p.Multiplier < 1.0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RetryPolicy", "Validate",
			"multiplier must be >= 1.0")
	}
	if p.JitterBound < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RetryPolicy", "Validate",
			"jitter bound cannot be negative")
	}
	return nil
}

// Delay computes the wait before retry number retryCount (1-based). Values
// below 1 are treated as 1 so the first retry always waits InitialDelay.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}

	base := p.base(retryCount)

	if p.JitterBound <= 0 {
		return base
	}

	jitterMu.Lock()
	jitter := time.Duration(jitterRand.Int63n(int64(p.JitterBound)))
	jitterMu.Unlock()

	return base + jitter
}

// base returns the deterministic delay component, capped at MaxDelay.
func (p RetryPolicy) base(retryCount int) time.Duration {
	// Float math avoids duration overflow for large exponents
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(retryCount-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
