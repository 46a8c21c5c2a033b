package component

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gbsoft/fleetstream/errors"
)

// rollbackTimeout bounds each Stop call issued while unwinding a failed start
const rollbackTimeout = 10 * time.Second

// Runner owns the startup and shutdown order of a fixed set of components.
// Components start in the order they were added and stop in reverse. A start
// failure unwinds the components already started, so the process never runs
// half-assembled.
type Runner struct {
	logger *slog.Logger

	mu         sync.Mutex
	components []*ManagedComponent
	index      map[string]*ManagedComponent
	started    bool
}

// RunnerOption configures optional Runner collaborators
type RunnerOption func(*Runner)

// WithRunnerLogger sets the structured logger used by the runner
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates an empty runner
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		logger: slog.Default().With("component", "runner"),
		index:  make(map[string]*ManagedComponent),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a component for lifecycle management. Registration order is
// start order. Adding after StartAll is an error, as is a duplicate or empty
// name.
func (r *Runner) Add(c Component) error {
	if c == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Runner", "Add",
			"component required")
	}
	name := c.Name()
	if name == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Runner", "Add",
			"component name required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.ErrAlreadyStarted
	}
	if _, exists := r.index[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("component %q already added", name),
			"Runner", "Add", "uniqueness check")
	}

	mc := &ManagedComponent{
		Component:  c,
		State:      StateCreated,
		StartOrder: len(r.components),
	}
	r.components = append(r.components, mc)
	r.index[name] = mc
	return nil
}

// StartAll starts every component in registration order. The first failure
// halts the sequence, stops the already-started components in reverse, and
// returns the failure. Calling StartAll on a started runner returns
// ErrAlreadyStarted.
func (r *Runner) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.ErrAlreadyStarted
	}

	var live []*ManagedComponent
	for _, mc := range r.components {
		name := mc.Component.Name()
		r.logger.Info("starting component", "name", name)

		if err := mc.Component.Start(ctx); err != nil {
			mc.State = StateFailed
			mc.LastError = err
			r.logger.Error("component failed to start", "name", name, "error", err)
			r.unwindLocked(live)
			return errors.Wrap(err, "Runner", "StartAll", "start "+name)
		}

		mc.State = StateStarted
		mc.LastError = nil
		live = append(live, mc)
		r.logger.Info("component started", "name", name)
	}

	r.started = true
	return nil
}

// unwindLocked stops already-started components in reverse order after a
// start failure. Unwind errors are logged, not returned; the start error is
// the one the caller acts on. Caller holds mu.
func (r *Runner) unwindLocked(live []*ManagedComponent) {
	for i := len(live) - 1; i >= 0; i-- {
		mc := live[i]
		name := mc.Component.Name()
		if err := mc.Component.Stop(rollbackTimeout); err != nil {
			mc.State = StateFailed
			mc.LastError = err
			r.logger.Error("component failed to stop during unwind", "name", name, "error", err)
			continue
		}
		mc.State = StateStopped
		r.logger.Info("component stopped during unwind", "name", name)
	}
}

// StopAll stops every started component in reverse start order, giving each
// the same timeout. A stop failure does not interrupt the sequence; failures
// are collected and returned as one error after every component had its
// chance to stop. Stopping a runner that never started is a no-op.
func (r *Runner) StopAll(timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	r.started = false

	var failures []string
	for i := len(r.components) - 1; i >= 0; i-- {
		mc := r.components[i]
		if mc.State != StateStarted {
			continue
		}
		name := mc.Component.Name()
		r.logger.Info("stopping component", "name", name)

		if err := mc.Component.Stop(timeout); err != nil {
			mc.State = StateFailed
			mc.LastError = err
			r.logger.Error("component failed to stop", "name", name, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
			continue
		}

		mc.State = StateStopped
		r.logger.Info("component stopped", "name", name)
	}

	if len(failures) > 0 {
		return errors.Wrap(
			fmt.Errorf("%d components failed to stop: %s", len(failures), strings.Join(failures, "; ")),
			"Runner", "StopAll", "shutdown")
	}
	return nil
}

// States reports the lifecycle state of every added component by name
func (r *Runner) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.components))
	for _, mc := range r.components {
		out[mc.Component.Name()] = mc.State
	}
	return out
}

// Len returns the number of added components
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.components)
}
