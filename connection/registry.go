package connection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gbsoft/fleetstream/errors"
)

// Registry holds one Manager per service name. GetOrCreate guarantees a
// single supervisor per dependency regardless of how many components ask
// for it.
type Registry struct {
	mu       sync.RWMutex
	managers map[string]*Manager
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		managers: make(map[string]*Manager),
	}
}

// GetOrCreate returns the existing manager for name, or builds one with the
// factory and stores it. The factory runs at most once per name.
func (r *Registry) GetOrCreate(name string, factory func() (*Manager, error)) (*Manager, error) {
	r.mu.RLock()
	if m, ok := r.managers[name]; ok {
		r.mu.RUnlock()
		return m, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check under the write lock
	if m, ok := r.managers[name]; ok {
		return m, nil
	}

	m, err := factory()
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "GetOrCreate", "manager factory")
	}
	if m == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Registry", "GetOrCreate",
			"factory returned nil manager")
	}
	r.managers[name] = m
	return m, nil
}

// Get returns the manager for name, or nil if none is registered
func (r *Registry) Get(name string) *Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.managers[name]
}

// All returns the registered managers sorted by service name
func (r *Registry) All() []*Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len returns the number of registered managers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.managers)
}

// DisconnectAll disconnects every registered manager in parallel and waits
// for all of them or for ctx, whichever comes first. Used during shutdown.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	managers := r.All()

	var wg sync.WaitGroup
	errCh := make(chan error, len(managers))
	for _, m := range managers {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			if err := m.Disconnect(ctx); err != nil {
				errCh <- err
			}
		}(m)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Registry", "DisconnectAll", "shutdown wait")
	}

	close(errCh)
	var firstErr error
	for err := range errCh {
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WaitForState blocks until the named manager reaches the wanted state or the
// context expires. Intended for tests and startup ordering.
func (r *Registry) WaitForState(ctx context.Context, name string, want State) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		m := r.Get(name)
		if m != nil && m.State() == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Registry", "WaitForState", "state wait")
		case <-ticker.C:
		}
	}
}
