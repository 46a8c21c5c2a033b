package devicecache

import (
	"context"
	"sync"
	"time"

	"github.com/gbsoft/fleetstream/errors"
	"github.com/gbsoft/fleetstream/telemetry"
)

// DefaultJanitorInterval is how often expired entries are swept
const DefaultJanitorInterval = time.Minute

type memoryEntry struct {
	device    *telemetry.Device
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemoryStore is an in-process Store with per-entry TTL and a background
// janitor sweeping expired records.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[string]*memoryEntry
	hits   uint64
	misses uint64

	shutdown chan struct{}
	done     chan struct{}
}

// NewMemoryStore creates a memory store and starts its janitor. Non-positive
// intervals fall back to the default. Close stops the janitor.
func NewMemoryStore(janitorInterval time.Duration) *MemoryStore {
	if janitorInterval <= 0 {
		janitorInterval = DefaultJanitorInterval
	}
	s := &MemoryStore{
		items:    make(map[string]*memoryEntry),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.janitor(janitorInterval)
	return s
}

// Get returns the cached device, or (nil, nil) when absent or expired
func (s *MemoryStore) Get(_ context.Context, deviceID string) (*telemetry.Device, error) {
	now := time.Now()

	s.mu.RLock()
	entry, ok := s.items[deviceID]
	s.mu.RUnlock()

	if !ok || entry.expired(now) {
		s.mu.Lock()
		// Re-check before evicting: the entry may have been refreshed
		if current, still := s.items[deviceID]; still && current.expired(now) {
			delete(s.items, deviceID)
		}
		s.misses++
		s.mu.Unlock()
		return nil, nil
	}

	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
	return entry.device, nil
}

// Set stores a device record for ttl (DefaultTTL when non-positive)
func (s *MemoryStore) Set(_ context.Context, device *telemetry.Device, ttl time.Duration) error {
	if device == nil || device.ID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"MemoryStore", "Set", "device id check")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s.mu.Lock()
	s.items[device.ID] = &memoryEntry{
		device:    device,
		expiresAt: time.Now().Add(ttl),
	}
	s.mu.Unlock()
	return nil
}

// Delete removes a device record
func (s *MemoryStore) Delete(_ context.Context, deviceID string) error {
	s.mu.Lock()
	delete(s.items, deviceID)
	s.mu.Unlock()
	return nil
}

// Ping always succeeds for the in-process store
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Stats returns hit/miss counters and the current entry count
func (s *MemoryStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StoreStats{
		Hits:    s.hits,
		Misses:  s.misses,
		Entries: len(s.items),
	}
}

// Close stops the janitor goroutine
func (s *MemoryStore) Close() error {
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}

	select {
	case <-s.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.WrapTransient(errors.ErrShuttingDown,
			"MemoryStore", "Close", "janitor wait")
	}
}

func (s *MemoryStore) janitor(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	for id, entry := range s.items {
		if entry.expired(now) {
			delete(s.items, id)
		}
	}
	s.mu.Unlock()
}
