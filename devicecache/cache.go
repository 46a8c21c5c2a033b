package devicecache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gbsoft/fleetstream/errors"
	"github.com/gbsoft/fleetstream/telemetry"
)

// LookupFunc resolves a device from the system of record, typically the
// registry table in storage. Returning (nil, nil) means the device does not
// exist.
type LookupFunc func(ctx context.Context, deviceID string) (*telemetry.Device, error)

// SubjectCache is the read-through layer the pipeline asks about devices.
// Hits are served from the store; misses go to the resolver and successful
// results are cached for the TTL. Negative results are never cached, so an
// unknown device keeps hitting the resolver until it is registered.
//
// Store failures degrade to resolver calls instead of failing the message.
type SubjectCache struct {
	store  Store
	lookup LookupFunc
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	hits     uint64
	misses   uint64
	lookups  uint64
	degraded uint64
}

// CacheStats is a point-in-time snapshot of resolution activity
type CacheStats struct {
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Lookups  uint64 `json:"lookups"`
	Degraded uint64 `json:"degraded"`
}

// CacheOption configures optional SubjectCache collaborators
type CacheOption func(*SubjectCache)

// WithCacheLogger sets the structured logger used by the cache
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *SubjectCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewSubjectCache creates a read-through cache over store with the given
// resolver. Non-positive ttl falls back to DefaultTTL.
func NewSubjectCache(store Store, lookup LookupFunc, ttl time.Duration, opts ...CacheOption) (*SubjectCache, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"SubjectCache", "NewSubjectCache", "store required")
	}
	if lookup == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"SubjectCache", "NewSubjectCache", "lookup required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c := &SubjectCache{
		store:  store,
		lookup: lookup,
		ttl:    ttl,
		logger: slog.Default().With("component", "devicecache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Resolve returns the device record for deviceID, or (nil, nil) when the
// device is unknown. Errors mean the resolver itself failed.
func (c *SubjectCache) Resolve(ctx context.Context, deviceID string) (*telemetry.Device, error) {
	device, err := c.store.Get(ctx, deviceID)
	if err != nil {
		c.logger.Warn("cache read degraded, falling through to lookup",
			"device_id", deviceID, "error", err)
		c.count(func() { c.degraded++ })
	} else if device != nil {
		c.count(func() { c.hits++ })
		return device, nil
	} else {
		c.count(func() { c.misses++ })
	}

	c.count(func() { c.lookups++ })
	device, err = c.lookup(ctx, deviceID)
	if err != nil {
		return nil, errors.WrapTransient(err, "SubjectCache", "Resolve", "device lookup")
	}
	if device == nil {
		// Unknown devices are never cached
		return nil, nil
	}

	if err := c.store.Set(ctx, device, c.ttl); err != nil {
		c.logger.Warn("cache write degraded", "device_id", deviceID, "error", err)
		c.count(func() { c.degraded++ })
	}
	return device, nil
}

// Invalidate drops a device from the cache so the next resolve refreshes it
func (c *SubjectCache) Invalidate(ctx context.Context, deviceID string) error {
	return c.store.Delete(ctx, deviceID)
}

// Stats returns a snapshot of resolution counters
func (c *SubjectCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:     c.hits,
		Misses:   c.misses,
		Lookups:  c.lookups,
		Degraded: c.degraded,
	}
}

func (c *SubjectCache) count(fn func()) {
	c.mu.Lock()
	fn()
	c.mu.Unlock()
}
