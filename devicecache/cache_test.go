package devicecache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbsoft/fleetstream/telemetry"
)

// flakyStore wraps a MemoryStore and injects failures on demand
type flakyStore struct {
	inner   *MemoryStore
	failGet bool
	failSet bool
}

func (f *flakyStore) Get(ctx context.Context, id string) (*telemetry.Device, error) {
	if f.failGet {
		return nil, errors.New("cache server unreachable")
	}
	return f.inner.Get(ctx, id)
}

func (f *flakyStore) Set(ctx context.Context, d *telemetry.Device, ttl time.Duration) error {
	if f.failSet {
		return errors.New("cache server unreachable")
	}
	return f.inner.Set(ctx, d, ttl)
}

func (f *flakyStore) Delete(ctx context.Context, id string) error {
	return f.inner.Delete(ctx, id)
}

func (f *flakyStore) Ping(ctx context.Context) error {
	return f.inner.Ping(ctx)
}

func registryLookup(devices map[string]*telemetry.Device, calls *atomic.Int32) LookupFunc {
	return func(_ context.Context, id string) (*telemetry.Device, error) {
		calls.Add(1)
		return devices[id], nil
	}
}

func TestSubjectCache_ReadThrough(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	var calls atomic.Int32
	lookup := registryLookup(map[string]*telemetry.Device{
		"bus-001": {ID: "bus-001", Active: true},
	}, &calls)

	cache, err := NewSubjectCache(store, lookup, time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	// First resolve misses and hits the resolver
	device, err := cache.Resolve(ctx, "bus-001")
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Equal(t, int32(1), calls.Load())

	// Subsequent resolves inside the TTL are pure cache hits
	for i := 0; i < 5; i++ {
		device, err = cache.Resolve(ctx, "bus-001")
		require.NoError(t, err)
		require.NotNil(t, device)
	}
	assert.Equal(t, int32(1), calls.Load(), "resolver must not run again within the TTL")

	stats := cache.Stats()
	assert.Equal(t, uint64(5), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Lookups)
}

func TestSubjectCache_UnknownDeviceNotCached(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	var calls atomic.Int32
	cache, err := NewSubjectCache(store, registryLookup(nil, &calls), time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		device, err := cache.Resolve(ctx, "ghost-99")
		require.NoError(t, err)
		assert.Nil(t, device)
	}
	assert.Equal(t, int32(3), calls.Load(), "negative results keep consulting the resolver")
	assert.Equal(t, 0, store.Stats().Entries)
}

func TestSubjectCache_LookupError(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	cache, err := NewSubjectCache(store, func(context.Context, string) (*telemetry.Device, error) {
		return nil, errors.New("registry query timeout")
	}, time.Minute)
	require.NoError(t, err)

	_, err = cache.Resolve(context.Background(), "bus-001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry query timeout")
}

func TestSubjectCache_DegradesOnStoreReadFailure(t *testing.T) {
	inner := NewMemoryStore(time.Minute)
	defer inner.Close()
	store := &flakyStore{inner: inner, failGet: true}

	var calls atomic.Int32
	cache, err := NewSubjectCache(store, registryLookup(map[string]*telemetry.Device{
		"bus-001": {ID: "bus-001", Active: true},
	}, &calls), time.Minute)
	require.NoError(t, err)

	device, err := cache.Resolve(context.Background(), "bus-001")
	require.NoError(t, err, "a broken cache server must not fail resolution")
	require.NotNil(t, device)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(1), cache.Stats().Degraded)
}

func TestSubjectCache_DegradesOnStoreWriteFailure(t *testing.T) {
	inner := NewMemoryStore(time.Minute)
	defer inner.Close()
	store := &flakyStore{inner: inner, failSet: true}

	var calls atomic.Int32
	cache, err := NewSubjectCache(store, registryLookup(map[string]*telemetry.Device{
		"bus-001": {ID: "bus-001", Active: true},
	}, &calls), time.Minute)
	require.NoError(t, err)

	device, err := cache.Resolve(context.Background(), "bus-001")
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Equal(t, uint64(1), cache.Stats().Degraded)
}

func TestSubjectCache_Invalidate(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	var calls atomic.Int32
	cache, err := NewSubjectCache(store, registryLookup(map[string]*telemetry.Device{
		"bus-001": {ID: "bus-001", Active: true},
	}, &calls), time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cache.Resolve(ctx, "bus-001")
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, "bus-001"))

	_, err = cache.Resolve(ctx, "bus-001")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "invalidation forces a fresh lookup")
}

func TestSubjectCache_ConstructorValidation(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	_, err := NewSubjectCache(nil, func(context.Context, string) (*telemetry.Device, error) {
		return nil, nil
	}, time.Minute)
	assert.Error(t, err)

	_, err = NewSubjectCache(store, nil, time.Minute)
	assert.Error(t, err)
}
