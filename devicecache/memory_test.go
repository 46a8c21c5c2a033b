package devicecache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbsoft/fleetstream/telemetry"
)

func TestMemoryStore_SetGet(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()
	ctx := context.Background()

	device := &telemetry.Device{ID: "bus-001", Name: "Line 34", Active: true}
	require.NoError(t, s.Set(ctx, device, time.Minute))

	got, err := s.Get(ctx, "bus-001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "bus-001", got.ID)
	assert.Equal(t, "Line 34", got.Name)
	assert.True(t, got.Active)
}

func TestMemoryStore_Miss(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()

	got, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, &telemetry.Device{ID: "bus-001", Active: true}, 30*time.Millisecond))

	got, err := s.Get(ctx, "bus-001")
	require.NoError(t, err)
	require.NotNil(t, got)

	time.Sleep(40 * time.Millisecond)

	got, err = s.Get(ctx, "bus-001")
	require.NoError(t, err)
	assert.Nil(t, got, "expired entries read as misses")
	assert.Equal(t, 0, s.Stats().Entries, "expired entries are evicted on read")
}

func TestMemoryStore_JanitorSweeps(t *testing.T) {
	s := NewMemoryStore(20 * time.Millisecond)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, &telemetry.Device{ID: "bus-001", Active: true}, 10*time.Millisecond))
	require.NoError(t, s.Set(ctx, &telemetry.Device{ID: "bus-002", Active: true}, time.Minute))

	require.Eventually(t, func() bool {
		return s.Stats().Entries == 1
	}, 2*time.Second, 10*time.Millisecond, "janitor removes expired entries without a read")
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, &telemetry.Device{ID: "bus-001", Active: true}, time.Minute))
	require.NoError(t, s.Delete(ctx, "bus-001"))

	got, err := s.Get(ctx, "bus-001")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_RejectsBadRecords(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()
	ctx := context.Background()

	assert.Error(t, s.Set(ctx, nil, time.Minute))
	assert.Error(t, s.Set(ctx, &telemetry.Device{}, time.Minute))
}

func TestMemoryStore_Stats(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, &telemetry.Device{ID: "bus-001", Active: true}, time.Minute))

	s.Get(ctx, "bus-001")
	s.Get(ctx, "bus-001")
	s.Get(ctx, "missing")

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestMemoryStore_CloseStopsJanitor(t *testing.T) {
	s := NewMemoryStore(10 * time.Millisecond)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")
	assert.NoError(t, s.Ping(context.Background()))
}
