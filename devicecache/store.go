// Package devicecache resolves device subjects through a read-through cache
// backed by a swappable store. The cache keeps hot device records close to
// the pipeline so subject resolution does not hit the registry database on
// every message.
package devicecache

import (
	"context"
	"time"

	"github.com/gbsoft/fleetstream/telemetry"
)

// DefaultTTL is how long a cached device record stays valid
const DefaultTTL = 5 * time.Minute

// Store is the cache backend. Get returns (nil, nil) on a miss; errors are
// reserved for backend failures so callers can degrade gracefully.
type Store interface {
	Get(ctx context.Context, deviceID string) (*telemetry.Device, error)
	Set(ctx context.Context, device *telemetry.Device, ttl time.Duration) error
	Delete(ctx context.Context, deviceID string) error
	Ping(ctx context.Context) error
}

// StoreStats is a point-in-time snapshot of store activity
type StoreStats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}
