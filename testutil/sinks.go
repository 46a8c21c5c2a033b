package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/gbsoft/fleetstream/telemetry"
)

// eventLog is the shared capture core: an append-only event list with
// optional error injection.
type eventLog struct {
	mu     sync.Mutex
	events []*telemetry.Event
	err    error
}

func (l *eventLog) record(event *telemetry.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.events = append(l.events, event)
	return nil
}

// Events returns a copy of everything captured so far.
func (l *eventLog) Events() []*telemetry.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*telemetry.Event, len(l.events))
	copy(out, l.events)
	return out
}

// Count reports how many events were captured.
func (l *eventLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Fail makes subsequent captures return err until cleared with nil.
func (l *eventLog) Fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

// CaptureStore records persisted events and device touches in memory. It
// stands in for the pipeline's event store.
type CaptureStore struct {
	eventLog
	touchMu  sync.Mutex
	touches  map[string]time.Time
	touchErr error
}

func NewCaptureStore() *CaptureStore {
	return &CaptureStore{touches: make(map[string]time.Time)}
}

func (c *CaptureStore) SaveEvent(ctx context.Context, event *telemetry.Event) error {
	return c.record(event)
}

func (c *CaptureStore) TouchDevice(ctx context.Context, deviceID string, at time.Time) error {
	c.touchMu.Lock()
	defer c.touchMu.Unlock()
	if c.touchErr != nil {
		return c.touchErr
	}
	c.touches[deviceID] = at
	return nil
}

// LastTouch reports the most recent touch recorded for a device.
func (c *CaptureStore) LastTouch(deviceID string) (time.Time, bool) {
	c.touchMu.Lock()
	defer c.touchMu.Unlock()
	at, ok := c.touches[deviceID]
	return at, ok
}

// FailTouches makes subsequent touches return err until cleared with nil.
func (c *CaptureStore) FailTouches(err error) {
	c.touchMu.Lock()
	defer c.touchMu.Unlock()
	c.touchErr = err
}

// CaptureBroadcaster records events offered to the live fan-out.
type CaptureBroadcaster struct {
	eventLog
}

func (b *CaptureBroadcaster) Broadcast(ctx context.Context, event *telemetry.Event) error {
	return b.record(event)
}

// CapturePublisher records events forwarded to the platform bus.
type CapturePublisher struct {
	eventLog
}

func (p *CapturePublisher) Publish(ctx context.Context, event *telemetry.Event) error {
	return p.record(event)
}

// StaticResolver resolves devices from a fixed table. Unknown IDs resolve to
// (nil, nil), matching the live registry contract.
type StaticResolver struct {
	mu      sync.Mutex
	devices map[string]*telemetry.Device
	err     error
}

func NewStaticResolver(devices ...*telemetry.Device) *StaticResolver {
	r := &StaticResolver{devices: make(map[string]*telemetry.Device, len(devices))}
	for _, d := range devices {
		r.devices[d.ID] = d
	}
	return r
}

func (r *StaticResolver) Resolve(ctx context.Context, deviceID string) (*telemetry.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.devices[deviceID], nil
}

// Put adds or replaces a device in the table.
func (r *StaticResolver) Put(device *telemetry.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[device.ID] = device
}

// Fail makes subsequent lookups return err until cleared with nil.
func (r *StaticResolver) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}
