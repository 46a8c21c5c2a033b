package pipeline

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fserrors "github.com/gbsoft/fleetstream/errors"
	"github.com/gbsoft/fleetstream/metric"
	"github.com/gbsoft/fleetstream/payload"
	"github.com/gbsoft/fleetstream/telemetry"
)

type fakeStore struct {
	mu       sync.Mutex
	events   []*telemetry.Event
	touches  map[string]time.Time
	saveErr  error
	touchErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{touches: make(map[string]time.Time)}
}

func (s *fakeStore) SaveEvent(_ context.Context, event *telemetry.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.events = append(s.events, event)
	return nil
}

func (s *fakeStore) TouchDevice(_ context.Context, deviceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.touchErr != nil {
		return s.touchErr
	}
	s.touches[deviceID] = at
	return nil
}

func (s *fakeStore) saved() []*telemetry.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*telemetry.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *fakeStore) touched(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.touches[deviceID]
	return ok
}

func (s *fakeStore) setSaveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

// fakeSink records events and serves as both broadcaster and bridge
type fakeSink struct {
	mu     sync.Mutex
	events []*telemetry.Event
	err    error
}

func (s *fakeSink) Broadcast(_ context.Context, event *telemetry.Event) error {
	return s.record(event)
}

func (s *fakeSink) Publish(_ context.Context, event *telemetry.Event) error {
	return s.record(event)
}

func (s *fakeSink) record(event *telemetry.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *fakeSink) received() []*telemetry.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*telemetry.Event, len(s.events))
	copy(out, s.events)
	return out
}

type fakeResolver struct {
	mu      sync.Mutex
	devices map[string]*telemetry.Device
	err     error
	calls   int
}

func (r *fakeResolver) Resolve(_ context.Context, deviceID string) (*telemetry.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.devices[deviceID], nil
}

func (r *fakeResolver) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

type harness struct {
	pipeline  *Pipeline
	store     *fakeStore
	broadcast *fakeSink
	bridge    *fakeSink
	resolver  *fakeResolver
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness builds a started pipeline over fakes. The prestart hooks run
// after construction but before Start, for handler registration.
func newHarness(t *testing.T, cfg Config, prestart ...func(p *Pipeline)) *harness {
	t.Helper()

	h := &harness{
		store:     newFakeStore(),
		broadcast: &fakeSink{},
		bridge:    &fakeSink{},
		resolver: &fakeResolver{devices: map[string]*telemetry.Device{
			"bus-001":    {ID: "bus-001", Name: "Route 12", VehicleType: "bus", Active: true},
			"bus-002":    {ID: "bus-002", Name: "Route 9", VehicleType: "bus", Active: true},
			"retired-01": {ID: "retired-01", Name: "Decommissioned", Active: false},
		}},
	}

	p, err := New(cfg, Dependencies{
		Resolver:  h.resolver,
		Store:     h.store,
		Broadcast: h.broadcast,
		Bridge:    h.bridge,
	}, WithLogger(quietLogger()))
	require.NoError(t, err)

	for _, hook := range prestart {
		hook(p)
	}

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(2 * time.Second) })

	h.pipeline = p
	return h
}

func (h *harness) telemetry(t *testing.T, deviceID, class string, body map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	h.pipeline.Submit(Inbound{
		Topic:   fmt.Sprintf("vehicles/%s/telemetry/%s", deviceID, class),
		Payload: raw,
	})
}

func (h *harness) await(t *testing.T, cond func(Stats) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return cond(h.pipeline.Stats())
	}, 2*time.Second, 5*time.Millisecond)
}

func synthetics(events []*telemetry.Event) []*telemetry.Event {
	var out []*telemetry.Event
	for _, e := range events {
		if e.Synthetic {
			out = append(out, e)
		}
	}
	return out
}

func TestPipeline_ProcessesTelemetryMessage(t *testing.T) {
	h := newHarness(t, Config{})

	h.telemetry(t, "bus-001", "gps", map[string]any{
		"gps":   map[string]any{"lat": 40.5, "lng": -73.9},
		"speed": 42.0,
	})

	h.await(t, func(s Stats) bool { return s.Processed == 1 })

	saved := h.store.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, "bus-001", saved[0].DeviceID)
	assert.Equal(t, "gps", saved[0].MessageClass)
	assert.Equal(t, 42.0, saved[0].Payload["speed"])
	assert.False(t, saved[0].ProcessedAt.IsZero(), "dispatch stamps the processing time")

	assert.Len(t, h.broadcast.received(), 1)
	assert.Len(t, h.bridge.received(), 1)
	assert.Equal(t, 0, h.pipeline.Stats().DeadLetterDepth)
}

func TestPipeline_FuelAtReserveRaisesAlert(t *testing.T) {
	h := newHarness(t, Config{})

	h.telemetry(t, "bus-001", "gps", map[string]any{
		"gps":       map[string]any{"lat": 40.5, "lng": -73.9},
		"fuelLevel": 15.0,
	})

	h.await(t, func(s Stats) bool { return s.Processed == 1 })
	require.Eventually(t, func() bool {
		return len(h.broadcast.received()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	// Reading stored, synthetic not
	saved := h.store.saved()
	require.Len(t, saved, 1)
	assert.False(t, saved[0].Synthetic)

	alerts := synthetics(h.broadcast.received())
	require.Len(t, alerts, 1)
	alert := alerts[0]
	assert.Equal(t, telemetry.AlertFuelLevel, alert.Payload["type"])
	assert.Equal(t, telemetry.SeverityHigh, alert.Severity)
	assert.Equal(t, "bus-001", alert.Payload["vehicleId"])

	data, ok := alert.Payload["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 15.0, data["value"])
	assert.Equal(t, FuelReserveLevel, data["threshold"])
	assert.Equal(t, "gps", data["sourceClass"])

	// Bridge sees the same pair
	assert.Len(t, synthetics(h.bridge.received()), 1)
}

func TestPipeline_SpeedThreshold(t *testing.T) {
	t.Run("above limit raises violation", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.telemetry(t, "bus-001", "gps", map[string]any{"speed": 95.0})

		h.await(t, func(s Stats) bool { return s.Processed == 1 })
		require.Eventually(t, func() bool {
			return len(synthetics(h.broadcast.received())) == 1
		}, 2*time.Second, 5*time.Millisecond)

		alert := synthetics(h.broadcast.received())[0]
		assert.Equal(t, telemetry.AlertSpeedViolation, alert.Payload["type"])
		assert.Equal(t, telemetry.SeverityHigh, alert.Severity)
	})

	t.Run("at limit does not", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.telemetry(t, "bus-001", "gps", map[string]any{"speed": 80.0})

		h.await(t, func(s Stats) bool { return s.Processed == 1 })
		assert.Empty(t, synthetics(h.broadcast.received()))
	})
}

func TestPipeline_BothThresholdsTrigger(t *testing.T) {
	h := newHarness(t, Config{})

	h.telemetry(t, "bus-002", "engine", map[string]any{
		"speed":     101.0,
		"fuelLevel": 5.0,
	})

	h.await(t, func(s Stats) bool { return s.Processed == 1 })
	require.Eventually(t, func() bool {
		return len(h.broadcast.received()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	alerts := synthetics(h.broadcast.received())
	types := []string{alerts[0].Payload["type"].(string), alerts[1].Payload["type"].(string)}
	assert.Contains(t, types, telemetry.AlertSpeedViolation)
	assert.Contains(t, types, telemetry.AlertFuelLevel)
}

func TestPipeline_AlertClassLiftsSeverity(t *testing.T) {
	h := newHarness(t, Config{})

	h.telemetry(t, "bus-001", "alert", map[string]any{
		"severity": "CRITICAL",
		"code":     "ENGINE_OVERHEAT",
	})
	h.await(t, func(s Stats) bool { return s.Processed == 1 })

	saved := h.store.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, telemetry.SeverityCritical, saved[0].Severity)

	h.telemetry(t, "bus-001", "alert", map[string]any{"code": "DOOR_AJAR"})
	h.await(t, func(s Stats) bool { return s.Processed == 2 })
	assert.Equal(t, telemetry.SeverityMedium, h.store.saved()[1].Severity)
}

func TestPipeline_RejectsMalformedTopic(t *testing.T) {
	h := newHarness(t, Config{})

	h.pipeline.Submit(Inbound{Topic: "vehicles/bus-001/telemetry", Payload: []byte(`{}`)})

	h.await(t, func(s Stats) bool { return s.Rejected == 1 })
	assert.Empty(t, h.store.saved())
	assert.Equal(t, 0, h.pipeline.Stats().DeadLetterDepth, "rejections are not dead-lettered")
}

func TestPipeline_RejectsTraversalDeviceID(t *testing.T) {
	h := newHarness(t, Config{})

	h.pipeline.Submit(Inbound{Topic: "vehicles/../etc/telemetry/gps", Payload: []byte(`{}`)})

	h.await(t, func(s Stats) bool { return s.Rejected == 1 })
	assert.Empty(t, h.store.saved())
}

func TestPipeline_RejectsOversizedPayload(t *testing.T) {
	h := newHarness(t, Config{})

	deep := `{"a":{"b":{"c":{"d":{"e":{"f":1}}}}}}`
	h.pipeline.Submit(Inbound{Topic: "vehicles/bus-001/telemetry/gps", Payload: []byte(deep)})

	h.await(t, func(s Stats) bool { return s.Rejected == 1 })
	assert.Empty(t, h.store.saved())
}

func TestPipeline_RateLimitDropsSilently(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 2, RateWindow: time.Minute})

	for i := 0; i < 3; i++ {
		h.telemetry(t, "bus-001", "gps", map[string]any{"speed": 10.0})
	}

	h.await(t, func(s Stats) bool { return s.Processed == 2 && s.RateLimited == 1 })
	assert.Len(t, h.store.saved(), 2)
	assert.Equal(t, 0, h.pipeline.Stats().DeadLetterDepth, "rate drops are not dead-lettered")
	assert.Equal(t, int64(0), h.pipeline.Stats().Rejected, "rate drops are not rejections")
}

func TestPipeline_UnknownDeviceRejected(t *testing.T) {
	h := newHarness(t, Config{})

	h.telemetry(t, "ghost-99", "gps", map[string]any{"speed": 10.0})
	h.await(t, func(s Stats) bool { return s.Rejected == 1 })

	h.telemetry(t, "retired-01", "gps", map[string]any{"speed": 10.0})
	h.await(t, func(s Stats) bool { return s.Rejected == 2 })

	assert.Empty(t, h.store.saved())
	assert.Equal(t, 0, h.pipeline.Stats().DeadLetterDepth)
}

func TestPipeline_ResolverFailureDeadLetters(t *testing.T) {
	h := newHarness(t, Config{})
	h.resolver.setErr(stderrors.New("lookup backend down"))

	h.telemetry(t, "bus-001", "gps", map[string]any{"speed": 10.0})

	h.await(t, func(s Stats) bool { return s.DeadLetterDepth == 1 })
	letters := h.pipeline.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, "device resolution", letters[0].Reason)
	assert.Contains(t, letters[0].Error, "lookup backend down")
}

func TestPipeline_StorageFailureDeadLettersAndReplays(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.setSaveErr(stderrors.New("disk full"))

	h.telemetry(t, "bus-001", "fuel", map[string]any{"fuelLevel": 50.0})
	h.await(t, func(s Stats) bool { return s.DeadLetterDepth == 1 })

	letters := h.pipeline.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, "dispatch", letters[0].Reason)
	assert.Contains(t, letters[0].Error, "disk full")
	assert.Empty(t, h.store.saved())

	// Heal the store and replay through the full pipeline
	h.store.setSaveErr(nil)
	n, err := h.pipeline.Replay(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.await(t, func(s Stats) bool { return s.Processed == 1 && s.DeadLetterDepth == 0 })
	saved := h.store.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, "bus-001", saved[0].DeviceID)
}

func TestPipeline_ReplayEmptyBuffer(t *testing.T) {
	h := newHarness(t, Config{})
	n, err := h.pipeline.Replay(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPipeline_HandlerPanicIsContained(t *testing.T) {
	h := newHarness(t, Config{}, func(p *Pipeline) {
		require.NoError(t, p.RegisterHandler("status", func(context.Context, *telemetry.Event, payload.Validated) error {
			panic("status handler bug")
		}))
	})

	h.telemetry(t, "bus-001", "status", map[string]any{"state": "idle"})
	h.await(t, func(s Stats) bool { return s.DeadLetterDepth == 1 })

	letters := h.pipeline.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, "handler panic", letters[0].Reason)
	assert.Contains(t, letters[0].Error, "status handler bug")

	// The pool keeps serving other messages
	h.telemetry(t, "bus-001", "gps", map[string]any{"speed": 10.0})
	h.await(t, func(s Stats) bool { return s.Processed == 1 })
}

func TestPipeline_RegisterHandlerRules(t *testing.T) {
	p, err := New(Config{}, Dependencies{Resolver: &fakeResolver{}}, WithLogger(quietLogger()))
	require.NoError(t, err)

	noop := func(context.Context, *telemetry.Event, payload.Validated) error { return nil }

	require.NoError(t, p.RegisterHandler("gps", noop))
	assert.ErrorIs(t, p.RegisterHandler("gps", noop), fserrors.ErrHandlerExists)
	assert.ErrorIs(t, p.RegisterHandler("bogus", noop), fserrors.ErrUnsupportedMessageClass)
	assert.ErrorIs(t, p.RegisterHandler("fuel", nil), fserrors.ErrInvalidConfig)

	// Start fills the remaining classes with defaults
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(time.Second) })
	assert.ErrorIs(t, p.RegisterHandler("fuel", noop), fserrors.ErrHandlerExists)
}

func TestPipeline_CustomHandlerOverridesDefault(t *testing.T) {
	var mu sync.Mutex
	var custom []*telemetry.Event

	h := newHarness(t, Config{}, func(p *Pipeline) {
		require.NoError(t, p.RegisterHandler("maintenance", func(_ context.Context, e *telemetry.Event, _ payload.Validated) error {
			mu.Lock()
			defer mu.Unlock()
			custom = append(custom, e)
			return nil
		}))
	})

	h.telemetry(t, "bus-001", "maintenance", map[string]any{"task": "brake inspection"})
	h.await(t, func(s Stats) bool { return s.Processed == 1 })

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, custom, 1)
	assert.Equal(t, "brake inspection", custom[0].Payload["task"])
	assert.Empty(t, h.store.saved(), "custom handler replaced the default dispatch")
}

func TestPipeline_HeartbeatTouchesDevice(t *testing.T) {
	h := newHarness(t, Config{})

	h.pipeline.Submit(Inbound{Topic: "system/bus-001/heartbeat"})

	h.await(t, func(s Stats) bool { return s.Heartbeats == 1 })
	require.Eventually(t, func() bool { return h.store.touched("bus-001") }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.store.saved(), "heartbeats do not create events")
}

func TestPipeline_MalformedHeartbeatRejected(t *testing.T) {
	h := newHarness(t, Config{})

	h.pipeline.Submit(Inbound{Topic: "system//heartbeat"})

	h.await(t, func(s Stats) bool { return s.Rejected == 1 })
	assert.Equal(t, int64(0), h.pipeline.Stats().Heartbeats)
}

func TestPipeline_AdminCommandCountedOnly(t *testing.T) {
	h := newHarness(t, Config{})

	h.pipeline.Submit(Inbound{Topic: "admin/commands", Payload: []byte(`{"cmd":"reboot"}`)})

	h.await(t, func(s Stats) bool { return s.AdminCommands == 1 })
	assert.Empty(t, h.store.saved())
	assert.Equal(t, int64(0), h.pipeline.Stats().Processed)
}

func TestPipeline_FullQueueDeadLetters(t *testing.T) {
	entered := make(chan struct{})
	gate := make(chan struct{})

	h := newHarness(t, Config{Workers: 1, QueueSize: 1}, func(p *Pipeline) {
		require.NoError(t, p.RegisterHandler("status", func(context.Context, *telemetry.Event, payload.Validated) error {
			entered <- struct{}{}
			<-gate
			return nil
		}))
	})

	// First message occupies the worker
	h.telemetry(t, "bus-001", "status", map[string]any{"state": "idle"})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first message")
	}

	// Second fills the queue, third has nowhere to go
	h.telemetry(t, "bus-001", "status", map[string]any{"state": "idle"})
	h.telemetry(t, "bus-001", "status", map[string]any{"state": "idle"})

	h.await(t, func(s Stats) bool { return s.DeadLetterDepth == 1 })
	letters := h.pipeline.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, "ingress queue full", letters[0].Reason)

	close(gate)
	go func() {
		// Drain the second handler invocation
		<-entered
	}()
	h.await(t, func(s Stats) bool { return s.Processed == 2 })
}

func TestPipeline_Lifecycle(t *testing.T) {
	p, err := New(Config{}, Dependencies{Resolver: &fakeResolver{}}, WithLogger(quietLogger()))
	require.NoError(t, err)

	assert.False(t, p.IsStarted())
	require.NoError(t, p.Start(context.Background()))
	assert.True(t, p.IsStarted())

	assert.ErrorIs(t, p.Start(context.Background()), fserrors.ErrAlreadyStarted)

	require.NoError(t, p.Stop(time.Second))
	assert.False(t, p.IsStarted())
	require.NoError(t, p.Stop(time.Second), "stopping twice is harmless")

	// Messages after stop are captured, not lost
	p.Submit(Inbound{Topic: "vehicles/bus-001/telemetry/gps", Payload: []byte(`{}`)})
	assert.Equal(t, 1, p.Stats().DeadLetterDepth)
}

func TestPipeline_RequiresResolver(t *testing.T) {
	_, err := New(Config{}, Dependencies{})
	require.Error(t, err)
	assert.ErrorIs(t, err, fserrors.ErrMissingConfig)
}

func TestPipeline_PoolMetricsRegistered(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	p, err := New(Config{}, Dependencies{Resolver: &fakeResolver{}},
		WithLogger(quietLogger()), WithMetricsRegistry(registry))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(time.Second) })

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["fleetstream_pipeline_pool_submitted_total"])
	assert.True(t, names["fleetstream_pipeline_pool_queue_depth"])
}
