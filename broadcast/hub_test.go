package broadcast

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fserrors "github.com/gbsoft/fleetstream/errors"
	"github.com/gbsoft/fleetstream/telemetry"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	h := New(cfg, WithLogger(quietLogger()))
	require.NoError(t, h.Connect(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Disconnect(ctx)
	})
	return h
}

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+h.Addr()+h.cfg.Path, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame controlFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func awaitClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.Stats().Clients == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h := newTestHub(t, Config{})
	first := dialHub(t, h)
	second := dialHub(t, h)
	awaitClients(t, h, 2)

	event := telemetry.NewEvent("bus-001", "gps", map[string]any{"speed": 42.0})
	require.NoError(t, h.Broadcast(context.Background(), event))

	for _, conn := range []*websocket.Conn{first, second} {
		env := readEnvelope(t, conn)
		assert.Equal(t, "event", env.Type)
		require.NotNil(t, env.Event)
		assert.Equal(t, event.ID, env.Event.ID)
		assert.Equal(t, "bus-001", env.Event.DeviceID)
		assert.NotZero(t, env.Timestamp)
	}

	stats := h.Stats()
	assert.Equal(t, int64(2), stats.EventsSent)
	assert.Equal(t, int64(2), stats.TotalConnections)
}

func TestSubscribeScopesFeed(t *testing.T) {
	h := newTestHub(t, Config{})
	conn := dialHub(t, h)
	awaitClients(t, h, 1)

	sendFrame(t, conn, controlFrame{Type: "subscribe", Vehicles: []string{"bus-001"}})
	ack := readEnvelope(t, conn)
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, []string{"bus-001"}, ack.Vehicles)

	// Filtered out for this client
	require.NoError(t, h.Broadcast(context.Background(),
		telemetry.NewEvent("bus-002", "gps", map[string]any{"speed": 10.0})))
	// Admitted
	wanted := telemetry.NewEvent("bus-001", "fuel", map[string]any{"fuelLevel": 50.0})
	require.NoError(t, h.Broadcast(context.Background(), wanted))

	env := readEnvelope(t, conn)
	require.NotNil(t, env.Event)
	assert.Equal(t, wanted.ID, env.Event.ID)

	// Nothing else pending
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestUnsubscribeNarrowsThenClears(t *testing.T) {
	h := newTestHub(t, Config{})
	conn := dialHub(t, h)
	awaitClients(t, h, 1)

	sendFrame(t, conn, controlFrame{Type: "subscribe", Vehicles: []string{"bus-002", "bus-001"}})
	ack := readEnvelope(t, conn)
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, []string{"bus-001", "bus-002"}, ack.Vehicles)

	sendFrame(t, conn, controlFrame{Type: "unsubscribe", Vehicles: []string{"bus-001"}})
	ack = readEnvelope(t, conn)
	assert.Equal(t, "unsubscribed", ack.Type)
	assert.Equal(t, []string{"bus-002"}, ack.Vehicles)

	// An empty subscribe restores the full feed
	sendFrame(t, conn, controlFrame{Type: "subscribe"})
	ack = readEnvelope(t, conn)
	assert.Equal(t, "subscribed", ack.Type)
	assert.Empty(t, ack.Vehicles)

	any := telemetry.NewEvent("bus-077", "status", map[string]any{"state": "idle"})
	require.NoError(t, h.Broadcast(context.Background(), any))
	env := readEnvelope(t, conn)
	require.NotNil(t, env.Event)
	assert.Equal(t, any.ID, env.Event.ID)
}

func TestBroadcastBeforeConnect(t *testing.T) {
	h := New(Config{Addr: "127.0.0.1:0"}, WithLogger(quietLogger()))

	err := h.Broadcast(context.Background(), telemetry.NewEvent("bus-001", "gps", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, fserrors.ErrNotStarted)
	assert.True(t, fserrors.IsTransient(err))
}

func TestBroadcastNilEvent(t *testing.T) {
	h := newTestHub(t, Config{})
	assert.NoError(t, h.Broadcast(context.Background(), nil))
}

func TestHealthyLifecycle(t *testing.T) {
	h := New(Config{Addr: "127.0.0.1:0"}, WithLogger(quietLogger()))
	assert.ErrorIs(t, h.Healthy(context.Background()), fserrors.ErrNotConnected)

	require.NoError(t, h.Connect(context.Background()))
	assert.NoError(t, h.Healthy(context.Background()))
	assert.NotEmpty(t, h.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Disconnect(ctx))
	assert.ErrorIs(t, h.Healthy(context.Background()), fserrors.ErrNotConnected)
	assert.Empty(t, h.Addr())
}

func TestDisconnectIdempotent(t *testing.T) {
	h := New(Config{Addr: "127.0.0.1:0"}, WithLogger(quietLogger()))
	require.NoError(t, h.Disconnect(context.Background()))

	require.NoError(t, h.Connect(context.Background()))
	require.NoError(t, h.Disconnect(context.Background()))
	require.NoError(t, h.Disconnect(context.Background()))
}

func TestReconnectReplacesServer(t *testing.T) {
	h := newTestHub(t, Config{})
	old := dialHub(t, h)
	awaitClients(t, h, 1)

	require.NoError(t, h.Connect(context.Background()))
	assert.NoError(t, h.Healthy(context.Background()))
	assert.NotEmpty(t, h.Addr())

	// The previous session was torn down with the old server
	awaitClients(t, h, 0)
	require.NoError(t, old.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := old.ReadMessage()
	assert.Error(t, err)

	// The fresh server accepts and serves
	conn := dialHub(t, h)
	awaitClients(t, h, 1)
	event := telemetry.NewEvent("bus-001", "gps", map[string]any{"speed": 5.0})
	require.NoError(t, h.Broadcast(context.Background(), event))
	env := readEnvelope(t, conn)
	require.NotNil(t, env.Event)
	assert.Equal(t, event.ID, env.Event.ID)
}

func TestClosedClientIsPruned(t *testing.T) {
	h := newTestHub(t, Config{})
	conn := dialHub(t, h)
	awaitClients(t, h, 1)

	require.NoError(t, conn.Close())
	awaitClients(t, h, 0)
}

func TestUnresponsiveClientIsEvicted(t *testing.T) {
	h := newTestHub(t, Config{
		PingInterval: 50 * time.Millisecond,
		PongWait:     250 * time.Millisecond,
	})
	// Dial but never read, so pings are never answered
	dialHub(t, h)
	awaitClients(t, h, 1)
	awaitClients(t, h, 0)
}

func TestDefaults(t *testing.T) {
	h := New(Config{})
	assert.Equal(t, DefaultAddr, h.cfg.Addr)
	assert.Equal(t, DefaultPath, h.cfg.Path)
	assert.Equal(t, DefaultWriteTimeout, h.cfg.WriteTimeout)
	assert.Equal(t, DefaultPingInterval, h.cfg.PingInterval)
	assert.Equal(t, DefaultPongWait, h.cfg.PongWait)
}
