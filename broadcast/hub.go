// Package broadcast serves processed and synthetic fleet events to dashboard
// clients over WebSocket. The hub is the "server socket" transport: a
// connection manager owns its lifecycle, so Connect binds the listener,
// Disconnect releases it, and Healthy reports whether the server loop is
// still alive.
//
// Clients receive JSON envelopes of type "event". A client may scope its feed
// with a {"type":"subscribe","vehicles":[...]} frame; an empty vehicle list
// restores the full feed. Every scope change is confirmed with a
// "subscribed"/"unsubscribed" envelope listing the active filter.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gbsoft/fleetstream/errors"
	"github.com/gbsoft/fleetstream/metric"
	"github.com/gbsoft/fleetstream/telemetry"
)

const componentName = "Hub"

// Defaults applied when Config leaves the corresponding field zero.
const (
	DefaultAddr         = ":8081"
	DefaultPath         = "/ws"
	DefaultWriteTimeout = 5 * time.Second
	DefaultPingInterval = 30 * time.Second
	DefaultPongWait     = 75 * time.Second
)

// Frame types on the wire.
const (
	frameEvent        = "event"
	frameSubscribe    = "subscribe"
	frameUnsubscribe  = "unsubscribe"
	frameSubscribed   = "subscribed"
	frameUnsubscribed = "unsubscribed"
)

// Config holds the dashboard server settings.
type Config struct {
	Addr         string        `json:"addr" yaml:"addr"`
	Path         string        `json:"path" yaml:"path"`
	WriteTimeout time.Duration `json:"writeTimeout" yaml:"write_timeout"`
	PingInterval time.Duration `json:"pingInterval" yaml:"ping_interval"`
	PongWait     time.Duration `json:"pongWait" yaml:"pong_wait"`
}

// Envelope is the server-to-client frame.
type Envelope struct {
	Type      string           `json:"type"`
	Timestamp int64            `json:"timestamp"`
	Event     *telemetry.Event `json:"event,omitempty"`
	Vehicles  []string         `json:"vehicles,omitempty"`
}

// controlFrame is the client-to-server frame.
type controlFrame struct {
	Type     string   `json:"type"`
	Vehicles []string `json:"vehicles"`
}

// Stats is a snapshot of hub activity.
type Stats struct {
	Addr             string `json:"addr"`
	Clients          int    `json:"clients"`
	TotalConnections int64  `json:"totalConnections"`
	EventsSent       int64  `json:"eventsSent"`
	SendFailures     int64  `json:"sendFailures"`
}

// client is one connected dashboard session.
type client struct {
	conn        *websocket.Conn
	remote      string
	connectedAt time.Time

	writeMu   sync.Mutex
	closeOnce sync.Once
	lastPong  atomic.Value // time.Time

	mu       sync.RWMutex
	vehicles map[string]struct{} // empty means the full feed
}

// wants reports whether the client's filter admits events for deviceID.
func (c *client) wants(deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.vehicles) == 0 {
		return true
	}
	_, ok := c.vehicles[deviceID]
	return ok
}

// setFilter replaces the vehicle filter. An empty list clears it.
func (c *client) setFilter(vehicles []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(vehicles) == 0 {
		c.vehicles = nil
		return
	}
	c.vehicles = make(map[string]struct{}, len(vehicles))
	for _, v := range vehicles {
		c.vehicles[v] = struct{}{}
	}
}

// dropFromFilter removes the listed vehicles from the filter.
func (c *client) dropFromFilter(vehicles []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range vehicles {
		delete(c.vehicles, v)
	}
}

// filterSnapshot returns the active filter sorted for stable confirmations.
func (c *client) filterSnapshot() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.vehicles) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.vehicles))
	for v := range c.vehicles {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// send writes one frame under the client's write lock with a deadline.
func (c *client) send(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// hubMetrics holds the Prometheus instruments for one hub
type hubMetrics struct {
	clientsConnected prometheus.Gauge
	connectionsTotal prometheus.Counter
	eventsSent       prometheus.Counter
	sendFailures     prometheus.Counter
}

// Hub is the WebSocket fan-out server. It implements the connection transport
// contract and the pipeline's broadcast collaborator.
type Hub struct {
	cfg             Config
	logger          *slog.Logger
	metrics         *hubMetrics
	metricsRegistry *metric.MetricsRegistry

	upgrader websocket.Upgrader

	lifecycleMu sync.Mutex
	mu          sync.RWMutex
	server      *http.Server
	listener    net.Listener
	running     bool
	serveErr    error
	shutdown    chan struct{}
	wg          *sync.WaitGroup

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*client

	sent        atomic.Int64
	failed      atomic.Int64
	connections atomic.Int64
}

// Option configures optional Hub collaborators.
type Option func(*Hub)

// WithLogger sets the structured logger used by the hub.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetricsRegistry exposes hub activity through the platform metrics
// registry.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(h *Hub) {
		h.metricsRegistry = registry
	}
}

// New creates a hub. The listener is not bound until Connect is called.
func New(cfg Config, opts ...Option) *Hub {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = DefaultPongWait
	}

	h := &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*client),
		logger:  slog.Default().With("component", "broadcast"),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metricsRegistry != nil {
		h.initMetrics()
	}
	return h
}

func (h *Hub) initMetrics() {
	m := &hubMetrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcast_clients_connected",
			Help: "Currently connected dashboard clients",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_connections_total",
			Help: "Total dashboard connections accepted",
		}),
		eventsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_events_sent_total",
			Help: "Total event frames delivered to clients",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_send_failures_total",
			Help: "Total event frames that failed to deliver",
		}),
	}

	const service = "broadcast"
	h.metricsRegistry.RegisterGauge(service, "broadcast_clients_connected", m.clientsConnected)
	h.metricsRegistry.RegisterCounter(service, "broadcast_connections_total", m.connectionsTotal)
	h.metricsRegistry.RegisterCounter(service, "broadcast_events_sent_total", m.eventsSent)
	h.metricsRegistry.RegisterCounter(service, "broadcast_send_failures_total", m.sendFailures)

	h.metrics = m
}

// Connect binds the listener and starts serving dashboard connections. A hub
// that is already running is torn down first, so a supervisor can call
// Connect again after a server failure.
func (h *Hub) Connect(ctx context.Context) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if running {
		if err := h.teardown(ctx); err != nil {
			h.logger.Warn("previous server teardown failed", "error", err)
		}
	}

	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return errors.WrapTransient(err, componentName, "Connect", "listener bind")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(h.cfg.Path, h.handleUpgrade)
	server := &http.Server{Handler: mux}
	shutdown := make(chan struct{})
	wg := &sync.WaitGroup{}

	h.mu.Lock()
	h.server = server
	h.listener = ln
	h.serveErr = nil
	h.shutdown = shutdown
	h.wg = wg
	h.running = true
	h.mu.Unlock()

	wg.Add(2)
	go h.serve(server, ln, wg)
	go h.maintainClients(shutdown, wg)

	h.logger.Info("dashboard hub listening", "addr", ln.Addr().String(), "path", h.cfg.Path)
	return nil
}

// Disconnect stops the server and closes every client session.
func (h *Hub) Disconnect(ctx context.Context) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()
	return h.teardown(ctx)
}

// teardown is the shared shutdown core. Caller holds lifecycleMu.
func (h *Hub) teardown(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	close(h.shutdown)
	server := h.server
	wg := h.wg
	h.server = nil
	h.listener = nil
	h.mu.Unlock()

	var shutdownErr error
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			shutdownErr = errors.WrapTransient(err, componentName, "Disconnect", "server shutdown")
		}
	}

	h.closeAllClients()

	if wg != nil {
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			h.logger.Warn("client goroutines still draining at shutdown deadline")
		}
	}

	h.logger.Info("dashboard hub stopped")
	return shutdownErr
}

// Healthy reports whether the server loop is alive.
func (h *Hub) Healthy(context.Context) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return errors.ErrNotConnected
	}
	if h.serveErr != nil {
		return errors.WrapTransient(h.serveErr, componentName, "Healthy", "server loop check")
	}
	return nil
}

// Addr returns the bound listener address, empty when not running.
func (h *Hub) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Stats returns a snapshot of hub activity.
func (h *Hub) Stats() Stats {
	h.clientsMu.RLock()
	clients := len(h.clients)
	h.clientsMu.RUnlock()

	return Stats{
		Addr:             h.Addr(),
		Clients:          clients,
		TotalConnections: h.connections.Load(),
		EventsSent:       h.sent.Load(),
		SendFailures:     h.failed.Load(),
	}
}

// Broadcast fans one event out to every client whose filter admits it.
// Individual client write failures drop that client without failing the
// broadcast; only a stopped hub or an unencodable event is an error.
func (h *Hub) Broadcast(_ context.Context, event *telemetry.Event) error {
	if event == nil {
		return nil
	}

	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return errors.WrapTransient(errors.ErrNotStarted, componentName, "Broadcast", "hub state check")
	}

	data, err := json.Marshal(Envelope{
		Type:      frameEvent,
		Timestamp: time.Now().UnixMilli(),
		Event:     event,
	})
	if err != nil {
		return errors.WrapInvalid(err, componentName, "Broadcast", "event encode")
	}

	h.clientsMu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, cl := range h.clients {
		if cl.wants(event.DeviceID) {
			targets = append(targets, cl)
		}
	}
	h.clientsMu.RUnlock()

	for _, cl := range targets {
		if err := cl.send(data, h.cfg.WriteTimeout); err != nil {
			h.failed.Add(1)
			if h.metrics != nil {
				h.metrics.sendFailures.Inc()
			}
			h.logger.Warn("client write failed, dropping client",
				"remote", cl.remote, "error", err)
			h.removeClient(cl)
			continue
		}
		h.sent.Add(1)
		if h.metrics != nil {
			h.metrics.eventsSent.Inc()
		}
	}
	return nil
}

// serve runs the HTTP server until shutdown. An unexpected exit is kept for
// Healthy so the supervisor notices.
func (h *Hub) serve(server *http.Server, ln net.Listener, wg *sync.WaitGroup) {
	defer wg.Done()

	err := server.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		h.logger.Error("dashboard server failed", "error", err)
		h.mu.Lock()
		h.serveErr = err
		h.mu.Unlock()
	}
}

// handleUpgrade admits one dashboard connection.
func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	cl := &client{
		conn:        conn,
		remote:      r.RemoteAddr,
		connectedAt: time.Now(),
	}
	cl.lastPong.Store(time.Now())

	// Admission and wg registration stay under the state lock so a
	// concurrent teardown either waits for this client or refuses it.
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		_ = conn.Close()
		return
	}
	wg := h.wg
	wg.Add(1)
	h.mu.RUnlock()

	h.clientsMu.Lock()
	h.clients[conn] = cl
	count := len(h.clients)
	h.clientsMu.Unlock()

	h.connections.Add(1)
	if h.metrics != nil {
		h.metrics.connectionsTotal.Inc()
		h.metrics.clientsConnected.Set(float64(count))
	}
	h.logger.Info("dashboard client connected", "remote", cl.remote, "clients", count)

	go h.readLoop(cl, wg)
}

// readLoop consumes control frames from one client until the connection
// drops.
func (h *Hub) readLoop(cl *client, wg *sync.WaitGroup) {
	defer wg.Done()
	defer h.removeClient(cl)

	cl.conn.SetPongHandler(func(string) error {
		cl.lastPong.Store(time.Now())
		return cl.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})
	_ = cl.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = cl.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case frameSubscribe:
			cl.setFilter(frame.Vehicles)
			h.confirm(cl, frameSubscribed)
			h.logger.Debug("client scope updated",
				"remote", cl.remote, "vehicles", len(frame.Vehicles))
		case frameUnsubscribe:
			cl.dropFromFilter(frame.Vehicles)
			h.confirm(cl, frameUnsubscribed)
		default:
			// Unknown frames are ignored
		}
	}
}

// confirm acknowledges a scope change with the active filter.
func (h *Hub) confirm(cl *client, frameType string) {
	data, err := json.Marshal(Envelope{
		Type:      frameType,
		Timestamp: time.Now().UnixMilli(),
		Vehicles:  cl.filterSnapshot(),
	})
	if err != nil {
		return
	}
	if err := cl.send(data, h.cfg.WriteTimeout); err != nil {
		h.removeClient(cl)
	}
}

// maintainClients pings clients and evicts the unresponsive.
func (h *Hub) maintainClients(shutdown chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			h.clientsMu.RLock()
			snapshot := make([]*client, 0, len(h.clients))
			for _, cl := range h.clients {
				snapshot = append(snapshot, cl)
			}
			h.clientsMu.RUnlock()

			for _, cl := range snapshot {
				last, _ := cl.lastPong.Load().(time.Time)
				if time.Since(last) > h.cfg.PongWait {
					h.logger.Info("evicting unresponsive client", "remote", cl.remote)
					h.removeClient(cl)
					continue
				}
				deadline := time.Now().Add(h.cfg.WriteTimeout)
				if err := cl.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					h.removeClient(cl)
				}
			}
		}
	}
}

// removeClient closes one client session exactly once.
func (h *Hub) removeClient(cl *client) {
	cl.closeOnce.Do(func() {
		h.clientsMu.Lock()
		delete(h.clients, cl.conn)
		count := len(h.clients)
		h.clientsMu.Unlock()

		_ = cl.conn.Close()
		if h.metrics != nil {
			h.metrics.clientsConnected.Set(float64(count))
		}
		h.logger.Info("dashboard client disconnected",
			"remote", cl.remote,
			"connected_for", time.Since(cl.connectedAt).Round(time.Millisecond).String(),
			"clients", count)
	})
}

// closeAllClients force-closes every session during teardown.
func (h *Hub) closeAllClients() {
	h.clientsMu.RLock()
	snapshot := make([]*client, 0, len(h.clients))
	for _, cl := range h.clients {
		snapshot = append(snapshot, cl)
	}
	h.clientsMu.RUnlock()

	for _, cl := range snapshot {
		h.removeClient(cl)
	}
}
