// Package eventbridge mirrors processed fleet events onto the platform NATS
// bus, where downstream services (AI service, dispatch console) consume them.
// The bridge is the northbound transport: a connection manager owns its
// lifecycle, so the NATS client's own reconnect machinery stays disabled and
// a closed connection is reported upward instead of retried in place. Events
// are published on per-class subjects; threshold alerts get their own.
package eventbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gbsoft/fleetstream/errors"
	"github.com/gbsoft/fleetstream/metric"
	"github.com/gbsoft/fleetstream/telemetry"
)

const componentName = "Bridge"

// Subjects events are mirrored on. Processed events go to a per-class
// subject; synthetic alerts share one subject regardless of source class.
const (
	SubjectPrefix    = "fleet.events."
	SyntheticSubject = "fleet.alerts.synthetic"
)

// Defaults applied when Config leaves the corresponding field zero.
const (
	DefaultName           = "fleetstream-bridge"
	DefaultConnectTimeout = 5 * time.Second
	DefaultPingInterval   = 30 * time.Second

	// flushTimeout bounds flush round trips when the caller's context
	// carries no deadline; the NATS client requires one.
	flushTimeout = 2 * time.Second
)

// Config holds the platform bus connection settings.
type Config struct {
	URL            string        `json:"url" yaml:"url"`
	Name           string        `json:"name" yaml:"name"`
	Username       string        `json:"username" yaml:"username"`
	Password       string        `json:"-" yaml:"password"`
	Token          string        `json:"-" yaml:"token"`
	ConnectTimeout time.Duration `json:"connectTimeout" yaml:"connect_timeout"`
	PingInterval   time.Duration `json:"pingInterval" yaml:"ping_interval"`
}

// Bridge publishes processed and synthetic events to the platform bus. It
// implements the connection transport contract and the pipeline's bridge
// collaborator. Publishing while the bus is unreachable fails transient, so
// the pipeline dead-letters the event for replay once the link is back.
type Bridge struct {
	cfg             Config
	logger          *slog.Logger
	onLost          func(error)
	metrics         *bridgeMetrics
	metricsRegistry *metric.MetricsRegistry

	mu   sync.RWMutex
	conn *nats.Conn

	published atomic.Int64
	failed    atomic.Int64
}

// Stats is a snapshot of bridge counters.
type Stats struct {
	URL       string `json:"url"`
	Connected bool   `json:"connected"`
	Published int64  `json:"published"`
	Failed    int64  `json:"failed"`
}

// bridgeMetrics holds the Prometheus instruments for one bridge
type bridgeMetrics struct {
	eventsPublished prometheus.Counter
	publishFailures prometheus.Counter
}

// Option configures optional Bridge collaborators.
type Option func(*Bridge)

// WithLogger sets the structured logger used by the bridge.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithConnectionLostHandler sets the callback invoked when an established
// connection closes unexpectedly. Wire this to the supervising manager's
// ReportDisconnect.
func WithConnectionLostHandler(fn func(error)) Option {
	return func(b *Bridge) {
		b.onLost = fn
	}
}

// WithMetricsRegistry exposes bridge activity through the platform metrics
// registry.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(b *Bridge) {
		b.metricsRegistry = registry
	}
}

// New creates a bridge. No connection is made until Connect is called.
func New(cfg Config, opts ...Option) (*Bridge, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, componentName, "New",
			"bus url required")
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	b := &Bridge{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metricsRegistry != nil {
		b.initMetrics()
	}
	return b, nil
}

func (b *Bridge) initMetrics() {
	m := &bridgeMetrics{
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_events_published_total",
			Help: "Total events published to the platform bus",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_publish_failures_total",
			Help: "Total events that failed to publish",
		}),
	}

	const service = "bridge"
	b.metricsRegistry.RegisterCounter(service, "bridge_events_published_total", m.eventsPublished)
	b.metricsRegistry.RegisterCounter(service, "bridge_publish_failures_total", m.publishFailures)

	b.metrics = m
}

// SubjectFor returns the platform subject an event is mirrored on.
func SubjectFor(event *telemetry.Event) string {
	if event.Synthetic {
		return SyntheticSubject
	}
	return SubjectPrefix + event.MessageClass
}

// buildOptions assembles the NATS connection options. Reconnection is
// disabled: the supervising manager decides when and how to retry, and the
// closed handler feeds it the loss signal.
func (b *Bridge) buildOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(b.cfg.Name),
		nats.Timeout(b.cfg.ConnectTimeout),
		nats.PingInterval(b.cfg.PingInterval),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(b.handleDisconnected),
		nats.ClosedHandler(b.handleClosed),
		nats.ErrorHandler(b.handleAsyncError),
	}

	if b.cfg.Username != "" && b.cfg.Password != "" {
		opts = append(opts, nats.UserInfo(b.cfg.Username, b.cfg.Password))
	}
	if b.cfg.Token != "" {
		opts = append(opts, nats.Token(b.cfg.Token))
	}

	return opts
}

// Connect dials the platform bus. An earlier connection, if any, is replaced
// and closed.
func (b *Bridge) Connect(ctx context.Context) error {
	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(b.cfg.URL, b.buildOptions()...)
		done <- result{conn: conn, err: err}
	}()

	var conn *nats.Conn
	select {
	case <-ctx.Done():
		// Release a connection that lands after the caller gave up.
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return errors.WrapTransient(ctx.Err(), componentName, "Connect", "connect canceled")
	case r := <-done:
		if r.err != nil {
			return errors.WrapTransient(r.err, componentName, "Connect", "dial platform bus")
		}
		conn = r.conn
	}

	b.mu.Lock()
	old := b.conn
	b.conn = conn
	b.mu.Unlock()
	if old != nil {
		old.Close()
	}

	b.logger.Info("Connected to platform bus",
		"url", conn.ConnectedUrl(),
		"name", b.cfg.Name)
	return nil
}

// Disconnect flushes pending publishes and closes the connection. Safe to
// call when not connected.
func (b *Bridge) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	if conn == nil {
		return nil
	}

	// The bridge only publishes, so a flush is the whole drain: once the
	// round trip completes every buffered event has reached the server.
	if conn.IsConnected() {
		if err := b.flush(ctx, conn); err != nil {
			b.logger.Warn("flush before close failed", "error", err)
		}
	}
	conn.Close()

	b.logger.Info("Disconnected from platform bus", "url", b.cfg.URL)
	return nil
}

// Healthy reports nil while the connection is up and a flush round trip
// succeeds.
func (b *Bridge) Healthy(ctx context.Context) error {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return errors.ErrNotConnected
	}
	if err := b.flush(ctx, conn); err != nil {
		return errors.WrapTransient(err, componentName, "Healthy", "bus round trip")
	}
	return nil
}

// flush round-trips the connection. The NATS client insists on a deadline,
// so one is added when the caller's context has none.
func (b *Bridge) flush(ctx context.Context, conn *nats.Conn) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	return conn.FlushWithContext(ctx)
}

// Publish mirrors one event onto the bus. A nil event is a no-op. Publishing
// without a live connection fails transient so the caller can dead-letter
// and replay.
func (b *Bridge) Publish(_ context.Context, event *telemetry.Event) error {
	if event == nil {
		return nil
	}

	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		b.recordFailure()
		return errors.WrapTransient(errors.ErrNotConnected, componentName, "Publish",
			"bus unavailable")
	}

	data, err := json.Marshal(event)
	if err != nil {
		b.recordFailure()
		return errors.WrapInvalid(err, componentName, "Publish", "encode event")
	}

	if err := conn.Publish(SubjectFor(event), data); err != nil {
		b.recordFailure()
		return errors.WrapTransient(err, componentName, "Publish", "publish event")
	}

	b.published.Add(1)
	if b.metrics != nil {
		b.metrics.eventsPublished.Inc()
	}
	return nil
}

func (b *Bridge) recordFailure() {
	b.failed.Add(1)
	if b.metrics != nil {
		b.metrics.publishFailures.Inc()
	}
}

// Stats returns a snapshot of bridge counters.
func (b *Bridge) Stats() Stats {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()

	return Stats{
		URL:       b.cfg.URL,
		Connected: conn != nil && conn.IsConnected(),
		Published: b.published.Load(),
		Failed:    b.failed.Load(),
	}
}

// handleDisconnected fires when the link drops. With reconnection disabled
// the closed handler follows immediately and owns the loss report, so this
// only logs.
func (b *Bridge) handleDisconnected(_ *nats.Conn, err error) {
	if err != nil {
		b.logger.Warn("platform bus link lost", "error", err)
	}
}

// handleClosed fires when a connection is terminally closed. Closes from our
// own Disconnect or from a replaced connection carry a stale conn and are
// ignored; an unexpected close on the current connection is pushed to the
// loss callback.
func (b *Bridge) handleClosed(conn *nats.Conn) {
	b.mu.RLock()
	current := b.conn
	b.mu.RUnlock()

	if current == nil || current != conn {
		return
	}

	err := conn.LastError()
	if err == nil {
		err = errors.ErrNotConnected
	}
	b.logger.Warn("platform bus connection closed", "error", err)

	if b.onLost != nil {
		b.onLost(err)
	}
}

// handleAsyncError fires for asynchronous client errors, which may not be
// connection failures; they are logged and left to the ping cycle to resolve.
func (b *Bridge) handleAsyncError(_ *nats.Conn, _ *nats.Subscription, err error) {
	b.logger.Error("platform bus async error", "error", err)
}
