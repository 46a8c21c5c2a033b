// Package mqttclient connects the ingestion pipeline to the MQTT broker the
// vehicle fleet publishes on. The client is the device-ingress transport: a
// connection manager owns its lifecycle, so automatic reconnection stays
// disabled here and every dropped link is reported upward instead of retried
// in place. Connect dials the broker and establishes the telemetry, heartbeat
// and admin subscriptions; received messages are handed to the configured
// MessageHandler, which must never block.
package mqttclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/gbsoft/fleetstream/errors"
	"github.com/gbsoft/fleetstream/pkg/tlsutil"
	"github.com/gbsoft/fleetstream/topic"
)

const componentName = "MQTTClient"

// Defaults applied when Config leaves the corresponding field zero.
const (
	DefaultKeepAlive      = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultQoS            = 1

	// disconnectQuiesce is how long Disconnect waits for in-flight work
	// before the network connection is torn down.
	disconnectQuiesce = 250 * time.Millisecond
)

// Config holds the broker connection settings.
type Config struct {
	BrokerURL      string        `json:"brokerUrl" yaml:"broker_url"`
	ClientID       string        `json:"clientId" yaml:"client_id"`
	Username       string        `json:"username" yaml:"username"`
	Password       string        `json:"-" yaml:"password"`
	KeepAlive      time.Duration `json:"keepAlive" yaml:"keep_alive"`
	ConnectTimeout time.Duration `json:"connectTimeout" yaml:"connect_timeout"`
	QoS            byte          `json:"qos" yaml:"qos"`
	TLSInsecure    bool          `json:"tlsInsecure" yaml:"tls_insecure"`

	// TLS carries certificate material for ssl:// brokers. TLSInsecure is
	// the shorthand for TLS.InsecureSkipVerify and wins when both are set.
	TLS tlsutil.ClientConfig `json:"tls" yaml:"tls"`
}

// MessageHandler receives every message delivered on a subscribed topic. The
// payload slice is owned by the handler; it is copied out of the broker
// client's buffer before delivery. Handlers run on the client's read path and
// must hand work off without blocking.
type MessageHandler func(topicName string, payload []byte)

// Client is the MQTT ingress transport. It implements the connection
// transport contract: Connect builds a fresh broker session and subscribes
// the ingress filters, Disconnect tears the session down, Healthy probes the
// link. A lost connection is pushed to the optional connection-lost callback,
// which the supervising manager uses to start its reconnect cycle.
type Client struct {
	cfg     Config
	handler MessageHandler
	logger  *slog.Logger
	onLost  func(error)
	tlsConf *tls.Config

	mu     sync.RWMutex
	client mqtt.Client

	received      atomic.Int64
	lastMessageAt atomic.Int64
}

// Stats is a snapshot of ingress counters.
type Stats struct {
	Broker           string    `json:"broker"`
	Connected        bool      `json:"connected"`
	MessagesReceived int64     `json:"messagesReceived"`
	LastMessageAt    time.Time `json:"lastMessageAt"`
}

// Option configures optional Client collaborators.
type Option func(*Client)

// WithLogger sets the structured logger used by the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConnectionLostHandler sets the callback invoked when an established
// connection drops. Wire this to the supervising manager's ReportDisconnect.
func WithConnectionLostHandler(fn func(error)) Option {
	return func(c *Client) {
		c.onLost = fn
	}
}

// New creates an ingress client. No connection is made until Connect is
// called. The handler is required; it receives every subscribed message.
func New(cfg Config, handler MessageHandler, opts ...Option) (*Client, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, componentName, "New",
			"broker url required")
	}
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, componentName, "New",
			"message handler required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "fleetstream-" + uuid.NewString()[:8]
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.QoS == 0 || cfg.QoS > 2 {
		cfg.QoS = DefaultQoS
	}

	c := &Client{
		cfg:     cfg,
		handler: handler,
		logger:  slog.Default().With("component", "mqttclient"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.TLSInsecure || !cfg.TLS.Empty() {
		tcfg := cfg.TLS
		if cfg.TLSInsecure {
			tcfg.InsecureSkipVerify = true
		}
		conf, err := tlsutil.LoadClientTLS(tcfg)
		if err != nil {
			return nil, err
		}
		c.tlsConf = conf
	}
	return c, nil
}

// subscriptions returns the ingress filter set at the configured QoS.
func (c *Client) subscriptions() map[string]byte {
	return map[string]byte{
		topic.TelemetryFilter: c.cfg.QoS,
		topic.HeartbeatFilter: c.cfg.QoS,
		topic.AdminTopic:      c.cfg.QoS,
	}
}

// buildOptions assembles the broker client options for one session.
// Reconnection is left to the supervising manager, so the broker client's own
// retry machinery stays off.
func (c *Client) buildOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetKeepAlive(c.cfg.KeepAlive).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	if c.tlsConf != nil {
		opts.SetTLSConfig(c.tlsConf)
	}
	opts.SetConnectionLostHandler(c.handleConnectionLost)
	return opts
}

// Connect dials the broker and establishes the ingress subscriptions. The
// attempt is bounded by ctx and by the configured connect timeout, whichever
// ends first. On success the new session replaces any previous one.
func (c *Client) Connect(ctx context.Context) error {
	client := mqtt.NewClient(c.buildOptions())

	token := client.Connect()
	select {
	case <-ctx.Done():
		// Release the session if the dial lands after we gave up
		go func() {
			token.Wait()
			if token.Error() == nil {
				client.Disconnect(uint(disconnectQuiesce.Milliseconds()))
			}
		}()
		return errors.WrapTransient(ctx.Err(), componentName, "Connect", "broker dial")
	case <-token.Done():
		if err := token.Error(); err != nil {
			return errors.WrapTransient(err, componentName, "Connect", "broker dial")
		}
	}

	filters := c.subscriptions()
	sub := client.SubscribeMultiple(filters, c.route)
	if !sub.WaitTimeout(c.cfg.ConnectTimeout) {
		client.Disconnect(uint(disconnectQuiesce.Milliseconds()))
		return errors.WrapTransient(
			fmt.Errorf("subscribe timeout after %v", c.cfg.ConnectTimeout),
			componentName, "Connect", "ingress subscribe")
	}
	if err := sub.Error(); err != nil {
		client.Disconnect(uint(disconnectQuiesce.Milliseconds()))
		return errors.WrapTransient(err, componentName, "Connect", "ingress subscribe")
	}

	c.mu.Lock()
	old := c.client
	c.client = client
	c.mu.Unlock()

	if old != nil && old.IsConnectionOpen() {
		old.Disconnect(uint(disconnectQuiesce.Milliseconds()))
	}

	c.logger.Info("connected to broker",
		"broker", c.cfg.BrokerURL,
		"client_id", c.cfg.ClientID,
		"subscriptions", len(filters))
	return nil
}

// Disconnect closes the broker session and leaves the client unusable until
// the next Connect.
func (c *Client) Disconnect(context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	client.Disconnect(uint(disconnectQuiesce.Milliseconds()))
	c.logger.Info("disconnected from broker", "broker", c.cfg.BrokerURL)
	return nil
}

// Healthy reports whether the broker session is open.
func (c *Client) Healthy(context.Context) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil || !client.IsConnectionOpen() {
		return errors.ErrNotConnected
	}
	return nil
}

// Stats returns a snapshot of the ingress counters.
func (c *Client) Stats() Stats {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	s := Stats{
		Broker:           c.cfg.BrokerURL,
		MessagesReceived: c.received.Load(),
		Connected:        client != nil && client.IsConnectionOpen(),
	}
	if ns := c.lastMessageAt.Load(); ns > 0 {
		s.LastMessageAt = time.Unix(0, ns)
	}
	return s
}

// route copies a delivered message out of the broker client's buffer and
// hands it to the ingestion handler.
func (c *Client) route(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	c.received.Add(1)
	c.lastMessageAt.Store(time.Now().UnixNano())
	c.handler(msg.Topic(), payload)
}

// handleConnectionLost reports a dropped session to the supervising manager.
// A stale session that was already replaced by a newer Connect is ignored.
func (c *Client) handleConnectionLost(lost mqtt.Client, err error) {
	c.mu.RLock()
	current := c.client
	c.mu.RUnlock()
	if current != nil && current != lost {
		return
	}

	c.logger.Warn("broker connection lost", "broker", c.cfg.BrokerURL, "error", err)
	if c.onLost != nil {
		c.onLost(err)
	}
}
