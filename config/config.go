package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gbsoft/fleetstream/errors"
	"github.com/gbsoft/fleetstream/pkg/tlsutil"
)

// Environments the service runs in. Production tightens validation: the ops
// API refuses to start without an API key there.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the complete service configuration. Sections map one-to-one onto
// the components they tune; zero fields fall back to component defaults when
// the section is handed over, so a config file only states what it changes.
type Config struct {
	Service   ServiceConfig   `json:"service" yaml:"service"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Broker    BrokerConfig    `json:"broker" yaml:"broker"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	WebSocket WebSocketConfig `json:"websocket" yaml:"websocket"`
	Bridge    BridgeConfig    `json:"bridge" yaml:"bridge"`
	Pipeline  PipelineConfig  `json:"pipeline" yaml:"pipeline"`
	RateLimit RateLimitConfig `json:"rateLimit" yaml:"rate_limit"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Retry     RetryConfig     `json:"retry" yaml:"retry"`
	Circuit   CircuitConfig   `json:"circuit" yaml:"circuit"`
	Health    HealthConfig    `json:"health" yaml:"health"`
	Monitor   MonitorConfig   `json:"monitor" yaml:"monitor"`
}

// ServiceConfig is the service identity and the ops HTTP surface.
type ServiceConfig struct {
	Name        string `json:"name" yaml:"name"`
	Environment string `json:"environment" yaml:"environment"`
	Addr        string `json:"addr" yaml:"addr"`
	APIKey      string `json:"-" yaml:"api_key"`
}

// LogConfig selects log verbosity and output encoding.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// BrokerConfig tunes the MQTT device ingress. ReconnectPeriod, when set,
// overrides the global retry initial delay for the broker connection only.
type BrokerConfig struct {
	URL             string   `json:"url" yaml:"url"`
	ClientID        string   `json:"clientId" yaml:"client_id"`
	Username        string   `json:"username" yaml:"username"`
	Password        string   `json:"-" yaml:"password"`
	KeepAlive       Duration `json:"keepAlive" yaml:"keep_alive"`
	ConnectTimeout  Duration `json:"connectTimeout" yaml:"connect_timeout"`
	QoS             int      `json:"qos" yaml:"qos"`
	TLSInsecure     bool     `json:"tlsInsecure" yaml:"tls_insecure"`
	ReconnectPeriod Duration `json:"reconnectPeriod" yaml:"reconnect_period"`

	// TLS holds certificate material for ssl:// brokers: an extra CA
	// bundle and an optional client certificate pair.
	TLS tlsutil.ClientConfig `json:"tls" yaml:"tls"`
}

// RedisConfig tunes the cache server transport. Disabled means the device
// cache runs on the in-memory store only.
type RedisConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	Addr        string   `json:"addr" yaml:"addr"`
	Password    string   `json:"-" yaml:"password"`
	DB          int      `json:"db" yaml:"db"`
	KeyPrefix   string   `json:"keyPrefix" yaml:"key_prefix"`
	DialTimeout Duration `json:"dialTimeout" yaml:"dial_timeout"`
}

// DatabaseConfig locates the embedded fleet database.
type DatabaseConfig struct {
	Path string `json:"path" yaml:"path"`
}

// WebSocketConfig tunes the dashboard fan-out hub.
type WebSocketConfig struct {
	Addr         string   `json:"addr" yaml:"addr"`
	Path         string   `json:"path" yaml:"path"`
	WriteTimeout Duration `json:"writeTimeout" yaml:"write_timeout"`
	PingInterval Duration `json:"pingInterval" yaml:"ping_interval"`
	PongWait     Duration `json:"pongWait" yaml:"pong_wait"`
}

// BridgeConfig tunes the platform bus publisher. Disabled means events are
// not mirrored northbound.
type BridgeConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	URL            string   `json:"url" yaml:"url"`
	Name           string   `json:"name" yaml:"name"`
	Username       string   `json:"username" yaml:"username"`
	Password       string   `json:"-" yaml:"password"`
	Token          string   `json:"-" yaml:"token"`
	ConnectTimeout Duration `json:"connectTimeout" yaml:"connect_timeout"`
	PingInterval   Duration `json:"pingInterval" yaml:"ping_interval"`
}

// PipelineConfig tunes ingest capacity.
type PipelineConfig struct {
	Workers            int `json:"workers" yaml:"workers"`
	QueueSize          int `json:"queueSize" yaml:"queue_size"`
	DeadLetterCapacity int `json:"deadLetterCapacity" yaml:"dead_letter_capacity"`
}

// RateLimitConfig tunes the per-device admission window.
type RateLimitConfig struct {
	MaxMessages int      `json:"maxMessages" yaml:"max_messages"`
	Window      Duration `json:"window" yaml:"window"`
}

// CacheConfig tunes device record caching.
type CacheConfig struct {
	TTL Duration `json:"ttl" yaml:"ttl"`
}

// RetryConfig is the reconnect schedule shared by all supervised transports.
type RetryConfig struct {
	MaxAttempts  int      `json:"maxAttempts" yaml:"max_attempts"`
	InitialDelay Duration `json:"initialDelay" yaml:"initial_delay"`
	MaxDelay     Duration `json:"maxDelay" yaml:"max_delay"`
	Multiplier   float64  `json:"multiplier" yaml:"multiplier"`
	JitterBound  Duration `json:"jitterBound" yaml:"jitter_bound"`
}

// CircuitConfig is the failure window shared by all supervised transports.
type CircuitConfig struct {
	FailureThreshold int      `json:"failureThreshold" yaml:"failure_threshold"`
	MonitoringWindow Duration `json:"monitoringWindow" yaml:"monitoring_window"`
	RecoveryWindow   Duration `json:"recoveryWindow" yaml:"recovery_window"`
}

// HealthConfig tunes the per-connection health probe.
type HealthConfig struct {
	CheckInterval  Duration `json:"checkInterval" yaml:"check_interval"`
	ConnectTimeout Duration `json:"connectTimeout" yaml:"connect_timeout"`
}

// MonitorConfig tunes the fleet-wide status reporter.
type MonitorConfig struct {
	ReportInterval Duration `json:"reportInterval" yaml:"report_interval"`
}

// Default returns the configuration used when no file is given. The values
// mirror the component defaults so a default-built service and a zero-config
// file behave identically.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "fleetstream",
			Environment: EnvDevelopment,
			Addr:        ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Broker: BrokerConfig{
			URL:            "tcp://localhost:1883",
			KeepAlive:      Duration(30 * time.Second),
			ConnectTimeout: Duration(10 * time.Second),
			QoS:            1,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			KeyPrefix:   "fleet:device:",
			DialTimeout: Duration(5 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "fleetstream.db",
		},
		WebSocket: WebSocketConfig{
			Addr:         ":8081",
			Path:         "/ws",
			WriteTimeout: Duration(5 * time.Second),
			PingInterval: Duration(30 * time.Second),
			PongWait:     Duration(75 * time.Second),
		},
		Bridge: BridgeConfig{
			URL:            "nats://localhost:4222",
			Name:           "fleetstream-bridge",
			ConnectTimeout: Duration(5 * time.Second),
			PingInterval:   Duration(30 * time.Second),
		},
		Pipeline: PipelineConfig{
			Workers:            4,
			QueueSize:          256,
			DeadLetterCapacity: 500,
		},
		RateLimit: RateLimitConfig{
			MaxMessages: 100,
			Window:      Duration(60 * time.Second),
		},
		Cache: CacheConfig{
			TTL: Duration(5 * time.Minute),
		},
		Retry: RetryConfig{
			MaxAttempts:  10,
			InitialDelay: Duration(1 * time.Second),
			MaxDelay:     Duration(30 * time.Second),
			Multiplier:   2.0,
			JitterBound:  Duration(250 * time.Millisecond),
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			MonitoringWindow: Duration(60 * time.Second),
			RecoveryWindow:   Duration(30 * time.Second),
		},
		Health: HealthConfig{
			CheckInterval:  Duration(15 * time.Second),
			ConnectTimeout: Duration(10 * time.Second),
		},
		Monitor: MonitorConfig{
			ReportInterval: Duration(30 * time.Second),
		},
	}
}

// Validate checks the configuration for values no component could start
// with. Validation failures are fatal: a service must not come up on a
// config it cannot honor.
func (c *Config) Validate() error {
	var problems []string

	switch c.Service.Environment {
	case EnvDevelopment, EnvProduction:
	case "":
		problems = append(problems, "service.environment is required")
	default:
		problems = append(problems, fmt.Sprintf("service.environment %q (must be %q or %q)",
			c.Service.Environment, EnvDevelopment, EnvProduction))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q", c.Log.Format))
	}

	if c.Broker.URL == "" {
		problems = append(problems, "broker.url is required")
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		problems = append(problems, fmt.Sprintf("broker.qos %d (must be 0..2)", c.Broker.QoS))
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		problems = append(problems, "redis.addr is required when redis is enabled")
	}

	if c.Database.Path == "" {
		problems = append(problems, "database.path is required")
	}

	if c.Bridge.Enabled && c.Bridge.URL == "" {
		problems = append(problems, "bridge.url is required when the bridge is enabled")
	}

	if c.Pipeline.Workers < 0 {
		problems = append(problems, "pipeline.workers cannot be negative")
	}
	if c.RateLimit.MaxMessages < 0 {
		problems = append(problems, "rate_limit.max_messages cannot be negative")
	}

	if c.Retry.MaxAttempts <= 0 {
		problems = append(problems, "retry.max_attempts must be positive")
	}
	if c.Retry.InitialDelay <= 0 {
		problems = append(problems, "retry.initial_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		problems = append(problems, "retry.max_delay must be >= retry.initial_delay")
	}
	if c.Retry.Multiplier < 1.0 {
		problems = append(problems, "retry.multiplier must be >= 1.0")
	}

	if c.Circuit.FailureThreshold <= 0 {
		problems = append(problems, "circuit.failure_threshold must be positive")
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.WrapFatal(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
		"Config", "Validate", "check configuration")
}

// Clone returns an independent copy. All sections are value types, so a
// struct copy is a deep copy; a marshal round trip would silently drop the
// masked credential fields.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	copied := *c
	return &copied
}

// String renders the config as indented JSON with credentials masked by
// their field tags. Safe to log.
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("config{unprintable: %v}", err)
	}
	return string(data)
}

// SafeConfig provides thread-safe access to a shared configuration.
type SafeConfig struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewSafeConfig wraps cfg for concurrent access. A nil cfg starts empty.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{cfg: cfg}
}

// Get returns a copy of the current configuration. Mutating the copy never
// affects other readers.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.cfg.Clone()
}

// Update validates cfg and swaps it in atomically. The previous config stays
// in place when validation fails.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(stderrors.New("config cannot be nil"),
			"SafeConfig", "Update", "swap configuration")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cfg = cfg
	return nil
}
