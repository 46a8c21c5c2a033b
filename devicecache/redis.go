package devicecache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gbsoft/fleetstream/errors"
	"github.com/gbsoft/fleetstream/telemetry"
)

// DefaultKeyPrefix namespaces device records in the shared cache server
const DefaultKeyPrefix = "fleet:device:"

// RedisConfig holds the cache server connection settings
type RedisConfig struct {
	Addr        string        `json:"addr" yaml:"addr"`
	Password    string        `json:"-" yaml:"password"`
	DB          int           `json:"db" yaml:"db"`
	KeyPrefix   string        `json:"keyPrefix" yaml:"key_prefix"`
	DialTimeout time.Duration `json:"dialTimeout" yaml:"dial_timeout"`
}

// RedisStore is a Store backed by a Redis cache server. It also implements
// the transport contract, so a connection manager owns its lifecycle: the
// store holds no client until Connect succeeds and drops it on Disconnect.
// Cache calls while disconnected fail with ErrNotConnected, which the
// SubjectCache treats as a miss.
type RedisStore struct {
	cfg    RedisConfig
	logger *slog.Logger

	mu     sync.RWMutex
	client *redis.Client
}

// RedisOption configures optional RedisStore collaborators
type RedisOption func(*RedisStore)

// WithRedisLogger sets the structured logger used by the store
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(s *RedisStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewRedisStore creates a Redis-backed store. No connection is made until
// Connect is called.
func NewRedisStore(cfg RedisConfig, opts ...RedisOption) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	s := &RedisStore{
		cfg:    cfg,
		logger: slog.Default().With("component", "devicecache", "store", "redis"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials the cache server and verifies it answers a ping
func (s *RedisStore) Connect(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:        s.cfg.Addr,
		Password:    s.cfg.Password,
		DB:          s.cfg.DB,
		DialTimeout: s.cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return errors.WrapTransient(err, "RedisStore", "Connect", "ping")
	}

	s.mu.Lock()
	old := s.client
	s.client = client
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Disconnect closes the client and leaves the store unusable until the next
// Connect
func (s *RedisStore) Disconnect(context.Context) error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return errors.WrapTransient(err, "RedisStore", "Disconnect", "client close")
	}
	return nil
}

// Healthy reports whether the cache server still answers pings
func (s *RedisStore) Healthy(ctx context.Context) error {
	client := s.conn()
	if client == nil {
		return errors.ErrNotConnected
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return errors.WrapTransient(err, "RedisStore", "Healthy", "ping")
	}
	return nil
}

// Get fetches a device record, returning (nil, nil) on a miss
func (s *RedisStore) Get(ctx context.Context, deviceID string) (*telemetry.Device, error) {
	client := s.conn()
	if client == nil {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "RedisStore", "Get", "client check")
	}

	data, err := client.Get(ctx, s.key(deviceID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "RedisStore", "Get", "cache read")
	}

	var device telemetry.Device
	if err := json.Unmarshal(data, &device); err != nil {
		// A corrupt record is unusable; drop it so the next lookup refreshes it
		s.logger.Warn("corrupt device record evicted", "device_id", deviceID, "error", err)
		_ = client.Del(ctx, s.key(deviceID)).Err()
		return nil, nil
	}
	return &device, nil
}

// Set stores a device record for ttl (DefaultTTL when non-positive)
func (s *RedisStore) Set(ctx context.Context, device *telemetry.Device, ttl time.Duration) error {
	if device == nil || device.ID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "RedisStore", "Set", "device id check")
	}
	client := s.conn()
	if client == nil {
		return errors.WrapTransient(errors.ErrNotConnected, "RedisStore", "Set", "client check")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	data, err := json.Marshal(device)
	if err != nil {
		return errors.WrapInvalid(err, "RedisStore", "Set", "device encode")
	}
	if err := client.Set(ctx, s.key(device.ID), data, ttl).Err(); err != nil {
		return errors.WrapTransient(err, "RedisStore", "Set", "cache write")
	}
	return nil
}

// Delete removes a device record
func (s *RedisStore) Delete(ctx context.Context, deviceID string) error {
	client := s.conn()
	if client == nil {
		return errors.WrapTransient(errors.ErrNotConnected, "RedisStore", "Delete", "client check")
	}
	if err := client.Del(ctx, s.key(deviceID)).Err(); err != nil {
		return errors.WrapTransient(err, "RedisStore", "Delete", "cache delete")
	}
	return nil
}

// Ping checks the cache server connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.Healthy(ctx)
}

func (s *RedisStore) conn() *redis.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *RedisStore) key(deviceID string) string {
	return s.cfg.KeyPrefix + deviceID
}
