// Package storage persists device registrations and telemetry events in an
// embedded SQLite database. The store doubles as the "database" transport
// under connection supervision: Connect opens and migrates the database,
// Healthy pings it, Disconnect closes it.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gbsoft/fleetstream/errors"
	"github.com/gbsoft/fleetstream/pkg/retry"
	"github.com/gbsoft/fleetstream/telemetry"
)

// Config holds the database settings
type Config struct {
	Path string `json:"path" yaml:"path"`
}

// TelemetryStore reads and writes the fleet database. All operations fail
// with a transient error while disconnected, so the pipeline can dead-letter
// instead of crashing when the database is down.
type TelemetryStore struct {
	cfg    Config
	logger *slog.Logger

	mu sync.RWMutex
	db *sql.DB
}

// StoreOption configures optional TelemetryStore collaborators
type StoreOption func(*TelemetryStore)

// WithStoreLogger sets the structured logger used by the store
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *TelemetryStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewTelemetryStore creates a store for the database at cfg.Path. Nothing is
// opened until Connect.
func NewTelemetryStore(cfg Config, opts ...StoreOption) (*TelemetryStore, error) {
	if cfg.Path == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"TelemetryStore", "NewTelemetryStore", "database path required")
	}
	s := &TelemetryStore{
		cfg:    cfg,
		logger: slog.Default().With("component", "storage"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Connect opens the database, applies pragmas, and ensures the schema
func (s *TelemetryStore) Connect(ctx context.Context) error {
	// A crashed previous instance can hold the file lock for a moment, so
	// the open sequence retries briefly before the manager sees a failure.
	db, err := retry.DoWithResult(ctx, retry.Quick(), func() (*sql.DB, error) {
		return s.open(ctx)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.db
	s.db = db
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (s *TelemetryStore) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("sqlite", s.cfg.Path)
	if err != nil {
		return nil, retry.NonRetryable(
			errors.WrapInvalid(err, "TelemetryStore", "Connect", "database open"))
	}

	// modernc sqlite allows one writer; a single pooled connection keeps the
	// in-memory path coherent too
	db.SetMaxOpenConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(err, "TelemetryStore", "Connect", "database ping")
	}
	return db, nil
}

// Disconnect closes the database
func (s *TelemetryStore) Disconnect(context.Context) error {
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()

	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return errors.WrapTransient(err, "TelemetryStore", "Disconnect", "database close")
	}
	return nil
}

// Healthy verifies the database still answers queries
func (s *TelemetryStore) Healthy(ctx context.Context) error {
	db := s.conn()
	if db == nil {
		return errors.ErrNotConnected
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return errors.WrapTransient(err, "TelemetryStore", "Healthy", "probe query")
	}
	return nil
}

// SaveEvent persists one telemetry event
func (s *TelemetryStore) SaveEvent(ctx context.Context, event *telemetry.Event) error {
	if event == nil || event.ID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"TelemetryStore", "SaveEvent", "event id check")
	}
	db := s.conn()
	if db == nil {
		return errors.WrapTransient(errors.ErrStorageUnavailable,
			"TelemetryStore", "SaveEvent", "connection check")
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return errors.WrapInvalid(err, "TelemetryStore", "SaveEvent", "payload encode")
	}

	var processedAt any
	if !event.ProcessedAt.IsZero() {
		processedAt = event.ProcessedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO telemetry_events
			(id, device_id, message_class, payload, received_at, processed_at, synthetic, severity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.DeviceID,
		event.MessageClass,
		string(payload),
		event.ReceivedAt.UTC().Format(time.RFC3339Nano),
		processedAt,
		boolToInt(event.Synthetic),
		string(event.Severity),
	)
	if err != nil {
		return errors.WrapTransient(err, "TelemetryStore", "SaveEvent", "insert")
	}
	return nil
}

// GetDevice fetches a registered device, returning (nil, nil) when unknown.
// This is the resolver behind the subject cache.
func (s *TelemetryStore) GetDevice(ctx context.Context, deviceID string) (*telemetry.Device, error) {
	db := s.conn()
	if db == nil {
		return nil, errors.WrapTransient(errors.ErrStorageUnavailable,
			"TelemetryStore", "GetDevice", "connection check")
	}

	var (
		device     telemetry.Device
		active     int
		lastSeenAt sql.NullString
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, name, vehicle_type, active, last_seen_at
		FROM devices WHERE id = ?`, deviceID,
	).Scan(&device.ID, &device.Name, &device.VehicleType, &active, &lastSeenAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "TelemetryStore", "GetDevice", "select")
	}

	device.Active = active != 0
	if lastSeenAt.Valid {
		if t, perr := time.Parse(time.RFC3339Nano, lastSeenAt.String); perr == nil {
			device.LastSeenAt = t
		}
	}
	return &device, nil
}

// UpsertDevice registers or updates a device
func (s *TelemetryStore) UpsertDevice(ctx context.Context, device *telemetry.Device) error {
	if device == nil || device.ID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"TelemetryStore", "UpsertDevice", "device id check")
	}
	db := s.conn()
	if db == nil {
		return errors.WrapTransient(errors.ErrStorageUnavailable,
			"TelemetryStore", "UpsertDevice", "connection check")
	}

	var lastSeenAt any
	if !device.LastSeenAt.IsZero() {
		lastSeenAt = device.LastSeenAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO devices (id, name, vehicle_type, active, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			vehicle_type = excluded.vehicle_type,
			active = excluded.active,
			last_seen_at = COALESCE(excluded.last_seen_at, devices.last_seen_at)`,
		device.ID, device.Name, device.VehicleType, boolToInt(device.Active), lastSeenAt,
	)
	if err != nil {
		return errors.WrapTransient(err, "TelemetryStore", "UpsertDevice", "upsert")
	}
	return nil
}

// TouchDevice records device liveness from a heartbeat
func (s *TelemetryStore) TouchDevice(ctx context.Context, deviceID string, at time.Time) error {
	db := s.conn()
	if db == nil {
		return errors.WrapTransient(errors.ErrStorageUnavailable,
			"TelemetryStore", "TouchDevice", "connection check")
	}

	_, err := db.ExecContext(ctx,
		`UPDATE devices SET last_seen_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), deviceID)
	if err != nil {
		return errors.WrapTransient(err, "TelemetryStore", "TouchDevice", "update")
	}
	return nil
}

// RecentEvents returns the newest events for a device, newest first
func (s *TelemetryStore) RecentEvents(ctx context.Context, deviceID string, limit int) ([]*telemetry.Event, error) {
	db := s.conn()
	if db == nil {
		return nil, errors.WrapTransient(errors.ErrStorageUnavailable,
			"TelemetryStore", "RecentEvents", "connection check")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, device_id, message_class, payload, received_at, processed_at, synthetic, severity
		FROM telemetry_events
		WHERE device_id = ?
		ORDER BY received_at DESC
		LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, errors.WrapTransient(err, "TelemetryStore", "RecentEvents", "select")
	}
	defer rows.Close()

	var events []*telemetry.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "TelemetryStore", "RecentEvents", "row iteration")
	}
	return events, nil
}

// EventCount returns the total number of stored events
func (s *TelemetryStore) EventCount(ctx context.Context) (int64, error) {
	db := s.conn()
	if db == nil {
		return 0, errors.WrapTransient(errors.ErrStorageUnavailable,
			"TelemetryStore", "EventCount", "connection check")
	}
	var count int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM telemetry_events").Scan(&count); err != nil {
		return 0, errors.WrapTransient(err, "TelemetryStore", "EventCount", "count query")
	}
	return count, nil
}

func (s *TelemetryStore) conn() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return errors.WrapTransient(err, "TelemetryStore", "Connect", "apply pragma")
		}
	}
	return nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			vehicle_type TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			last_seen_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS telemetry_events (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			message_class TEXT NOT NULL,
			payload TEXT NOT NULL,
			received_at TEXT NOT NULL,
			processed_at TEXT,
			synthetic INTEGER NOT NULL DEFAULT 0,
			severity TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_device_time
			ON telemetry_events (device_id, received_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.WrapTransient(err, "TelemetryStore", "Connect", "ensure schema")
		}
	}
	return nil
}

func scanEvent(rows *sql.Rows) (*telemetry.Event, error) {
	var (
		event       telemetry.Event
		payload     string
		receivedAt  string
		processedAt sql.NullString
		synthetic   int
		severity    string
	)
	if err := rows.Scan(&event.ID, &event.DeviceID, &event.MessageClass,
		&payload, &receivedAt, &processedAt, &synthetic, &severity); err != nil {
		return nil, errors.WrapTransient(err, "TelemetryStore", "RecentEvents", "row scan")
	}

	if err := json.Unmarshal([]byte(payload), &event.Payload); err != nil {
		return nil, errors.WrapInvalid(err, "TelemetryStore", "RecentEvents", "payload decode")
	}
	if t, err := time.Parse(time.RFC3339Nano, receivedAt); err == nil {
		event.ReceivedAt = t
	}
	if processedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, processedAt.String); err == nil {
			event.ProcessedAt = t
		}
	}
	event.Synthetic = synthetic != 0
	event.Severity = telemetry.Severity(severity)
	return &event, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
