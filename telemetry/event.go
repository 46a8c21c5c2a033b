// Package telemetry holds the shared domain model for fleet events: raw
// device readings, processed events, and threshold-derived synthetic alerts.
package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// Severity grades an event for downstream consumers
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Synthetic alert types produced by the pipeline's threshold checks
const (
	AlertSpeedViolation = "SPEED_VIOLATION"
	AlertFuelLevel      = "FUEL_LEVEL"
)

// Event is one fleet telemetry event flowing through the pipeline. Events are
// created once and treated as read-only afterwards; ProcessedAt is the only
// field the pipeline stamps later.
type Event struct {
	ID           string         `json:"id"`
	DeviceID     string         `json:"deviceId"`
	MessageClass string         `json:"messageClass"`
	Payload      map[string]any `json:"payload"`
	ReceivedAt   time.Time      `json:"receivedAt"`
	ProcessedAt  time.Time      `json:"processedAt,omitzero"`
	Synthetic    bool           `json:"synthetic,omitempty"`
	Severity     Severity       `json:"severity,omitempty"`
}

// Option configures optional Event fields at construction
type Option func(*Event)

// WithReceivedAt pins the receipt timestamp, for replay and tests
func WithReceivedAt(t time.Time) Option {
	return func(e *Event) {
		e.ReceivedAt = t
	}
}

// WithSeverity grades the event
func WithSeverity(s Severity) Option {
	return func(e *Event) {
		e.Severity = s
	}
}

// NewEvent creates a telemetry event with a fresh id and receipt timestamp
func NewEvent(deviceID, messageClass string, payload map[string]any, opts ...Option) *Event {
	e := &Event{
		ID:           uuid.New().String(),
		DeviceID:     deviceID,
		MessageClass: messageClass,
		Payload:      payload,
		ReceivedAt:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewSyntheticEvent creates a threshold-derived alert. The payload follows the
// fixed synthetic schema {vehicleId, type, severity, message, data} so every
// downstream consumer can decode it the same way.
func NewSyntheticEvent(alertType, deviceID string, severity Severity, message string, data map[string]any) *Event {
	now := time.Now().UTC()
	payload := map[string]any{
		"vehicleId": deviceID,
		"type":      alertType,
		"severity":  string(severity),
		"timestamp": now.Format(time.RFC3339Nano),
	}
	if message != "" {
		payload["message"] = message
	}
	if data != nil {
		payload["data"] = data
	}
	return &Event{
		ID:           uuid.New().String(),
		DeviceID:     deviceID,
		MessageClass: "alert",
		Synthetic:    true,
		Severity:     severity,
		ReceivedAt:   now,
		Payload:      payload,
	}
}
