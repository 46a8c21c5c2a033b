package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/gbsoft/fleetstream/errors"
	"github.com/gbsoft/fleetstream/payload"
	"github.com/gbsoft/fleetstream/telemetry"
	"github.com/gbsoft/fleetstream/topic"
)

// Fixed alert thresholds applied to validated telemetry fields
const (
	// SpeedLimit is the fleet-wide speed ceiling in km/h; readings strictly
	// above it raise SPEED_VIOLATION.
	SpeedLimit = 80.0

	// FuelReserveLevel is the low-fuel mark in percent; readings at or below
	// it raise FUEL_LEVEL.
	FuelReserveLevel = 15.0
)

// Handler processes one classified event. The validated fields are passed
// alongside so handlers can read numbers without re-validating the payload.
type Handler func(ctx context.Context, event *telemetry.Event, fields payload.Validated) error

// RegisterHandler binds a handler to a message class. Each class has exactly
// one handler; registering a second one is an error. Classes without a custom
// handler receive a default at Start.
func (p *Pipeline) RegisterHandler(class string, h Handler) error {
	if h == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, componentName, "RegisterHandler", "nil handler")
	}
	if !topic.ValidClass(class) {
		return errors.WrapInvalid(errors.ErrUnsupportedMessageClass, componentName, "RegisterHandler", fmt.Sprintf("class %q", class))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.handlers[class]; dup {
		return errors.WrapInvalid(errors.ErrHandlerExists, componentName, "RegisterHandler", fmt.Sprintf("class %q", class))
	}
	p.handlers[class] = h
	return nil
}

func (p *Pipeline) handlerFor(class string) Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handlers[class]
}

// ensureDefaultHandlers fills every uncovered message class with its default
func (p *Pipeline) ensureDefaultHandlers() {
	defaults := map[string]Handler{
		"gps":         p.handleTelemetry,
		"fuel":        p.handleTelemetry,
		"engine":      p.handleTelemetry,
		"alert":       p.handleAlert,
		"status":      p.handleRecord,
		"maintenance": p.handleRecord,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for class, h := range defaults {
		if _, ok := p.handlers[class]; !ok {
			p.handlers[class] = h
		}
	}
}

// handleTelemetry dispatches a reading and raises threshold alerts computed
// from the already-validated numeric fields.
func (p *Pipeline) handleTelemetry(ctx context.Context, event *telemetry.Event, fields payload.Validated) error {
	if err := p.dispatchEvent(ctx, event); err != nil {
		return err
	}

	for _, alert := range p.thresholdAlerts(event, fields) {
		if err := p.emitSynthetic(ctx, alert); err != nil {
			return err
		}
		p.logger.Info("Synthetic alert raised",
			"component", componentName,
			"device_id", event.DeviceID,
			"type", alert.Payload["type"],
			"severity", alert.Severity)
	}
	return nil
}

// handleAlert dispatches a device-originated alert, lifting its severity from
// the payload when present.
func (p *Pipeline) handleAlert(ctx context.Context, event *telemetry.Event, fields payload.Validated) error {
	event.Severity = alertSeverity(fields)
	return p.dispatchEvent(ctx, event)
}

// handleRecord dispatches status and maintenance events as-is
func (p *Pipeline) handleRecord(ctx context.Context, event *telemetry.Event, _ payload.Validated) error {
	return p.dispatchEvent(ctx, event)
}

// dispatchEvent applies the full side-effect set: storage write, broadcast
// fan-out, bridge publish. Nil sinks are skipped.
func (p *Pipeline) dispatchEvent(ctx context.Context, event *telemetry.Event) error {
	if p.store != nil {
		if err := p.store.SaveEvent(ctx, event); err != nil {
			return errors.Wrap(err, componentName, "dispatchEvent", "storage write")
		}
	}
	if p.broadcast != nil {
		if err := p.broadcast.Broadcast(ctx, event); err != nil {
			return errors.Wrap(err, componentName, "dispatchEvent", "broadcast fan-out")
		}
	}
	if p.bridge != nil {
		if err := p.bridge.Publish(ctx, event); err != nil {
			return errors.Wrap(err, componentName, "dispatchEvent", "bridge publish")
		}
	}
	return nil
}

// emitSynthetic fans a derived alert out to broadcast and bridge. Synthetic
// events are not written to storage; they are re-derivable from the stored
// reading.
func (p *Pipeline) emitSynthetic(ctx context.Context, event *telemetry.Event) error {
	if p.broadcast != nil {
		if err := p.broadcast.Broadcast(ctx, event); err != nil {
			return errors.Wrap(err, componentName, "emitSynthetic", "broadcast fan-out")
		}
	}
	if p.bridge != nil {
		if err := p.bridge.Publish(ctx, event); err != nil {
			return errors.Wrap(err, componentName, "emitSynthetic", "bridge publish")
		}
	}
	return nil
}

// thresholdAlerts derives synthetic alerts from validated telemetry fields
func (p *Pipeline) thresholdAlerts(event *telemetry.Event, fields payload.Validated) []*telemetry.Event {
	var alerts []*telemetry.Event

	if v, ok := fields.Number("speed"); ok && v > SpeedLimit {
		alerts = append(alerts, telemetry.NewSyntheticEvent(
			telemetry.AlertSpeedViolation, event.DeviceID, telemetry.SeverityHigh,
			fmt.Sprintf("speed %.1f above limit %.0f", v, SpeedLimit),
			map[string]any{
				"value":       v,
				"threshold":   SpeedLimit,
				"sourceClass": event.MessageClass,
				"sourceId":    event.ID,
			}))
	}

	if v, ok := fields.Number("fuelLevel"); ok && v <= FuelReserveLevel {
		alerts = append(alerts, telemetry.NewSyntheticEvent(
			telemetry.AlertFuelLevel, event.DeviceID, telemetry.SeverityHigh,
			fmt.Sprintf("fuel level %.1f at or below reserve %.0f", v, FuelReserveLevel),
			map[string]any{
				"value":       v,
				"threshold":   FuelReserveLevel,
				"sourceClass": event.MessageClass,
				"sourceId":    event.ID,
			}))
	}

	return alerts
}

// alertSeverity reads the severity a device attached to its alert payload,
// defaulting to MEDIUM when absent or unrecognized.
func alertSeverity(fields payload.Validated) telemetry.Severity {
	s, ok := fields.String("severity")
	if !ok {
		return telemetry.SeverityMedium
	}
	switch strings.ToUpper(s) {
	case string(telemetry.SeverityLow):
		return telemetry.SeverityLow
	case string(telemetry.SeverityMedium):
		return telemetry.SeverityMedium
	case string(telemetry.SeverityHigh):
		return telemetry.SeverityHigh
	case string(telemetry.SeverityCritical):
		return telemetry.SeverityCritical
	default:
		return telemetry.SeverityMedium
	}
}
