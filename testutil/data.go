package testutil

import (
	"fmt"
	"time"

	"github.com/gbsoft/fleetstream/telemetry"
)

// Device identifiers used across package tests. All satisfy the broker
// subject naming rules (3 to 50 chars of letters, digits, underscore,
// hyphen).
const (
	BusDeviceID     = "bus-1042"
	TramDeviceID    = "tram-07"
	SweeperDeviceID = "sweeper_33"
)

// TelemetryTopic builds a device telemetry subject in the broker's layout.
func TelemetryTopic(deviceID, class string) string {
	return fmt.Sprintf("vehicles/%s/telemetry/%s", deviceID, class)
}

// HeartbeatTopic builds a component heartbeat subject.
func HeartbeatTopic(component string) string {
	return fmt.Sprintf("system/%s/heartbeat", component)
}

// Well-formed payloads, one per commonly exercised message class.
const (
	GPSPayload    = `{"lat":47.3769,"lon":8.5417,"speedKph":32.5,"heading":148}`
	FuelPayload   = `{"level":62.4,"rangeKm":310}`
	EnginePayload = `{"rpm":1800,"coolantTempC":87.5,"oilPressureKpa":310}`
	AlertPayload  = `{"code":"DOOR_OPEN","severity":"warning","message":"rear door open while moving"}`
)

// ActiveDevice returns a registered device that admits telemetry.
func ActiveDevice(id string) *telemetry.Device {
	return &telemetry.Device{ID: id, Name: "Unit " + id, VehicleType: "bus", Active: true}
}

// RetiredDevice returns a registered device that no longer admits telemetry.
func RetiredDevice(id string) *telemetry.Device {
	return &telemetry.Device{ID: id, VehicleType: "bus", Active: false}
}

// Event returns a minimal processed event for sink and fan-out tests. The
// receipt timestamp is pinned so assertions on serialized output are stable.
func Event(deviceID, class string) *telemetry.Event {
	return telemetry.NewEvent(deviceID, class,
		map[string]any{"sample": true},
		telemetry.WithReceivedAt(time.Date(2025, 6, 12, 9, 30, 0, 0, time.UTC)))
}
