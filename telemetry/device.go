package telemetry

import "time"

// Device is a registered fleet unit. Subject resolution admits telemetry only
// from devices that exist and are active.
type Device struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	VehicleType string    `json:"vehicleType,omitempty"`
	Active      bool      `json:"active"`
	LastSeenAt  time.Time `json:"lastSeenAt,omitzero"`
}

// Admissible reports whether telemetry from this device may enter the
// pipeline
func (d *Device) Admissible() bool {
	return d != nil && d.Active
}
