// Package topic decodes wire-level routing keys into structured subjects.
//
// The telemetry grammar is fixed:
//
//	vehicles/{deviceId}/telemetry/{messageClass}
//
// where deviceId matches [A-Za-z0-9_-]{3,50} and messageClass comes from a
// closed allowlist (gps, fuel, engine, maintenance, status, alert). The raw
// key is screened for traversal and injection markers before any structural
// parsing, so a key like "vehicles/../etc/telemetry/gps" is rejected as an
// invalid device id rather than a segment-count mismatch.
//
// Two auxiliary patterns bypass the strict grammar and are only recognized
// structurally:
//
//	system/{id}/heartbeat
//	admin/commands
//
// Parsing is pure: no I/O, no state, safe for concurrent use.
package topic
