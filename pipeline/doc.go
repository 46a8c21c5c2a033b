// Package pipeline orchestrates telemetry ingestion from raw transport
// messages to dispatched fleet events.
//
// Every message walks the same stage sequence: topic parse, payload
// validation, rate check, device resolution, classification, dispatch. A
// validation or security failure at any stage rejects the message (audited,
// counted, terminal); a failure after validation dead-letters it into a
// bounded ring for replay. Rate-limited messages are dropped silently at
// info level.
//
// Classification maps each message class to exactly one handler. Telemetry
// classes (gps, fuel, engine) additionally derive synthetic threshold alerts
// from validated numeric fields: speed above SpeedLimit and fuel at or below
// FuelReserveLevel. Synthetic alerts reach broadcast and bridge but are not
// stored.
//
// Ingestion never blocks the transport read loop: Submit hands messages to a
// bounded worker pool and dead-letters on overflow. Heartbeat and admin
// topics bypass validation on a simpler path.
package pipeline
