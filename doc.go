// Package fleetstream is the telemetry core for a municipal vehicle fleet:
// buses, trams, and service vehicles publish readings over MQTT, and this
// module ingests, validates, classifies, persists, and redistributes them
// while keeping every external connection under supervision.
//
// # Architecture
//
// Two halves make up the system. The connection layer keeps transports alive;
// the pipeline moves telemetry through the system:
//
//	┌──────────────────────────────────────┐
//	│        connection.Registry           │  one Manager per transport:
//	│  Manager ─ Manager ─ Manager ─ ...   │  mqtt, database, redis,
//	│  (retry, circuit breaker, probes)    │  websocket, bridge
//	└──────────────────────────────────────┘
//	            ↓ supervises
//	┌──────────────────────────────────────┐
//	│  mqttclient → pipeline → storage     │  validate, rate limit,
//	│              ↘ broadcast ↘ bridge    │  classify, alert, fan out
//	└──────────────────────────────────────┘
//
// Each transport implements the small contract the connection manager
// supervises: Connect, Disconnect, Healthy. Managers own the retry schedule
// and circuit breaker; transports never reconnect on their own.
//
// # Packages
//
// Domain and flow:
//
//   - telemetry: the shared event and device model
//   - topic: MQTT topic grammar for the vehicle subject space
//   - payload: structural and range validation of device payloads
//   - ratelimit: per-device fixed window limiter
//   - pipeline: worker pool, classification, threshold alerts, dead letters
//
// Transports:
//
//   - mqttclient: broker ingress feeding the pipeline
//   - storage: embedded SQLite persistence for devices and events
//   - devicecache: device resolution backed by Redis or process memory
//   - broadcast: WebSocket fan-out to dashboards
//   - eventbridge: NATS bridge to the wider municipal bus
//
// Platform:
//
//   - connection: managers, registry, fleet monitor
//   - health, metric, errors, config: the operational substrate
//   - component: start/stop orchestration for long-running parts
//   - service: the operations HTTP surface
//
// # Entry Point
//
// cmd/fleetstream wires everything into one binary. It builds the full graph
// before dialing anything, connects the database first and the broker last,
// and unwinds in reverse on shutdown.
package fleetstream
