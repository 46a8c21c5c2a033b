// Package connection provides resilient lifecycle supervision for every
// external dependency of the ingestion core: the MQTT broker, the cache
// server, the telemetry database, the dashboard WebSocket listener, and the
// platform bus.
//
// # Model
//
// Each dependency implements the small Transport capability interface
// (Connect, Disconnect, Healthy) and is wrapped in a Manager. The Manager
// owns a five-state machine:
//
//	Disconnected -> Connecting -> Connected
//	                    |             |
//	                    v             v
//	              Reconnecting <- (drop / failed health check)
//	                    |
//	                    v  (retry budget exhausted)
//	                 Errored       (manual Resume only)
//
// Transitions are driven by connect results, health probe outcomes,
// transport-reported drops (ReportDisconnect), and explicit Connect,
// Disconnect and Resume calls.
//
// # Retry policy
//
// Failed attempts are retried on a single in-flight timer. The delay before
// retry n is min(initial * multiplier^(n-1), max) plus uniform jitter, so
// reconnect storms spread out instead of synchronizing. When the retry count
// reaches the budget the manager parks in Errored and stays idle until an
// operator resumes it.
//
// # Circuit breaker
//
// A FailureWindow tracks failure timestamps inside a monitoring window. Once
// the count reaches the threshold the circuit opens: connect attempts are
// refused (without counting as failures) until the recovery window elapses,
// then a single probe is admitted at a time. Probe success closes the
// circuit and clears the window; probe failure re-arms the recovery wait.
//
// # Fleet observation
//
// A Registry keeps one Manager per service name, and a Monitor periodically
// assembles a FleetReport (health ratio, per-service stats, critical flag)
// for logs, metrics and the ops endpoint. The Monitor never initiates
// connection activity.
package connection
