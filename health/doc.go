// Package health tracks the health of fleetstream components and folds it
// into the service-level view served by the operations endpoints.
//
// # Statuses
//
// A component is in one of three states:
//   - healthy: operating normally
//   - degraded: still running, with reduced function (a manager mid-reconnect)
//   - unhealthy: not functioning (retry budget exhausted, store unreachable)
//
// Status is a value type. WithMetrics and WithSubStatus return copies, so a
// Status handed to another goroutine never changes underneath it.
//
// # Monitor
//
// Monitor is the shared registry. Components push their state in, the HTTP
// handlers read it out:
//
//	monitor := health.NewMonitor()
//
//	monitor.UpdateHealthy("broker", "Consuming telemetry")
//	monitor.UpdateDegraded("bridge", "Reconnecting after connection loss")
//
//	status := monitor.AggregateHealth("fleetstream")
//	if status.IsUnhealthy() {
//	    // serve 503
//	}
//
// All Monitor methods are safe for concurrent use. Reads return copies.
//
// # Connection Managers
//
// FromConnectionStats converts a connection manager snapshot into a Status,
// so a state listener can keep the monitor current:
//
//	manager.AddListener(func(change connection.StateChange) {
//	    monitor.Update(change.Service,
//	        health.FromConnectionStats(change.Service, manager.Stats()))
//	})
//
// Connected maps to healthy. Connecting and reconnecting map to degraded,
// since the manager still owns the problem and the rest of the service keeps
// running. Disconnected and errored map to unhealthy.
//
// # Aggregation
//
// Aggregate applies worst-case rules: one unhealthy sub-status makes the
// aggregate unhealthy, otherwise one degraded sub-status makes it degraded,
// otherwise it is healthy. An empty monitor aggregates to healthy.
//
// # Sanitization
//
// Every transport error that passes through FromConnectionStats is scrubbed
// before it becomes an operator-visible message. Broker and bus URLs, file
// paths, IP addresses, port numbers, and credential assignments are replaced
// with placeholders:
//
//	"connect tcp://10.0.4.17:1883: connection refused"
//	  becomes
//	"connect [URL]: connection refused"
//
// There is no opt-out. Messages built by hand through the New* constructors
// are not scrubbed; keep endpoint detail out of them.
package health
