package connection

import "context"

// Transport is the capability contract a managed connection must provide.
// Implementations wrap one external dependency (MQTT broker, cache server,
// database, listening socket, platform bus) and keep all protocol detail
// behind these three calls.
//
// Connect establishes the connection. It must be safe to call again after a
// failed or closed connection. Disconnect releases the connection and is
// called at most once per successful Connect. Healthy probes liveness while
// connected; returning a non-nil error is treated exactly like a dropped
// connection.
//
// All three respect ctx cancellation. None of them are required to be
// goroutine-safe against each other; the Manager serializes calls.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Healthy(ctx context.Context) error
}
