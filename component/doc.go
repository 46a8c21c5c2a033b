// Package component defines the lifecycle contract for the long-running
// parts of the process and a Runner that sequences them.
//
// A Component does setup in Start, runs its work in goroutines it owns, and
// winds down in Stop within a timeout. The interface is satisfied
// structurally; implementations such as the telemetry pipeline, the
// connection monitor, and the operations server do not import this package.
//
// The Runner starts components in registration order and stops them in
// reverse, so producers come up before the surfaces that expose them and go
// down after. A failure during StartAll unwinds the components that already
// started. Connection managers are not components: they supervise transports
// continuously and are shut down separately through their registry.
package component
