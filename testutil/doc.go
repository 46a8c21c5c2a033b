// Package testutil holds the in-memory doubles shared by tests across the
// module: a scriptable broker transport, capture sinks for the pipeline's
// side effects, a fixed-table device resolver, and canned fleet topics and
// payloads.
//
// Everything here is safe for concurrent use and touches no network or disk.
// The doubles satisfy their interfaces structurally; this package imports
// only leaf packages so any test in the module can use it without cycles.
package testutil
