// Package errors provides standardized error handling patterns for FleetStream components.
//
// # Overview
//
// The errors package implements a three-class error classification system for the
// telemetry ingestion core: Transient (temporary, retryable), Invalid (bad input,
// non-retryable), and Fatal (unrecoverable, stop processing).
//
// Classification drives behavior throughout the pipeline. Transport failures are
// Transient and surface only as connection state transitions with retry and circuit
// breaker policy applied. Validation and security failures are Invalid: terminal for
// the offending message, logged, never allowed to crash the ingest loop. Configuration
// and programming errors are Fatal and fail startup.
//
// # Error Classification
//
//   - Transient: network timeouts, connection drops, temporary unavailability (retry)
//   - Invalid: malformed topics, rejected payloads, validation failures (do not retry)
//   - Fatal: bad configuration, unrecoverable states (stop processing)
//
// The classification system integrates with Go's standard error handling, supporting
// errors.Is(), errors.As(), and wrapping chains.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "Manager", "Connect", "dial broker")
//	errors.WrapInvalid(err, "TopicParser", "Parse", "device id check")
//	errors.WrapFatal(err, "Loader", "Load", "config validation")
//
// The generic Wrap() preserves the original error's classification.
//
// # Standard Error Variables
//
// Pre-defined error variables cover the common conditions, organized by category:
//
//   - Lifecycle: ErrAlreadyStarted, ErrNotStarted, ErrShuttingDown
//   - Connection: ErrNotConnected, ErrConnectionLost, ErrConnectionTimeout, ErrManagerStopped
//   - Resilience: ErrCircuitOpen, ErrMaxRetriesExceeded, ErrRateLimited
//   - Topic validation: ErrMalformedTopic, ErrInvalidDeviceID, ErrUnsupportedMessageClass
//   - Payload validation: ErrPayloadTooDeep, ErrTooManyProperties, ErrInvalidKey,
//     ErrOutOfRange, ErrNotANumber
//   - Pipeline: ErrQueueFull, ErrHandlerExists, ErrNoHandler
//
// Use these instead of ad hoc error strings so call sites can branch with errors.Is.
//
// # Thread Safety
//
// All classification and wrapping operations are thread-safe. Error variables are
// immutable and safe for concurrent access.
package errors
