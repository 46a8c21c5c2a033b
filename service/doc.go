// Package service is the operations HTTP surface of the ingestion core.
//
// The Server exposes five endpoints:
//
//   - "/" identifies the service (name, version, environment)
//   - "/healthz" returns the aggregated health JSON, 503 when unhealthy
//   - "/readyz" is the plain-text readiness probe
//   - "/report" returns the latest connection fleet report
//   - "/metrics" is the Prometheus scrape endpoint
//
// Health aggregation folds the statuses tracked by a health.Monitor together
// with a sub-status condensed from the connection fleet report. A degraded
// aggregate keeps the 200 code; only unhealthy turns into 503, so a single
// reconnecting transport does not take the whole service out of rotation.
//
// The root and health endpoints are open. "/report" and "/metrics" require
// the configured bearer API key. Without a key, development mode lets
// requests through and production mode answers 503 until a key is
// configured; key comparison is constant-time.
package service
