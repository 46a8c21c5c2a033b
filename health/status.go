// Package health tracks per-component health for the operations surface.
package health

import (
	"regexp"
	"strings"
	"time"

	"github.com/gbsoft/fleetstream/connection"
)

// Canonical values carried by Status.Status.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Patterns scrubbed from operator-visible messages, compiled once.
var (
	httpURLRegex     = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex     = regexp.MustCompile(`nats://[^\s]+`)
	wsURLRegex       = regexp.MustCompile(`wss?://[^\s]+`)
	brokerURLRegex   = regexp.MustCompile(`(?:mqtts?|tcp|ssl)://[^\s]+`)
	unixPathRegex    = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrRegex      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex        = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex  = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of one component, or of the whole service when it
// carries SubStatuses.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"` // true only when Status is StatusHealthy
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics carries the numeric context behind a status.
type Metrics struct {
	Uptime            time.Duration `json:"uptime"`
	ErrorCount        int           `json:"error_count"`
	MessagesProcessed int64         `json:"messages_processed,omitempty"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy reports whether the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StatusHealthy
}

// IsDegraded reports whether the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StatusDegraded
}

// IsUnhealthy reports whether the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StatusUnhealthy
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus returns a copy of the status with one sub-status appended.
// The copy gets its own backing array so the receiver is never aliased.
func (s Status) WithSubStatus(subStatus Status) Status {
	newSubStatuses := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(newSubStatuses, s.SubStatuses)
	s.SubStatuses = append(newSubStatuses, subStatus)
	return s
}

// sanitizeErrorMessage scrubs endpoint and credential material from a message
// before it reaches health responses. FromConnectionStats applies it to every
// transport error, so raw broker URLs, file paths, and secrets never show up
// on the operations endpoints.
//
// Replacements:
//   - URLs (http, https, nats, ws, wss, mqtt, tcp, ssl schemes) with [URL]
//   - file paths, Unix and Windows, with [PATH]
//   - IPv4 addresses with [IP]
//   - port suffixes with [PORT]
//   - password/token/key/secret/credential assignments with [REDACTED]
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	sanitized := err

	// URLs go first; they contain paths, ports, and sometimes userinfo.
	sanitized = httpURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = natsURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = wsURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = brokerURLRegex.ReplaceAllString(sanitized, "[URL]")

	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = windowsPathRegex.ReplaceAllString(sanitized, "[PATH]")

	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")

	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")

	lowerSanitized := strings.ToLower(sanitized)
	if strings.Contains(lowerSanitized, "password") || strings.Contains(lowerSanitized, "token") ||
		strings.Contains(lowerSanitized, "key") || strings.Contains(lowerSanitized, "secret") ||
		strings.Contains(lowerSanitized, "credential") {
		sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	}

	return sanitized
}

// FromConnectionStats converts a connection manager snapshot into a Status.
//
// The connected state maps to healthy. Connecting and reconnecting map to
// degraded: the manager is still working the problem and the service keeps
// running on its remaining transports. Disconnected and errored map to
// unhealthy. The last transport error, sanitized, becomes the message for
// every non-healthy state.
func FromConnectionStats(name string, stats connection.Stats) Status {
	var status, message string
	switch stats.State {
	case connection.StateConnected:
		status, message = StatusHealthy, "Connection established"
	case connection.StateConnecting:
		status, message = StatusDegraded, "Connection attempt in progress"
	case connection.StateReconnecting:
		status, message = StatusDegraded, "Reconnecting after connection loss"
	case connection.StateErrored:
		status, message = StatusUnhealthy, "Retry budget exhausted"
	default:
		status, message = StatusUnhealthy, "Not connected"
	}

	if status != StatusHealthy && stats.LastError != "" {
		message = sanitizeErrorMessage(stats.LastError)
	}

	metrics := &Metrics{
		ErrorCount: stats.ConsecutiveFailures,
	}
	if stats.State == connection.StateConnected && !stats.LastConnectedAt.IsZero() {
		metrics.Uptime = time.Since(stats.LastConnectedAt)
	}
	lastActivity := stats.LastConnectedAt
	if stats.LastDisconnectedAt.After(lastActivity) {
		lastActivity = stats.LastDisconnectedAt
	}
	metrics.LastActivity = lastActivity

	return Status{
		Component: name,
		Healthy:   status == StatusHealthy,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Metrics:   metrics,
	}
}
