package topic

import (
	"regexp"
	"sort"
	"strings"

	"github.com/gbsoft/fleetstream/errors"
)

// Subscription filters for the patterns this package understands
const (
	TelemetryFilter = "vehicles/+/telemetry/+"
	HeartbeatFilter = "system/+/heartbeat"
	AdminTopic      = "admin/commands"
)

// Subject is the decoded routing key: which device sent the message and what
// class of telemetry it carries.
type Subject struct {
	DeviceID     string `json:"deviceId"`
	MessageClass string `json:"messageClass"`
}

// Kind classifies a raw routing key before any strict parsing happens
type Kind int

const (
	// KindUnknown is a key matching none of the recognized patterns
	KindUnknown Kind = iota
	// KindTelemetry matches vehicles/{deviceId}/telemetry/{messageClass}
	KindTelemetry
	// KindHeartbeat matches system/{id}/heartbeat
	KindHeartbeat
	// KindAdmin matches the fixed admin/commands key
	KindAdmin
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindTelemetry:
		return "telemetry"
	case KindHeartbeat:
		return "heartbeat"
	case KindAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)

// messageClasses is the closed allowlist for the trailing telemetry segment
var messageClasses = map[string]bool{
	"gps":         true,
	"fuel":        true,
	"engine":      true,
	"maintenance": true,
	"status":      true,
	"alert":       true,
}

// injectionMarkers are substrings that mark a key as hostile regardless of
// structure. Scheme markers are matched case-insensitively.
var injectionMarkers = []string{
	"..", "\\", "<", ">", "'", "\"", "`", ";", "\x00",
	"javascript:", "data:", "vbscript:", "${", "{{",
}

// Classes returns the telemetry message class allowlist, sorted
func Classes() []string {
	out := make([]string, 0, len(messageClasses))
	for c := range messageClasses {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ValidClass reports whether class is on the telemetry allowlist
func ValidClass(class string) bool {
	return messageClasses[class]
}

// Match classifies a raw routing key without validating device identifiers.
// Telemetry keys still need Parse before their segments may be trusted.
func Match(raw string) Kind {
	if raw == AdminTopic {
		return KindAdmin
	}
	segments := strings.Split(raw, "/")
	switch {
	case len(segments) == 4 && segments[0] == "vehicles" && segments[2] == "telemetry":
		return KindTelemetry
	case len(segments) == 3 && segments[0] == "system" && segments[2] == "heartbeat":
		return KindHeartbeat
	default:
		return KindUnknown
	}
}

// Parse decodes a telemetry routing key into a Subject. The raw key is
// security-screened before structural checks so traversal attempts surface
// as ErrInvalidDeviceID rather than a grammar mismatch.
func Parse(raw string) (Subject, error) {
	if raw == "" {
		return Subject{}, ErrMalformedTopic
	}
	if hostile(raw) {
		return Subject{}, errors.WrapInvalid(ErrInvalidDeviceID,
			"TopicParser", "Parse", "security screen")
	}

	segments := strings.Split(raw, "/")
	if len(segments) != 4 {
		return Subject{}, errors.WrapInvalid(ErrMalformedTopic,
			"TopicParser", "Parse", "segment count check")
	}
	if segments[0] != "vehicles" || segments[2] != "telemetry" {
		return Subject{}, errors.WrapInvalid(ErrMalformedTopic,
			"TopicParser", "Parse", "literal segment check")
	}

	deviceID := segments[1]
	if !deviceIDPattern.MatchString(deviceID) {
		return Subject{}, errors.WrapInvalid(ErrInvalidDeviceID,
			"TopicParser", "Parse", "device id grammar check")
	}

	class := segments[3]
	if !messageClasses[class] {
		return Subject{}, errors.WrapInvalid(ErrUnsupportedMessageClass,
			"TopicParser", "Parse", "message class allowlist check")
	}

	return Subject{DeviceID: deviceID, MessageClass: class}, nil
}

// ParseHeartbeat extracts the system id from a heartbeat key. Heartbeats ride
// the non-validated path, so only the structure is checked.
func ParseHeartbeat(raw string) (string, error) {
	segments := strings.Split(raw, "/")
	if len(segments) != 3 || segments[0] != "system" || segments[2] != "heartbeat" {
		return "", errors.WrapInvalid(ErrMalformedTopic,
			"TopicParser", "ParseHeartbeat", "structure check")
	}
	if segments[1] == "" {
		return "", errors.WrapInvalid(ErrMalformedTopic,
			"TopicParser", "ParseHeartbeat", "empty system id check")
	}
	return segments[1], nil
}

// hostile reports whether raw contains any traversal or injection marker
func hostile(raw string) bool {
	lowered := strings.ToLower(raw)
	for _, marker := range injectionMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
