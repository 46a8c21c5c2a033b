package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "Unix file path",
			input:    "failed to open /etc/fleetstream/fleetstream.yaml",
			expected: "failed to open [PATH]",
		},
		{
			name:     "Windows file path",
			input:    "cannot read C:\\ProgramData\\fleetstream\\config.yaml",
			expected: "cannot read [PATH]",
		},
		{
			name:     "HTTP URL",
			input:    "connection failed to https://ops.example.com/v1/health",
			expected: "connection failed to [URL]",
		},
		{
			name:     "NATS URL",
			input:    "cannot reach nats://localhost:4222",
			expected: "cannot reach [URL]",
		},
		{
			name:     "MQTT broker URL",
			input:    "dial tcp://broker.fleet.local:1883: connection refused",
			expected: "dial [URL] connection refused",
		},
		{
			name:     "TLS broker URL",
			input:    "dial mqtts://broker.fleet.local:8883 handshake failed",
			expected: "dial [URL] handshake failed",
		},
		{
			name:     "WebSocket URL",
			input:    "upgrade to ws://localhost:8081/ws failed",
			expected: "upgrade to [URL] failed",
		},
		{
			name:     "IP address",
			input:    "timeout connecting to 10.20.30.40",
			expected: "timeout connecting to [IP]",
		},
		{
			name:     "port number",
			input:    "failed to bind to :8081",
			expected: "failed to bind to [PORT]",
		},
		{
			name:     "credentials in error",
			input:    "auth failed with password:fleetpass99",
			expected: "auth failed with [REDACTED]",
		},
		{
			name:     "URL and credentials together",
			input:    "publish to nats://10.0.0.5:4222 with token=abc123",
			expected: "publish to [URL] with [REDACTED]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sanitizeErrorMessage(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}
