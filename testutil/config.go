package testutil

import (
	"time"

	"github.com/gbsoft/fleetstream/config"
)

// TestConfig returns a configuration tuned for fast tests: loopback
// addresses with OS-assigned ports, single-digit retry budgets, and
// millisecond timers in place of the production schedule.
func TestConfig() *config.Config {
	cfg := config.Default()
	cfg.Service.Name = "fleetstream-test"
	cfg.Service.Environment = config.EnvDevelopment
	cfg.Service.Addr = "127.0.0.1:0"
	cfg.Broker.URL = "tcp://127.0.0.1:1883"
	cfg.Broker.ClientID = "fleetstream-test"
	cfg.Broker.ConnectTimeout = config.Duration(200 * time.Millisecond)
	cfg.WebSocket.Addr = "127.0.0.1:0"
	cfg.Database.Path = ":memory:"
	cfg.Pipeline.Workers = 1
	cfg.Pipeline.QueueSize = 16
	cfg.Pipeline.DeadLetterCapacity = 8
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.InitialDelay = config.Duration(5 * time.Millisecond)
	cfg.Retry.MaxDelay = config.Duration(20 * time.Millisecond)
	cfg.Retry.JitterBound = config.Duration(time.Millisecond)
	cfg.Circuit.FailureThreshold = 2
	cfg.Circuit.MonitoringWindow = config.Duration(time.Second)
	cfg.Circuit.RecoveryWindow = config.Duration(50 * time.Millisecond)
	cfg.Health.CheckInterval = config.Duration(20 * time.Millisecond)
	cfg.Health.ConnectTimeout = config.Duration(100 * time.Millisecond)
	cfg.Monitor.ReportInterval = config.Duration(25 * time.Millisecond)
	return cfg
}

// SampleConfigYAML is a small config file exercising the sections the
// loader tests and the command-line tests care about.
const SampleConfigYAML = `service:
  name: fleetstream-test
  environment: development
  addr: "127.0.0.1:0"
log:
  level: debug
  format: text
broker:
  url: tcp://127.0.0.1:1883
  client_id: fleetstream-test
  qos: 1
database:
  path: ":memory:"
pipeline:
  workers: 2
  queue_size: 32
retry:
  max_attempts: 3
  initial_delay: 10ms
`
