package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gbsoft/fleetstream/errors"
	"github.com/gbsoft/fleetstream/metric"
)

// FleetReport is a snapshot of every supervised connection, produced
// periodically by the Monitor.
type FleetReport struct {
	Timestamp          time.Time `json:"timestamp"`
	OverallHealthRatio float64   `json:"overallHealthRatio"`
	TotalServices      int       `json:"totalServices"`
	ConnectedCount     int       `json:"connectedCount"`
	ErroredCount       int       `json:"erroredCount"`
	CriticalIssues     bool      `json:"criticalIssuesDetected"`
	Services           []Stats   `json:"services"`
}

// Monitor periodically assembles a FleetReport from a Registry. It observes
// only: it never connects, disconnects or resumes a manager. Critical fleet
// conditions are surfaced through the log and the health ratio gauge so an
// operator or orchestrator can act on them.
type Monitor struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu      sync.RWMutex
	latest  *FleetReport
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// DefaultReportInterval is how often the Monitor assembles a fleet report
const DefaultReportInterval = 30 * time.Second

// criticalHealthRatio is the fleet ratio below which a report flags critical
const criticalHealthRatio = 0.5

// MonitorOption configures optional Monitor collaborators
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the structured logger used by the monitor
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(mo *Monitor) {
		if logger != nil {
			mo.logger = logger
		}
	}
}

// WithMonitorMetrics wires core platform metrics; nil disables recording
func WithMonitorMetrics(metrics *metric.Metrics) MonitorOption {
	return func(mo *Monitor) {
		mo.metrics = metrics
	}
}

// NewMonitor creates a fleet monitor over the registry. A non-positive
// interval falls back to DefaultReportInterval.
func NewMonitor(registry *Registry, interval time.Duration, opts ...MonitorOption) *Monitor {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	mo := &Monitor{
		registry: registry,
		interval: interval,
		logger:   slog.Default().With("component", "connection_monitor"),
	}
	for _, opt := range opts {
		opt(mo)
	}
	return mo
}

// Name identifies the monitor for lifecycle management
func (mo *Monitor) Name() string {
	return "connection_monitor"
}

// Start launches the reporting loop. The loop runs until Stop is called or
// ctx is cancelled.
func (mo *Monitor) Start(ctx context.Context) error {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	if mo.started {
		return errors.ErrAlreadyStarted
	}
	mo.started = true
	mo.stop = make(chan struct{})
	mo.done = make(chan struct{})
	go mo.run(ctx, mo.stop, mo.done)
	return nil
}

// Stop terminates the reporting loop and waits up to timeout for it to exit.
// A non-positive timeout waits indefinitely.
func (mo *Monitor) Stop(timeout time.Duration) error {
	mo.mu.Lock()
	if !mo.started {
		mo.mu.Unlock()
		return errors.ErrNotStarted
	}
	mo.started = false
	close(mo.stop)
	done := mo.done
	mo.mu.Unlock()

	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("reporting loop still running after %s", timeout),
			"Monitor", "Stop", "shutdown wait")
	}
}

// Latest returns the most recent fleet report, or nil before the first tick
func (mo *Monitor) Latest() *FleetReport {
	mo.mu.RLock()
	defer mo.mu.RUnlock()
	return mo.latest
}

// Report assembles a fleet report immediately, independent of the loop
func (mo *Monitor) Report() *FleetReport {
	managers := mo.registry.All()

	report := &FleetReport{
		Timestamp:     time.Now(),
		TotalServices: len(managers),
		Services:      make([]Stats, 0, len(managers)),
	}

	for _, m := range managers {
		stats := m.Stats()
		report.Services = append(report.Services, stats)
		switch stats.State {
		case StateConnected:
			report.ConnectedCount++
		case StateErrored:
			report.ErroredCount++
		}
	}

	if report.TotalServices > 0 {
		report.OverallHealthRatio = float64(report.ConnectedCount) / float64(report.TotalServices)
	} else {
		report.OverallHealthRatio = 1.0
	}
	report.CriticalIssues = report.ErroredCount > 0 ||
		(report.TotalServices > 0 && report.OverallHealthRatio < criticalHealthRatio)

	return report
}

// run is the reporting loop
func (mo *Monitor) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(mo.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			mo.tick()
		}
	}
}

// tick produces one report, stores it, and surfaces it
func (mo *Monitor) tick() {
	report := mo.Report()

	mo.mu.Lock()
	mo.latest = report
	mo.mu.Unlock()

	if mo.metrics != nil {
		mo.metrics.RecordFleetHealthRatio(report.OverallHealthRatio)
	}

	if report.CriticalIssues {
		mo.logger.Warn("fleet health critical",
			"health_ratio", report.OverallHealthRatio,
			"connected", report.ConnectedCount,
			"errored", report.ErroredCount,
			"total", report.TotalServices)
		return
	}

	mo.logger.Info("fleet health report",
		"health_ratio", report.OverallHealthRatio,
		"connected", report.ConnectedCount,
		"errored", report.ErroredCount,
		"total", report.TotalServices)
}
