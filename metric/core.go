package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not component-specific)
type Metrics struct {
	// Connection metrics
	ConnectionState    *prometheus.GaugeVec
	ConnectionRetries  *prometheus.CounterVec
	ConnectionFailures *prometheus.CounterVec
	CircuitOpen        *prometheus.GaugeVec
	FleetHealthRatio   prometheus.Gauge

	// Ingestion metrics
	MessagesReceived   *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
	MessagesRejected   *prometheus.CounterVec
	RateLimitedTotal   prometheus.Counter
	DeadLetterDepth    prometheus.Gauge
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec
	HealthCheckStatus  *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fleetstream",
				Subsystem: "connection",
				Name:      "state",
				Help:      "Connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=errored)",
			},
			[]string{"service"},
		),

		ConnectionRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "connection",
				Name:      "retries_total",
				Help:      "Total number of reconnect attempts scheduled",
			},
			[]string{"service"},
		),

		ConnectionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "connection",
				Name:      "failures_total",
				Help:      "Total number of connection failures",
			},
			[]string{"service"},
		),

		CircuitOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fleetstream",
				Subsystem: "connection",
				Name:      "circuit_open",
				Help:      "Circuit breaker status (0=closed, 1=open)",
			},
			[]string{"service"},
		),

		FleetHealthRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetstream",
				Subsystem: "connection",
				Name:      "fleet_health_ratio",
				Help:      "Connected services divided by total supervised services",
			},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of messages received",
			},
			[]string{"service", "class"},
		),

		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "messages",
				Name:      "processed_total",
				Help:      "Total number of messages processed",
			},
			[]string{"service", "class", "status"},
		),

		MessagesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "messages",
				Name:      "rejected_total",
				Help:      "Total number of messages rejected by validation",
			},
			[]string{"reason"},
		),

		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "messages",
				Name:      "rate_limited_total",
				Help:      "Total number of messages dropped by the rate limiter",
			},
		),

		DeadLetterDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetstream",
				Subsystem: "pipeline",
				Name:      "dead_letter_depth",
				Help:      "Number of messages currently held in the dead letter buffer",
			},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fleetstream",
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Message processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "operation"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"service", "type"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fleetstream",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"service"},
		),
	}
}

// RecordConnectionState updates the state gauge for a supervised service
func (c *Metrics) RecordConnectionState(service string, state int) {
	c.ConnectionState.WithLabelValues(service).Set(float64(state))
}

// RecordConnectionRetry increments the retry counter for a service
func (c *Metrics) RecordConnectionRetry(service string) {
	c.ConnectionRetries.WithLabelValues(service).Inc()
}

// RecordConnectionFailure increments the failure counter for a service
func (c *Metrics) RecordConnectionFailure(service string) {
	c.ConnectionFailures.WithLabelValues(service).Inc()
}

// RecordCircuitOpen updates the circuit breaker gauge for a service
func (c *Metrics) RecordCircuitOpen(service string, open bool) {
	value := 0.0
	if open {
		value = 1.0
	}
	c.CircuitOpen.WithLabelValues(service).Set(value)
}

// RecordFleetHealthRatio updates the fleet-wide health ratio gauge
func (c *Metrics) RecordFleetHealthRatio(ratio float64) {
	c.FleetHealthRatio.Set(ratio)
}

// RecordMessageReceived increments received message counter
func (c *Metrics) RecordMessageReceived(service, class string) {
	c.MessagesReceived.WithLabelValues(service, class).Inc()
}

// RecordMessageProcessed increments processed message counter
func (c *Metrics) RecordMessageProcessed(service, class, status string) {
	c.MessagesProcessed.WithLabelValues(service, class, status).Inc()
}

// RecordMessageRejected increments the rejection counter for a reason
func (c *Metrics) RecordMessageRejected(reason string) {
	c.MessagesRejected.WithLabelValues(reason).Inc()
}

// RecordRateLimited increments the rate limiter drop counter
func (c *Metrics) RecordRateLimited() {
	c.RateLimitedTotal.Inc()
}

// RecordDeadLetterDepth updates the dead letter buffer depth gauge
func (c *Metrics) RecordDeadLetterDepth(depth int) {
	c.DeadLetterDepth.Set(float64(depth))
}

// RecordProcessingDuration records processing time
func (c *Metrics) RecordProcessingDuration(service, operation string, duration time.Duration) {
	c.ProcessingDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// RecordError increments error counter
func (c *Metrics) RecordError(service, errorType string) {
	c.ErrorsTotal.WithLabelValues(service, errorType).Inc()
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(service string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthCheckStatus.WithLabelValues(service).Set(value)
}
