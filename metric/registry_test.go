package metric

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatheredNames returns the set of metric family names currently exposed
func gatheredNames(t *testing.T, registry *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	assert.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())

	names := gatheredNames(t, registry)
	assert.True(t, names["go_goroutines"], "runtime collector should be registered")
}

func TestMetricsRegistry_RegisterScalars(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter", Help: "A test counter"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge", Help: "A test gauge"})
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_histogram", Help: "A test histogram", Buckets: prometheus.DefBuckets})

	require.NoError(t, registry.RegisterCounter("test-service", "test_counter", counter))
	require.NoError(t, registry.RegisterGauge("test-service", "test_gauge", gauge))
	require.NoError(t, registry.RegisterHistogram("test-service", "test_histogram", histogram))

	counter.Inc()
	gauge.Set(42.0)
	histogram.Observe(1.5)

	names := gatheredNames(t, registry)
	assert.True(t, names["test_counter"])
	assert.True(t, names["test_gauge"])
	assert.True(t, names["test_histogram"])
}

func TestMetricsRegistry_RegisterVectors(t *testing.T) {
	registry := NewMetricsRegistry()

	counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_counter_vec", Help: "A labeled counter"}, []string{"device"})
	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "test_gauge_vec", Help: "A labeled gauge"}, []string{"device"})
	histogramVec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_histogram_vec", Help: "A labeled histogram"}, []string{"stage"})

	require.NoError(t, registry.RegisterCounterVec("test-service", "test_counter_vec", counterVec))
	require.NoError(t, registry.RegisterGaugeVec("test-service", "test_gauge_vec", gaugeVec))
	require.NoError(t, registry.RegisterHistogramVec("test-service", "test_histogram_vec", histogramVec))

	counterVec.WithLabelValues("bus-1042").Inc()
	gaugeVec.WithLabelValues("bus-1042").Set(1)
	histogramVec.WithLabelValues("validate").Observe(0.002)

	names := gatheredNames(t, registry)
	assert.True(t, names["test_counter_vec"])
	assert.True(t, names["test_gauge_vec"])
	assert.True(t, names["test_histogram_vec"])
}

func TestMetricsRegistry_DuplicateKey(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dup_key_counter", Help: "Counter"})

	require.NoError(t, registry.RegisterCounter("svc", "dup_key_counter", counter))

	err := registry.RegisterCounter("svc", "dup_key_counter", counter)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate metric registration")
}

func TestMetricsRegistry_PrometheusConflict(t *testing.T) {
	registry := NewMetricsRegistry()

	counter1 := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conflicting_counter", Help: "Counter"})
	counter2 := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conflicting_counter", Help: "Counter"})

	require.NoError(t, registry.RegisterCounter("service1", "conflicting_counter", counter1))

	// Different registry key, same Prometheus name
	err := registry.RegisterCounter("service2", "conflicting_counter", counter2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prometheus conflict")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "unregister_counter", Help: "A counter to unregister"})

	require.NoError(t, registry.RegisterCounter("test-service", "unregister_counter", counter))
	assert.True(t, gatheredNames(t, registry)["unregister_counter"])

	assert.True(t, registry.Unregister("test-service", "unregister_counter"))
	assert.False(t, gatheredNames(t, registry)["unregister_counter"])

	assert.False(t, registry.Unregister("test-service", "unregister_counter"),
		"second unregister has nothing to remove")
	assert.False(t, registry.Unregister("test-service", "never_registered"))
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	numGoroutines := 10

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			name := fmt.Sprintf("concurrent_counter_%d", id)
			counter := prometheus.NewCounter(prometheus.CounterOpts{
				Name: name, Help: "A concurrent counter"})
			assert.NoError(t, registry.RegisterCounter("concurrent-service", name, counter))
		}(i)
	}
	wg.Wait()

	count := 0
	for name := range gatheredNames(t, registry) {
		if strings.HasPrefix(name, "concurrent_counter_") {
			count++
		}
	}
	assert.Equal(t, numGoroutines, count)
}

func TestMetricsRegistry_CoreMetricsInitialization(t *testing.T) {
	registry := NewMetricsRegistry()

	// Vector metrics don't appear in Gather() until they have at least one
	// value, so record through every core instrument first.
	coreMetrics := registry.CoreMetrics()

	coreMetrics.RecordConnectionState("broker", 2)
	coreMetrics.RecordConnectionRetry("broker")
	coreMetrics.RecordConnectionFailure("broker")
	coreMetrics.RecordCircuitOpen("broker", false)
	coreMetrics.RecordFleetHealthRatio(1.0)
	coreMetrics.RecordMessageReceived("pipeline", "gps")
	coreMetrics.RecordMessageProcessed("pipeline", "gps", "success")
	coreMetrics.RecordMessageRejected("malformed_topic")
	coreMetrics.RecordRateLimited()
	coreMetrics.RecordDeadLetterDepth(0)
	coreMetrics.RecordProcessingDuration("pipeline", "dispatch", 100*time.Millisecond)
	coreMetrics.RecordError("pipeline", "connection")
	coreMetrics.RecordHealthStatus("broker", true)

	expectedCoreMetrics := []string{
		"fleetstream_connection_state",
		"fleetstream_connection_retries_total",
		"fleetstream_connection_failures_total",
		"fleetstream_connection_circuit_open",
		"fleetstream_connection_fleet_health_ratio",
		"fleetstream_messages_received_total",
		"fleetstream_messages_processed_total",
		"fleetstream_messages_rejected_total",
		"fleetstream_messages_rate_limited_total",
		"fleetstream_pipeline_dead_letter_depth",
		"fleetstream_processing_duration_seconds",
		"fleetstream_errors_total",
		"fleetstream_health_status",
	}

	names := gatheredNames(t, registry)
	for _, expected := range expectedCoreMetrics {
		assert.True(t, names[expected], "core metric %s should be initialized", expected)
	}
}

func TestMetricsRegistry_GetCoreMetrics(t *testing.T) {
	registry := NewMetricsRegistry()

	coreMetrics := registry.CoreMetrics()
	require.NotNil(t, coreMetrics)

	assert.NotNil(t, coreMetrics.ConnectionState)
	assert.NotNil(t, coreMetrics.ConnectionRetries)
	assert.NotNil(t, coreMetrics.ConnectionFailures)
	assert.NotNil(t, coreMetrics.CircuitOpen)
	assert.NotNil(t, coreMetrics.FleetHealthRatio)
	assert.NotNil(t, coreMetrics.MessagesReceived)
	assert.NotNil(t, coreMetrics.MessagesProcessed)
	assert.NotNil(t, coreMetrics.MessagesRejected)
	assert.NotNil(t, coreMetrics.RateLimitedTotal)
	assert.NotNil(t, coreMetrics.DeadLetterDepth)
	assert.NotNil(t, coreMetrics.ProcessingDuration)
	assert.NotNil(t, coreMetrics.ErrorsTotal)
	assert.NotNil(t, coreMetrics.HealthCheckStatus)
}

func TestCoreMetrics_RecordMethods(t *testing.T) {
	registry := NewMetricsRegistry()
	coreMetrics := registry.CoreMetrics()

	coreMetrics.RecordConnectionState("database", 4)
	coreMetrics.RecordConnectionRetry("database")
	coreMetrics.RecordConnectionFailure("database")
	coreMetrics.RecordCircuitOpen("database", true)
	coreMetrics.RecordFleetHealthRatio(0.75)

	coreMetrics.RecordMessageReceived("pipeline", "fuel")
	coreMetrics.RecordMessageProcessed("pipeline", "fuel", "success")
	coreMetrics.RecordMessageRejected("invalid_device_id")
	coreMetrics.RecordRateLimited()
	coreMetrics.RecordDeadLetterDepth(3)

	coreMetrics.RecordProcessingDuration("pipeline", "validate", 100*time.Millisecond)
	coreMetrics.RecordError("pipeline", "connection")
	coreMetrics.RecordHealthStatus("database", false)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	assert.Greater(t, len(families), 0, "Should have recorded metrics")
}
