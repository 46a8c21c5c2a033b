// Package metric provides Prometheus-based metrics collection for the
// FleetStream ingestion core.
//
// The package offers a centralized metrics registry managing both core platform
// metrics (connection states, message processing, rejection reasons, dead letter
// depth) and custom component-specific metrics. The ops HTTP service exposes the
// registry in Prometheus format.
//
// # Architecture
//
//  1. Core Metrics: platform-level metrics automatically registered (Metrics type)
//  2. Component Registry: extensible registration for component-specific metrics
//     (the typed Register methods on MetricsRegistry)
//
// Components accept a *MetricsRegistry and treat nil as "metrics disabled": every
// component-local metrics struct constructor returns nil when handed a nil
// registry, and all record methods are nil-safe at the call site.
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//
//	coreMetrics := registry.CoreMetrics()
//	coreMetrics.RecordConnectionState("broker", 2)
//	coreMetrics.RecordMessageReceived("pipeline", "gps")
//
// Component-specific metrics register under a service name:
//
//	counter := prometheus.NewCounter(prometheus.CounterOpts{
//	    Namespace: "fleetstream",
//	    Subsystem: "broadcast",
//	    Name:      "frames_sent_total",
//	    Help:      "Frames fanned out to dashboard clients",
//	})
//	if err := registry.RegisterCounter("broadcast", "frames_sent_total", counter); err != nil {
//	    return err
//	}
//
// Registration is duplicate-safe: a second registration under the same
// service.metric key fails with a classified Invalid error instead of panicking.
package metric
