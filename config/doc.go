// Package config loads and validates the fleetstream service configuration.
//
// Configuration is layered: compiled-in defaults, then a single YAML file,
// then FLEETSTREAM_* environment overrides. The file only states what it
// changes; every absent key keeps its default, so a minimal deployment ships
// with a few lines of YAML or none at all.
//
// # Loading
//
//	cfg, err := config.Load("fleetstream.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Load validates the result and fails fatally on a config no component
// could start with. An empty path loads defaults plus environment.
//
// # Sections
//
// Each section maps onto one component: Broker tunes the MQTT ingress,
// Redis the cache server, Database the embedded store, WebSocket the
// dashboard hub, Bridge the platform bus publisher. Retry, Circuit and
// Health tune the connection layer shared by all of them; Pipeline,
// RateLimit and Cache tune ingest. Service and Log cover identity, the ops
// HTTP surface and logging.
//
// # Durations
//
// Duration fields accept the human form ("30s", "5m", "1h30m"):
//
//	retry:
//	  initial_delay: 2s
//	  max_delay: 1m
//
// # Environment Overrides
//
// Deployment knobs and credentials can be set from the environment:
//
//	export FLEETSTREAM_BROKER_URL="tcp://broker.fleet.internal:1883"
//	export FLEETSTREAM_BROKER_PASSWORD="..."
//	export FLEETSTREAM_ENVIRONMENT="production"
//
// # Concurrent Access
//
// SafeConfig wraps a Config for shared use. Get returns an independent
// copy; Update validates and swaps atomically:
//
//	safe := config.NewSafeConfig(cfg)
//	current := safe.Get()
//
// # Security
//
// File loading enforces a 10MB size cap, regular-file checks and path
// traversal rejection. Credential fields carry `json:"-"` tags, so String()
// and the ops report never leak them; the YAML form keeps them for the
// on-disk file.
package config
