// Package main implements the entry point for the FleetStream service: the
// supervised broker, cache, database and bus connections feeding the
// telemetry ingestion pipeline, with an operations HTTP surface on top.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gbsoft/fleetstream/broadcast"
	"github.com/gbsoft/fleetstream/component"
	"github.com/gbsoft/fleetstream/config"
	"github.com/gbsoft/fleetstream/connection"
	"github.com/gbsoft/fleetstream/devicecache"
	"github.com/gbsoft/fleetstream/eventbridge"
	"github.com/gbsoft/fleetstream/health"
	"github.com/gbsoft/fleetstream/metric"
	"github.com/gbsoft/fleetstream/mqttclient"
	"github.com/gbsoft/fleetstream/pipeline"
	"github.com/gbsoft/fleetstream/service"
	"github.com/gbsoft/fleetstream/storage"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "fleetstream"
)

// Registry names of the supervised transports
const (
	svcBroker    = "mqtt"
	svcDatabase  = "database"
	svcCache     = "redis"
	svcWebSocket = "websocket"
	svcBridge    = "bridge"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("service failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// The config file may refine log settings the CLI left unset
	if cliCfg.LogLevel == "" || cliCfg.LogFormat == "" {
		logger = setupLogger(effectiveLog(cliCfg, cfg))
		slog.SetDefault(logger)
	}

	if cliCfg.Validate {
		logger.Info("configuration is valid", "path", cliCfg.ConfigPath)
		return nil
	}

	logger.Info("starting fleetstream",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"environment", cfg.Service.Environment)

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	return a.run(cliCfg.ShutdownTimeout)
}

// effectiveLog resolves log settings: explicit CLI flags beat the config file
func effectiveLog(cliCfg *CLIConfig, cfg *config.Config) (level, format string) {
	level, format = cfg.Log.Level, cfg.Log.Format
	if cliCfg.LogLevel != "" {
		level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		format = cliCfg.LogFormat
	}
	return level, format
}

// app is the wired service graph
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *connection.Registry
	runner   *component.Runner
	health   *health.Monitor

	brokerMgr *connection.Manager
	memStore  *devicecache.MemoryStore
}

// buildApp assembles every component without touching the network. Dials
// happen in run, so a wiring mistake surfaces before anything connects.
func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	metricsRegistry := metric.NewMetricsRegistry()
	core := metricsRegistry.CoreMetrics()
	healthMon := health.NewMonitor()
	registry := connection.NewRegistry()

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		health:   healthMon,
	}
	watch := connectionListener(registry, healthMon, core)

	// Database, the system of record
	store, err := storage.NewTelemetryStore(storage.Config{Path: cfg.Database.Path},
		storage.WithStoreLogger(logger))
	if err != nil {
		return nil, err
	}
	if _, err := supervise(registry, svcDatabase, store, managerConfig(cfg), logger, core, watch); err != nil {
		return nil, err
	}

	// Device cache backend: the cache server when enabled, in-process otherwise
	var cacheStore devicecache.Store
	if cfg.Redis.Enabled {
		redisStore := devicecache.NewRedisStore(devicecache.RedisConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			KeyPrefix:   cfg.Redis.KeyPrefix,
			DialTimeout: time.Duration(cfg.Redis.DialTimeout),
		}, devicecache.WithRedisLogger(logger))
		if _, err := supervise(registry, svcCache, redisStore, managerConfig(cfg), logger, core, watch); err != nil {
			return nil, err
		}
		cacheStore = redisStore
	} else {
		a.memStore = devicecache.NewMemoryStore(0)
		cacheStore = a.memStore
	}

	resolver, err := devicecache.NewSubjectCache(cacheStore, store.GetDevice,
		time.Duration(cfg.Cache.TTL), devicecache.WithCacheLogger(logger))
	if err != nil {
		return nil, err
	}

	// Dashboard fan-out
	hub := broadcast.New(broadcast.Config{
		Addr:         cfg.WebSocket.Addr,
		Path:         cfg.WebSocket.Path,
		WriteTimeout: time.Duration(cfg.WebSocket.WriteTimeout),
		PingInterval: time.Duration(cfg.WebSocket.PingInterval),
		PongWait:     time.Duration(cfg.WebSocket.PongWait),
	}, broadcast.WithLogger(logger), broadcast.WithMetricsRegistry(metricsRegistry))
	if _, err := supervise(registry, svcWebSocket, hub, managerConfig(cfg), logger, core, watch); err != nil {
		return nil, err
	}

	// Platform bus, optional
	var bridge *eventbridge.Bridge
	if cfg.Bridge.Enabled {
		var bridgeMgr *connection.Manager
		bridge, err = eventbridge.New(eventbridge.Config{
			URL:            cfg.Bridge.URL,
			Name:           cfg.Bridge.Name,
			Username:       cfg.Bridge.Username,
			Password:       cfg.Bridge.Password,
			Token:          cfg.Bridge.Token,
			ConnectTimeout: time.Duration(cfg.Bridge.ConnectTimeout),
			PingInterval:   time.Duration(cfg.Bridge.PingInterval),
		}, eventbridge.WithLogger(logger),
			eventbridge.WithMetricsRegistry(metricsRegistry),
			eventbridge.WithConnectionLostHandler(func(err error) {
				if bridgeMgr != nil {
					bridgeMgr.ReportDisconnect(err)
				}
			}))
		if err != nil {
			return nil, err
		}
		bridgeMgr, err = supervise(registry, svcBridge, bridge, managerConfig(cfg), logger, core, watch)
		if err != nil {
			return nil, err
		}
	}

	// Ingestion pipeline over the sinks above
	deps := pipeline.Dependencies{
		Resolver:  resolver,
		Store:     store,
		Broadcast: hub,
	}
	if bridge != nil {
		deps.Bridge = bridge
	}
	pl, err := pipeline.New(pipeline.Config{
		Workers:            cfg.Pipeline.Workers,
		QueueSize:          cfg.Pipeline.QueueSize,
		DeadLetterCapacity: cfg.Pipeline.DeadLetterCapacity,
		RateLimit:          cfg.RateLimit.MaxMessages,
		RateWindow:         time.Duration(cfg.RateLimit.Window),
	}, deps, pipeline.WithLogger(logger), pipeline.WithMetrics(core),
		pipeline.WithMetricsRegistry(metricsRegistry))
	if err != nil {
		return nil, err
	}

	// Broker ingress feeding the pipeline
	var brokerMgr *connection.Manager
	ingress, err := mqttclient.New(mqttclient.Config{
		BrokerURL:      cfg.Broker.URL,
		ClientID:       cfg.Broker.ClientID,
		Username:       cfg.Broker.Username,
		Password:       cfg.Broker.Password,
		KeepAlive:      time.Duration(cfg.Broker.KeepAlive),
		ConnectTimeout: time.Duration(cfg.Broker.ConnectTimeout),
		QoS:            byte(cfg.Broker.QoS),
		TLSInsecure:    cfg.Broker.TLSInsecure,
		TLS:            cfg.Broker.TLS,
	}, func(topicName string, payload []byte) {
		pl.Submit(pipeline.Inbound{Topic: topicName, Payload: payload, ReceivedAt: time.Now().UTC()})
	}, mqttclient.WithLogger(logger),
		mqttclient.WithConnectionLostHandler(func(err error) {
			if brokerMgr != nil {
				brokerMgr.ReportDisconnect(err)
			}
		}))
	if err != nil {
		return nil, err
	}
	brokerMgr, err = supervise(registry, svcBroker, ingress, brokerManagerConfig(cfg), logger, core, watch)
	if err != nil {
		return nil, err
	}
	a.brokerMgr = brokerMgr

	monitor := connection.NewMonitor(registry, time.Duration(cfg.Monitor.ReportInterval),
		connection.WithMonitorLogger(logger), connection.WithMonitorMetrics(core))

	ops := service.New(service.Config{
		Addr:        cfg.Service.Addr,
		ServiceName: cfg.Service.Name,
		Version:     Version,
		Environment: cfg.Service.Environment,
		APIKey:      cfg.Service.APIKey,
	}, service.Dependencies{
		Health:  healthMon,
		Fleet:   monitor,
		Metrics: metricsRegistry,
	}, service.WithLogger(logger))

	runner := component.NewRunner(component.WithRunnerLogger(logger))
	for _, c := range []component.Component{monitor, pl, ops} {
		if err := runner.Add(c); err != nil {
			return nil, err
		}
	}
	a.runner = runner

	return a, nil
}

// run connects the transports, starts the components, and blocks until a
// shutdown signal arrives.
func (a *app) run(shutdownTimeout time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.connectTransports(ctx); err != nil {
		return err
	}

	if err := a.runner.StartAll(ctx); err != nil {
		a.releaseTransports(shutdownTimeout)
		return fmt.Errorf("start components: %w", err)
	}
	a.health.UpdateHealthy("pipeline", fmt.Sprintf("%d workers running", a.cfg.Pipeline.Workers))

	// Ingress last: messages only flow once the pipeline is running
	if err := a.brokerMgr.Connect(ctx); err != nil {
		a.logger.Warn("broker connect failed, retrying in background", "error", err)
	}

	a.logger.Info("fleetstream started",
		"transports", a.registry.Len(),
		"components", a.runner.Len())

	<-ctx.Done()
	a.logger.Info("shutdown signal received")
	return a.shutdown(shutdownTimeout)
}

// connectTransports dials everything except the broker. The database must
// come up; every other manager keeps retrying on its own when the first dial
// fails.
func (a *app) connectTransports(ctx context.Context) error {
	for _, name := range []string{svcDatabase, svcCache, svcWebSocket, svcBridge} {
		mgr := a.registry.Get(name)
		if mgr == nil {
			continue
		}
		if err := mgr.Connect(ctx); err != nil {
			if name == svcDatabase {
				a.releaseTransports(5 * time.Second)
				return fmt.Errorf("connect database: %w", err)
			}
			a.logger.Warn("transport connect failed, retrying in background",
				"service", name, "error", err)
		}
	}
	return nil
}

// shutdown stops ingress first, drains the components, then releases every
// remaining transport.
func (a *app) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.brokerMgr.Disconnect(ctx); err != nil {
		a.logger.Warn("broker disconnect failed", "error", err)
	}

	var failures []error

	stopBudget := timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < stopBudget {
			stopBudget = remaining
		}
	}
	if err := a.runner.StopAll(stopBudget); err != nil {
		a.logger.Error("component stop failed", "error", err)
		failures = append(failures, err)
	}

	if err := a.registry.DisconnectAll(ctx); err != nil {
		a.logger.Error("transport disconnect failed", "error", err)
		failures = append(failures, err)
	}
	if a.memStore != nil {
		_ = a.memStore.Close()
	}

	if len(failures) > 0 {
		return fmt.Errorf("graceful shutdown failed: %w", errors.Join(failures...))
	}

	a.logger.Info("fleetstream shutdown complete")
	return nil
}

// releaseTransports tears down whatever connected during a failed startup
func (a *app) releaseTransports(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.registry.DisconnectAll(ctx); err != nil {
		a.logger.Warn("transport disconnect failed", "error", err)
	}
	if a.memStore != nil {
		_ = a.memStore.Close()
	}
}

// supervise registers a managed transport under name. No dial happens here;
// connectTransports drives the initial attempts.
func supervise(
	registry *connection.Registry,
	name string,
	transport connection.Transport,
	cfg connection.Config,
	logger *slog.Logger,
	core *metric.Metrics,
	watch connection.Listener,
) (*connection.Manager, error) {
	mgr, err := registry.GetOrCreate(name, func() (*connection.Manager, error) {
		return connection.NewManager(name, transport, cfg,
			connection.WithLogger(logger),
			connection.WithMetrics(core))
	})
	if err != nil {
		return nil, err
	}
	mgr.OnStateChange(watch)
	return mgr, nil
}

// connectionListener feeds every transport state change into the health
// monitor and the per-service health gauge.
func connectionListener(
	registry *connection.Registry,
	healthMon *health.Monitor,
	core *metric.Metrics,
) connection.Listener {
	return func(ev connection.StateChange) {
		mgr := registry.Get(ev.Service)
		if mgr == nil {
			return
		}
		healthMon.Update(ev.Service, health.FromConnectionStats(ev.Service, mgr.Stats()))
		core.RecordHealthStatus(ev.Service, ev.To == connection.StateConnected)
	}
}

// managerConfig maps the shared resilience sections onto one supervised
// connection.
func managerConfig(cfg *config.Config) connection.Config {
	return connection.Config{
		Retry: connection.RetryPolicy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: time.Duration(cfg.Retry.InitialDelay),
			MaxDelay:     time.Duration(cfg.Retry.MaxDelay),
			Multiplier:   cfg.Retry.Multiplier,
			JitterBound:  time.Duration(cfg.Retry.JitterBound),
		},
		FailureThreshold:    cfg.Circuit.FailureThreshold,
		MonitoringWindow:    time.Duration(cfg.Circuit.MonitoringWindow),
		RecoveryWindow:      time.Duration(cfg.Circuit.RecoveryWindow),
		HealthCheckInterval: time.Duration(cfg.Health.CheckInterval),
		ConnectTimeout:      time.Duration(cfg.Health.ConnectTimeout),
	}
}

// brokerManagerConfig is managerConfig with the broker's reconnect period,
// when set, as the initial retry delay, and the broker's own dial timeout.
func brokerManagerConfig(cfg *config.Config) connection.Config {
	mc := managerConfig(cfg)
	if period := time.Duration(cfg.Broker.ReconnectPeriod); period > 0 {
		mc.Retry.InitialDelay = period
		if mc.Retry.MaxDelay < period {
			mc.Retry.MaxDelay = period
		}
	}
	if t := time.Duration(cfg.Broker.ConnectTimeout); t > 0 {
		mc.ConnectTimeout = t
	}
	return mc
}
