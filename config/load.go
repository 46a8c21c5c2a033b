package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/gbsoft/fleetstream/errors"
)

// envPrefix namespaces every environment override, e.g. FLEETSTREAM_BROKER_URL.
const envPrefix = "FLEETSTREAM"

// Load builds the effective configuration: defaults first, then the YAML
// file when path is non-empty, then environment overrides, then validation.
// The file only needs to state what it changes; absent keys keep their
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := safeReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Config", "Load", "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapFatal(err, "Config", "Load", "parse config file")
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveToFile writes the configuration as YAML. Credential fields are part of
// the on-disk form, so the written file loads back identically.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.WrapInvalid(err, "Config", "SaveToFile", "encode configuration")
	}
	if err := safeWriteFile(path, data); err != nil {
		return errors.WrapInvalid(err, "Config", "SaveToFile", "write config file")
	}
	return nil
}

// applyEnvOverrides lays FLEETSTREAM_* variables over cfg. Only deployment
// knobs are overridable this way; tuning stays in the file.
func applyEnvOverrides(cfg *Config) error {
	overrides := []struct {
		key string
		dst *string
	}{
		{"ENVIRONMENT", &cfg.Service.Environment},
		{"SERVICE_ADDR", &cfg.Service.Addr},
		{"SERVICE_API_KEY", &cfg.Service.APIKey},
		{"LOG_LEVEL", &cfg.Log.Level},
		{"LOG_FORMAT", &cfg.Log.Format},
		{"BROKER_URL", &cfg.Broker.URL},
		{"BROKER_CLIENT_ID", &cfg.Broker.ClientID},
		{"BROKER_USERNAME", &cfg.Broker.Username},
		{"BROKER_PASSWORD", &cfg.Broker.Password},
		{"REDIS_ADDR", &cfg.Redis.Addr},
		{"REDIS_PASSWORD", &cfg.Redis.Password},
		{"DATABASE_PATH", &cfg.Database.Path},
		{"WEBSOCKET_ADDR", &cfg.WebSocket.Addr},
		{"BRIDGE_URL", &cfg.Bridge.URL},
		{"BRIDGE_USERNAME", &cfg.Bridge.Username},
		{"BRIDGE_PASSWORD", &cfg.Bridge.Password},
		{"BRIDGE_TOKEN", &cfg.Bridge.Token},
	}
	for _, o := range overrides {
		if err := envOverride(o.key, o.dst); err != nil {
			return err
		}
	}

	boolOverrides := []struct {
		key string
		dst *bool
	}{
		{"REDIS_ENABLED", &cfg.Redis.Enabled},
		{"BRIDGE_ENABLED", &cfg.Bridge.Enabled},
	}
	for _, o := range boolOverrides {
		if err := envOverrideBool(o.key, o.dst); err != nil {
			return err
		}
	}

	return nil
}

func envOverride(key string, dst *string) error {
	name := envPrefix + "_" + key
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	if err := validateEnvVar(name, val); err != nil {
		return errors.WrapFatal(err, "Config", "Load", "environment override")
	}
	*dst = val
	return nil
}

func envOverrideBool(key string, dst *bool) error {
	name := envPrefix + "_" + key
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return errors.WrapFatal(err, "Config", "Load", "environment override "+name)
	}
	*dst = parsed
	return nil
}
