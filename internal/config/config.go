// Package config loads the outer demo harness's configuration using
// koanf/v2. It is read once at process startup by cmd/cablefitd and is
// never consulted by the core engine/facade packages (§6: no environment
// variables, no persisted state, no command-line surface is part of the
// core).
//
// Supports YAML files, environment variables, and the layered defaults
// pattern: defaults -> YAML file -> environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete cablefitd demo-harness configuration.
type Config struct {
	Device  DeviceConfig  `koanf:"device"`
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// DeviceConfig selects which peripheral the demo harness connects to.
type DeviceConfig struct {
	// NamePrefix filters discovered peripherals by advertised name prefix
	// (§6: "Vee_" or "VIT").
	NamePrefix string `koanf:"name_prefix"`

	// ScanTimeout bounds how long startScanning waits for a matching
	// advertisement before giving up.
	ScanTimeout time.Duration `koanf:"scan_timeout"`

	// Simulate runs the demo against an in-process simulated peripheral
	// instead of a real BLE central, for development without hardware.
	Simulate bool `koanf:"simulate"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration. Addr
// empty disables the endpoint.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			NamePrefix:  "Vee_",
			ScanTimeout: 15 * time.Second,
			Simulate:    false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9101",
			Path: "/metrics",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for cablefitd configuration.
// Variables are named CABLEFIT_<section>_<key>, e.g. CABLEFIT_DEVICE_SIMULATE.
const envPrefix = "CABLEFIT_"

// Load reads configuration from a YAML file at path (if path is non-empty;
// a path that does not exist is an error), overlays environment variable
// overrides, and merges on top of DefaultConfig(). Missing fields inherit
// defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms CABLEFIT_DEVICE_SIMULATE -> device.simulate.
// Only the first underscore separates section from key, so
// CABLEFIT_DEVICE_NAME_PREFIX -> device.name_prefix.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"device.name_prefix":  defaults.Device.NamePrefix,
		"device.scan_timeout": defaults.Device.ScanTimeout.String(),
		"device.simulate":     defaults.Device.Simulate,
		"log.level":           defaults.Log.Level,
		"log.format":          defaults.Log.Format,
		"metrics.addr":        defaults.Metrics.Addr,
		"metrics.path":        defaults.Metrics.Path,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

var (
	// ErrEmptyNamePrefix indicates the device name-prefix filter is empty.
	ErrEmptyNamePrefix = errors.New("device.name_prefix must not be empty")

	// ErrInvalidScanTimeout indicates the scan timeout is not positive.
	ErrInvalidScanTimeout = errors.New("device.scan_timeout must be > 0")
)

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	if cfg.Device.NamePrefix == "" {
		return ErrEmptyNamePrefix
	}
	if cfg.Device.ScanTimeout <= 0 {
		return ErrInvalidScanTimeout
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
