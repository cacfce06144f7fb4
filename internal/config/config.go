// Package config loads and validates gateway configuration from a YAML
// file and EDGEHIVE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Store         StoreConfig         `yaml:"store"`
	Compiler      CompilerConfig      `yaml:"compiler"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings. The admin surface and the
// gateway catch-all share one listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings for the
// admin surface.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// GatewayConfig bounds one dispatched request.
type GatewayConfig struct {
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	// Env is the read-only key/value configuration exposed to handler
	// code through its context.
	Env map[string]string `yaml:"env"`
}

// StoreConfig describes endpoint and provider descriptor persistence.
type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `yaml:"driver"`
	// DSNEnv names the environment variable holding the postgres DSN, so
	// credentials stay out of the config file.
	DSNEnv   string `yaml:"dsn_env"`
	MaxConns int32  `yaml:"max_conns"`
}

// CompilerConfig describes where handler projects live and how they build.
type CompilerConfig struct {
	HandlersRoot string        `yaml:"handlers_root"`
	SDKPath      string        `yaml:"sdk_path"`
	Toolchain    string        `yaml:"toolchain"`
	BuildTimeout time.Duration `yaml:"build_timeout"`
}

// RuntimeConfig describes handler image lifecycle settings.
type RuntimeConfig struct {
	// DrainDeadline bounds how long a retired image may hold in-flight
	// requests before its library is closed anyway.
	DrainDeadline time.Duration `yaml:"drain_deadline"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
				MaxAge:         86400,
			},
		},
		Gateway: GatewayConfig{
			HandlerTimeout: 30 * time.Second,
			MaxBodyBytes:   1 << 20,
		},
		Store: StoreConfig{
			Driver:   "memory",
			DSNEnv:   "EDGEHIVE_STORE_DSN",
			MaxConns: 10,
		},
		Compiler: CompilerConfig{
			HandlersRoot: "/var/lib/edge-hive/handlers",
			Toolchain:    "go",
			BuildTimeout: 2 * time.Minute,
		},
		Runtime: RuntimeConfig{
			DrainDeadline: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not memory or postgres", c.Store.Driver))
	}
	if c.Compiler.HandlersRoot == "" {
		errs = append(errs, "compiler.handlers_root is required")
	}
	if c.Gateway.HandlerTimeout <= 0 {
		errs = append(errs, "gateway.handler_timeout must be positive")
	}
	if c.Gateway.MaxBodyBytes <= 0 {
		errs = append(errs, "gateway.max_body_bytes must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads EDGEHIVE_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EDGEHIVE_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("EDGEHIVE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("EDGEHIVE_COMPILER_HANDLERS_ROOT"); v != "" {
		cfg.Compiler.HandlersRoot = v
	}
	if v := os.Getenv("EDGEHIVE_COMPILER_SDK_PATH"); v != "" {
		cfg.Compiler.SDKPath = v
	}
	if v := os.Getenv("EDGEHIVE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
