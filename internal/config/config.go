// Package config loads the toolguard runtime configuration: listen
// address, default proxy target, and the logging, Redis and telemetry
// sections.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime configuration for `toolguard proxy`.
type Config struct {
	Listen    string          `yaml:"listen"`
	Target    string          `yaml:"target"`
	Logging   LoggingConfig   `yaml:"logging"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LoggingConfig holds slog level and format settings, independent of the
// policy file's audit-logging section. The CLI's slog setup does not read
// it: logs are always JSON on stdout at the default level.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RedisConfig holds Redis connection settings. The shared rate-limit
// backend does not read it: it connects to the policy's
// rate_limit.connection address.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TelemetryConfig configures the OpenTelemetry tracer provider.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "none", "stdout", or "otlp"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Load reads and parses the runtime config file, falling back to
// defaults if the file does not exist. Environment overrides apply in
// both cases.
func Load(path string) (*Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Listen: ":8787",
		Target: "",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "toolguard",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TOOLGUARD_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("TOOLGUARD_TARGET"); v != "" {
		c.Target = v
	}
	if v := os.Getenv("TOOLGUARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TOOLGUARD_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("TOOLGUARD_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if os.Getenv("TOOLGUARD_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("TOOLGUARD_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	switch c.Telemetry.Exporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("unsupported telemetry exporter: %q", c.Telemetry.Exporter)
	}
	return nil
}
