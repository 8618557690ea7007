// Package config loads supervisor configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/atelier-run/workspace_layer/pkg/logger"
)

// Config is the top-level supervisor configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Logging  logger.LoggingConfig `yaml:"logging"`
	Auth     AuthConfig           `yaml:"auth"`
	Database DatabaseConfig       `yaml:"database"`
	Cache    CacheConfig          `yaml:"cache"`
	Monitor  MonitorConfig        `yaml:"monitor"`
	Gateway  GatewayConfig        `yaml:"gateway"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string `yaml:"host" env:"SERVER_HOST"`
	Port            int    `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     int    `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    int    `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// AuthConfig controls the admin API bearer authentication.
type AuthConfig struct {
	// Secret signs and verifies HMAC bearer tokens. Auth is disabled when
	// empty, which is only acceptable for local development.
	Secret   string `yaml:"secret" env:"AUTH_JWT_SECRET"`
	Issuer   string `yaml:"issuer" env:"AUTH_JWT_ISSUER"`
	Disabled bool   `yaml:"disabled" env:"AUTH_DISABLED"`
}

// DatabaseConfig controls the shared Postgres pool service.
type DatabaseConfig struct {
	Driver          string `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string `yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
}

// CacheConfig controls the shared Redis cache service.
type CacheConfig struct {
	Addr     string `yaml:"addr" env:"CACHE_ADDR"`
	Password string `yaml:"password" env:"CACHE_PASSWORD"`
	DB       int    `yaml:"db" env:"CACHE_DB"`
}

// MonitorConfig controls the system monitor service.
type MonitorConfig struct {
	// SampleSchedule is a cron expression for resource sampling.
	SampleSchedule string `yaml:"sample_schedule" env:"MONITOR_SAMPLE_SCHEDULE"`
}

// GatewayConfig controls per-workspace tool gateways.
type GatewayConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second" env:"GATEWAY_RATE_PER_SECOND"`
	Burst         int     `yaml:"burst" env:"GATEWAY_BURST"`
	ScriptTimeout int     `yaml:"script_timeout" env:"GATEWAY_SCRIPT_TIMEOUT"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		Logging: logger.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Monitor: MonitorConfig{SampleSchedule: "@every 30s"},
		Gateway: GatewayConfig{RatePerSecond: 5, Burst: 10, ScriptTimeout: 5},
	}
}

// Load reads the YAML file at path and applies environment overrides. A
// missing file is not an error; defaults are used instead.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to defaults + environment
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Gateway.RatePerSecond <= 0 {
		return fmt.Errorf("gateway rate must be positive, got %v", c.Gateway.RatePerSecond)
	}
	if c.Gateway.Burst <= 0 {
		return fmt.Errorf("gateway burst must be positive, got %d", c.Gateway.Burst)
	}
	return nil
}
