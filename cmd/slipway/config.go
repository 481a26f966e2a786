package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/slipway-sh/slipway/internal/core/deploy"
	"github.com/slipway-sh/slipway/internal/core/probe"
	"github.com/slipway-sh/slipway/internal/shell/deployer"
	"github.com/slipway-sh/slipway/internal/shell/proxy"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Docker DockerConfig `mapstructure:"docker"`
	Ledger LedgerConfig `mapstructure:"ledger"`
	Proxy  ProxyConfig  `mapstructure:"proxy"`
	App    AppConfig    `mapstructure:"app"`
	Probe  probe.Probe  `mapstructure:"probe"`
	Health HealthConfig `mapstructure:"health"`
	Retire RetireConfig `mapstructure:"retire"`
	Log    LogConfig    `mapstructure:"log"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// LedgerConfig holds the deployment ledger location.
type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

// ProxyConfig holds the proxy listen addresses.
type ProxyConfig struct {
	PublicAddress string        `mapstructure:"public_address"`
	AdminAddress  string        `mapstructure:"admin_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
}

// AppConfig describes the deployed application: the port it listens on
// inside the container and the host port pool for staging bindings.
type AppConfig struct {
	ContainerPort  int `mapstructure:"container_port"`
	PortRangeStart int `mapstructure:"port_range_start"`
	PortRangeEnd   int `mapstructure:"port_range_end"`
}

// HealthConfig bounds the health gate.
type HealthConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// RetireConfig controls how containers are taken out of service.
type RetireConfig struct {
	StopGrace  time.Duration `mapstructure:"stop_grace"`
	DrainGrace time.Duration `mapstructure:"drain_grace"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DeployerConfig converts the file-level sections into the orchestrator's
// configuration.
func (c *Config) DeployerConfig() deployer.Config {
	return deployer.Config{
		ContainerPort: c.App.ContainerPort,
		PortRange:     deploy.PortRange{Start: c.App.PortRangeStart, End: c.App.PortRangeEnd},
		Probe:         c.Probe,
		HealthTimeout: c.Health.Timeout,
		PollInterval:  c.Health.PollInterval,
		StopGrace:     c.Retire.StopGrace,
		DrainGrace:    c.Retire.DrainGrace,
		// The lock lives beside the ledger so every process that can write
		// deployment state contends on the same file.
		LockPath: c.Ledger.Path + ".lock",
	}
}

// ProxyServerConfig converts the proxy section into the server's config.
func (c *Config) ProxyServerConfig() proxy.Config {
	return proxy.Config{
		PublicAddress: c.Proxy.PublicAddress,
		AdminAddress:  c.Proxy.AdminAddress,
		ReadTimeout:   c.Proxy.ReadTimeout,
		WriteTimeout:  c.Proxy.WriteTimeout,
		IdleTimeout:   c.Proxy.IdleTimeout,
	}
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("docker.host", "")
	v.SetDefault("ledger.path", "data/slipway.db")
	v.SetDefault("proxy.public_address", "0.0.0.0:8080")
	v.SetDefault("proxy.admin_address", "127.0.0.1:9180")
	v.SetDefault("proxy.read_timeout", "30s")
	v.SetDefault("proxy.write_timeout", "60s")
	v.SetDefault("proxy.idle_timeout", "120s")
	v.SetDefault("app.container_port", 8000)
	v.SetDefault("app.port_range_start", 9000)
	v.SetDefault("app.port_range_end", 9099)
	v.SetDefault("probe.type", "http")
	v.SetDefault("probe.path", "/health")
	v.SetDefault("probe.attempt_timeout", "2s")
	v.SetDefault("health.timeout", "30s")
	v.SetDefault("health.poll_interval", "2s")
	v.SetDefault("retire.stop_grace", "10s")
	v.SetDefault("retire.drain_grace", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("SLIPWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format. CLI
// logs go to stderr so stdout stays clean for command output.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
