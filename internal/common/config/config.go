// Package config provides configuration management for pylonmesh.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the fabric services.
type Config struct {
	Relay   RelayConfig   `mapstructure:"relay"`
	Pylon   PylonConfig   `mapstructure:"pylon"`
	Beacon  BeaconConfig  `mapstructure:"beacon"`
	MCP     MCPConfig     `mapstructure:"mcp"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RelayConfig holds the relay's WebSocket server configuration.
type RelayConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds

	// Devices is the static pylon table: deviceId -> identity and IP allowlist.
	Devices []DeviceEntry `mapstructure:"devices"`
}

// DeviceEntry is one row of the static DEVICES table.
type DeviceEntry struct {
	DeviceID   int      `mapstructure:"deviceId"`
	Name       string   `mapstructure:"name"`
	Icon       string   `mapstructure:"icon"`
	Role       string   `mapstructure:"role"`
	AllowedIPs []string `mapstructure:"allowedIps"`
}

// PylonConfig holds workstation runtime configuration.
type PylonConfig struct {
	// PylonID identifies this workstation (1..10); it comes from
	// configuration, never from pool allocation.
	PylonID int `mapstructure:"pylonId"`

	// RelayURL is the upstream relay WebSocket endpoint.
	RelayURL string `mapstructure:"relayUrl"`

	// LocalPort serves the optional same-host WebSocket (default 9000).
	LocalPort int `mapstructure:"localPort"`

	// DataDir is the root for persisted JSON documents.
	DataDir string `mapstructure:"dataDir"`

	// AllowAllRaisesMode controls whether an allowAll permission decision
	// raises the conversation to acceptEdits for subsequent edits.
	AllowAllRaisesMode bool `mapstructure:"allowAllRaisesMode"`

	// ToolContextMaxAge bounds the age of tool-use map entries, in minutes.
	ToolContextMaxAge int `mapstructure:"toolContextMaxAge"`
}

// BeaconConfig holds the beacon TCP service configuration.
type BeaconConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// RequestTimeout is the client-side request timeout, in seconds.
	RequestTimeout int `mapstructure:"requestTimeout"`
}

// MCPConfig holds the per-environment MCP server ports.
type MCPConfig struct {
	Env   string         `mapstructure:"env"` // release, stage, dev, test
	Ports map[string]int `mapstructure:"ports"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Port returns the MCP port for the configured environment.
func (m *MCPConfig) Port() int {
	if p, ok := m.Ports[m.Env]; ok {
		return p
	}
	return m.Ports["release"]
}

// RequestTimeoutDuration returns the beacon request timeout as a time.Duration.
func (b *BeaconConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(b.RequestTimeout) * time.Second
}

// ToolContextMaxAgeDuration returns the tool-context max age as a time.Duration.
func (p *PylonConfig) ToolContextMaxAgeDuration() time.Duration {
	return time.Duration(p.ToolContextMaxAge) * time.Minute
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("PYLONMESH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Relay defaults
	v.SetDefault("relay.host", "0.0.0.0")
	v.SetDefault("relay.port", 8080)
	v.SetDefault("relay.readTimeout", 30)
	v.SetDefault("relay.writeTimeout", 30)

	// Pylon defaults
	v.SetDefault("pylon.pylonId", 1)
	v.SetDefault("pylon.relayUrl", "ws://localhost:8080/ws")
	v.SetDefault("pylon.localPort", 9000)
	v.SetDefault("pylon.dataDir", "~/.pylonmesh")
	v.SetDefault("pylon.allowAllRaisesMode", true)
	v.SetDefault("pylon.toolContextMaxAge", 30)

	// Beacon defaults
	v.SetDefault("beacon.host", "127.0.0.1")
	v.SetDefault("beacon.port", 9875)
	v.SetDefault("beacon.requestTimeout", 5)

	// MCP defaults - one port per environment
	v.SetDefault("mcp.env", "release")
	v.SetDefault("mcp.ports", map[string]int{
		"release": 9876,
		"stage":   9877,
		"dev":     9878,
		"test":    9879,
	})

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PYLONMESH_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/pylonmesh/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PYLONMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("pylon.pylonId", "PYLONMESH_PYLON_ID")
	_ = v.BindEnv("pylon.relayUrl", "PYLONMESH_RELAY_URL")
	_ = v.BindEnv("pylon.localPort", "PYLONMESH_PYLON_LOCAL_PORT")
	_ = v.BindEnv("beacon.port", "PYLONMESH_BEACON_PORT")
	_ = v.BindEnv("mcp.env", "PYLONMESH_MCP_ENV")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/pylonmesh/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Relay.Port <= 0 || cfg.Relay.Port > 65535 {
		errs = append(errs, "relay.port must be between 1 and 65535")
	}
	if cfg.Pylon.PylonID < 1 || cfg.Pylon.PylonID > 10 {
		errs = append(errs, "pylon.pylonId must be between 1 and 10")
	}
	if cfg.Beacon.Port <= 0 || cfg.Beacon.Port > 65535 {
		errs = append(errs, "beacon.port must be between 1 and 65535")
	}
	if cfg.Beacon.RequestTimeout <= 0 {
		errs = append(errs, "beacon.requestTimeout must be positive")
	}

	switch cfg.MCP.Env {
	case "release", "stage", "dev", "test":
	default:
		errs = append(errs, "mcp.env must be one of: release, stage, dev, test")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
