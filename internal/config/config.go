// ABOUTME: Configuration loading and parsing for the burrow daemon
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete burrow daemon configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Device    DeviceConfig    `yaml:"device"`
	Pairing   PairingConfig   `yaml:"pairing"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// AdvertiseURL is the base URL peers should use to reach this device
	// (used in join URLs). If not set, it's derived from http_addr or the
	// tailscale hostname.
	AdvertiseURL string `yaml:"advertise_url"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// DeviceConfig describes the local device as presented to peers
type DeviceConfig struct {
	// Name is the human-readable device name. Defaults to the OS hostname.
	Name string `yaml:"name"`
	// Owner scopes fingerprint identity. Empty means the default owner.
	Owner string `yaml:"owner"`
	// Capabilities this device offers to peers, e.g. "media.storage".
	Capabilities []string `yaml:"capabilities"`
}

// PairingConfig holds pairing ceremony tuning
type PairingConfig struct {
	CeremonyTTL   time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	CeremonyTTLRaw   string `yaml:"ceremony_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`

	// PinRetryLimit is the number of wrong PIN attempts allowed before a
	// ceremony is failed. Zero means the default.
	PinRetryLimit int `yaml:"pin_retry_limit"`
	// AllowExternal permits pairing requests from outside the local
	// network. Off by default.
	AllowExternal bool `yaml:"allow_external"`
}

// DiscoveryConfig holds peer probing configuration
type DiscoveryConfig struct {
	ProbeTimeout time.Duration `yaml:"-"`
	OfflineAfter time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ProbeTimeoutRaw string `yaml:"probe_timeout"`
	OfflineAfterRaw string `yaml:"offline_after"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// A listen address is required unless Tailscale carries the traffic
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Pairing.PinRetryLimit < 0 {
		return fmt.Errorf("pairing.pin_retry_limit must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Pairing.CeremonyTTLRaw != "" {
		cfg.Pairing.CeremonyTTL, err = time.ParseDuration(cfg.Pairing.CeremonyTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing ceremony_ttl %q: %w", cfg.Pairing.CeremonyTTLRaw, err)
		}
	}

	if cfg.Pairing.SweepIntervalRaw != "" {
		cfg.Pairing.SweepInterval, err = time.ParseDuration(cfg.Pairing.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Pairing.SweepIntervalRaw, err)
		}
	}

	if cfg.Discovery.ProbeTimeoutRaw != "" {
		cfg.Discovery.ProbeTimeout, err = time.ParseDuration(cfg.Discovery.ProbeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing probe_timeout %q: %w", cfg.Discovery.ProbeTimeoutRaw, err)
		}
	}

	if cfg.Discovery.OfflineAfterRaw != "" {
		cfg.Discovery.OfflineAfter, err = time.ParseDuration(cfg.Discovery.OfflineAfterRaw)
		if err != nil {
			return fmt.Errorf("parsing offline_after %q: %w", cfg.Discovery.OfflineAfterRaw, err)
		}
	}

	return nil
}
