// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "burrow.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeTestConfig(t, `
server:
  http_addr: "0.0.0.0:6969"
  advertise_url: "http://den.local:6969"

database:
  path: "./test.db"

device:
  name: "den"
  owner: "marta"
  capabilities:
    - "media.storage"
    - "posts.host"

pairing:
  ceremony_ttl: "5m"
  sweep_interval: "1m"
  pin_retry_limit: 5
  allow_external: false

discovery:
  probe_timeout: "2s"
  offline_after: "10m"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify server config
	if cfg.Server.HTTPAddr != "0.0.0.0:6969" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:6969")
	}
	if cfg.Server.AdvertiseURL != "http://den.local:6969" {
		t.Errorf("Server.AdvertiseURL = %q, want %q", cfg.Server.AdvertiseURL, "http://den.local:6969")
	}

	// Verify database config
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}

	// Verify device config
	if cfg.Device.Name != "den" {
		t.Errorf("Device.Name = %q, want %q", cfg.Device.Name, "den")
	}
	if cfg.Device.Owner != "marta" {
		t.Errorf("Device.Owner = %q, want %q", cfg.Device.Owner, "marta")
	}
	if len(cfg.Device.Capabilities) != 2 {
		t.Errorf("Device.Capabilities len = %d, want 2", len(cfg.Device.Capabilities))
	}

	// Verify pairing config with duration parsing
	if cfg.Pairing.CeremonyTTL != 5*time.Minute {
		t.Errorf("Pairing.CeremonyTTL = %v, want %v", cfg.Pairing.CeremonyTTL, 5*time.Minute)
	}
	if cfg.Pairing.SweepInterval != time.Minute {
		t.Errorf("Pairing.SweepInterval = %v, want %v", cfg.Pairing.SweepInterval, time.Minute)
	}
	if cfg.Pairing.PinRetryLimit != 5 {
		t.Errorf("Pairing.PinRetryLimit = %d, want 5", cfg.Pairing.PinRetryLimit)
	}
	if cfg.Pairing.AllowExternal {
		t.Error("Pairing.AllowExternal = true, want false")
	}

	// Verify discovery config
	if cfg.Discovery.ProbeTimeout != 2*time.Second {
		t.Errorf("Discovery.ProbeTimeout = %v, want %v", cfg.Discovery.ProbeTimeout, 2*time.Second)
	}
	if cfg.Discovery.OfflineAfter != 10*time.Minute {
		t.Errorf("Discovery.OfflineAfter = %v, want %v", cfg.Discovery.OfflineAfter, 10*time.Minute)
	}

	// Verify logging config
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_BURROW_DB", "/tmp/env-test.db")
	t.Setenv("TEST_TS_AUTHKEY", "tskey-from-env")

	configPath := writeTestConfig(t, `
server:
  http_addr: "0.0.0.0:6969"

database:
  path: "${TEST_BURROW_DB}"

tailscale:
  enabled: false
  auth_key: "${TEST_TS_AUTHKEY}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/env-test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/env-test.db")
	}
	if cfg.Tailscale.AuthKey != "tskey-from-env" {
		t.Errorf("Tailscale.AuthKey = %q, want %q", cfg.Tailscale.AuthKey, "tskey-from-env")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	configPath := writeTestConfig(t, `
server:
  http_addr: "0.0.0.0:6969"

database:
  path: "./test.db"

device:
  name: "${UNSET_VAR_FOR_TEST}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Unset variables expand to empty strings
	if cfg.Device.Name != "" {
		t.Errorf("Device.Name = %q, want empty", cfg.Device.Name)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeTestConfig(t, `
server:
  http_addr: "0.0.0.0:6969"

database:
  path: "./test.db"

pairing:
  ceremony_ttl: "five minutes"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "ceremony_ttl") {
		t.Errorf("error = %v, want mention of ceremony_ttl", err)
	}
}

func TestLoad_MissingDatabasePath(t *testing.T) {
	configPath := writeTestConfig(t, `
server:
  http_addr: "0.0.0.0:6969"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for missing database.path, got nil")
	}
	if !strings.Contains(err.Error(), "database.path") {
		t.Errorf("error = %v, want mention of database.path", err)
	}
}

func TestLoad_MissingHTTPAddr(t *testing.T) {
	configPath := writeTestConfig(t, `
database:
  path: "./test.db"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for missing server.http_addr, got nil")
	}
}

func TestLoad_TailscaleCarriesTraffic(t *testing.T) {
	// No http_addr needed when tailscale serves
	configPath := writeTestConfig(t, `
database:
  path: "./test.db"

tailscale:
  enabled: true
  hostname: "burrow"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Tailscale.Enabled {
		t.Error("Tailscale.Enabled = false, want true")
	}
}

func TestLoad_TailscaleRequiresHostname(t *testing.T) {
	configPath := writeTestConfig(t, `
database:
  path: "./test.db"

tailscale:
  enabled: true
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for missing tailscale.hostname, got nil")
	}
	if !strings.Contains(err.Error(), "tailscale.hostname") {
		t.Errorf("error = %v, want mention of tailscale.hostname", err)
	}
}

func TestLoad_NegativeRetryLimit(t *testing.T) {
	configPath := writeTestConfig(t, `
server:
  http_addr: "0.0.0.0:6969"

database:
  path: "./test.db"

pairing:
  pin_retry_limit: -1
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for negative pin_retry_limit, got nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/burrow.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}
