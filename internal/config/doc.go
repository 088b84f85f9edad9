// Package config handles configuration loading for the burrow daemon.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and duration parsing.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from BURROW_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/burrow/burrow.yaml
//  3. ~/.config/burrow/burrow.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	pairing:
//	  ceremony_ttl: "5m"
//	  sweep_interval: "1m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:6969"
//	  advertise_url: "http://den.local:6969"
//
// Database:
//
//	database:
//	  path: "/var/lib/burrow/burrow.db"
//
// Device identity:
//
//	device:
//	  name: "den"
//	  capabilities: ["media.storage", "posts.host"]
//
// Pairing:
//
//	pairing:
//	  ceremony_ttl: "5m"
//	  pin_retry_limit: 5
//	  allow_external: false
//
// Discovery:
//
//	discovery:
//	  probe_timeout: "2s"
//	  offline_after: "10m"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "burrow"
//	  auth_key: "${TS_AUTHKEY}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/burrow/burrow.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
