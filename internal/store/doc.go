// Package store provides persistent storage for the burrow daemon using SQLite.
//
// # Architecture
//
// A single Store interface covers every persistence concern: the device
// registry, issued and held peer tokens, pairing ceremonies with their event
// trail, fingerprint mappings for identity resolution, and the discovery
// cache. SQLiteStore implements the whole interface; services depend only on
// the subset of methods they call.
//
// # Data Models
//
// Registry models:
//
//   - Device: A paired device with owner, address, capabilities, liveness
//     columns (status, last_seen) stamped by probes via TouchDeviceStatus,
//     optional metadata, and the is_current flag marking the preferred device
//   - FingerprintMapping: (owner, fingerprint) -> device id, used to
//     recognize re-pairing devices
//
// Token models:
//
//   - IssuedToken: A peer token this daemon issued, with permissions,
//     expiry, last use, and revocation timestamps
//   - HeldToken: A token a remote peer issued to us, one per peer device
//
// Pairing models:
//
//   - Ceremony: A pairing ceremony keyed by join token, moving through
//     token_created, device_connected, pin_verified, and device_registered,
//     or ending in failed
//   - PairingEvent: Append-only trail of ceremony activity
//
// Discovery models:
//
//   - DiscoveryRecord: Last known status, probe latency, and reported
//     health snapshot per device
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Database file locations:
//
//   - Production: ~/.local/share/burrow/burrow.db
//   - Testing: a file under t.TempDir()
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicateCeremony: A ceremony with that join token already exists
//   - ErrStaleCeremony: A guarded ceremony update found the row changed
//     since it was read; the caller reloads and reapplies
//
// All methods accept context.Context for cancellation support.
//
// # Timestamps
//
// Timestamps are stored as RFC 3339 text in UTC. Tokens and ceremonies carry
// their expiry alongside the row so sweeps and verification never depend on
// SQLite's clock.
package store
