// Package gateway orchestrates the burrow server components.
//
// # Overview
//
// The gateway package is the central coordinator of the burrow daemon. It
// owns and manages all major components: the SQLite store, the pairing
// coordinator, the token ledger, the discovery service, the identity merger,
// and the HTTP server they sit behind.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config      *config.Config
//	    store       store.Store
//	    identity    *identity.Identity
//	    ledger      *ledger.Ledger
//	    coordinator *pairing.Coordinator
//	    discovery   *discovery.Service
//	    merger      *identity.Merger
//	    httpServer  *http.Server
//	    tsnetServer *tsnet.Server
//	    // ... and more
//	}
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - POST /pair/start - Open a pairing ceremony (requires devices:manage)
//   - POST /pair/connect - Exchange a ceremony id for a PIN (LAN only)
//   - POST /pair/verify - Verify the PIN and register the device (LAN only)
//   - GET /pair/status - Poll ceremony progress (LAN only)
//   - GET /livez - Capability probe target (requires any valid token)
//   - GET /api/devices - List the registry with cached statuses
//   - DELETE /api/devices/{id} - Unpair a device
//   - DELETE /api/devices/{id}/tokens - Revoke a device's tokens, keep the pairing
//   - GET /api/devices/current - Show the current device
//   - POST /api/devices/current - Flag the current device
//   - GET /api/pair/events - Read a ceremony's audit trail
//   - GET /api/select - Pick the best device for a capability
//   - GET /health - Unauthenticated liveness check
//
// Pairing endpoints need no bearer token: possession of the ceremony id is
// what gates them, and all of them refuse callers from outside the local
// network unless pairing.allow_external is set. Everything else runs behind
// the bearer middleware from the auth package.
//
// # Error Surface
//
// Domain errors cross onto the wire through the translate table in
// errors.go, which maps every sentinel the inner packages export to an HTTP
// status and one stable phrase. Handlers log the technical detail and the
// caller sees only the phrase, so internals never leak and scripts can match
// on exact strings.
//
// # Listeners
//
// By default the gateway serves plain HTTP on server.http_addr, which is the
// right shape for a trusted home LAN. With tailscale.enabled it instead
// joins a tailnet as its own node via tsnet and serves on port 80 inside the
// overlay, giving paired devices a path to each other from anywhere without
// opening router ports.
//
// # Background Sweeps
//
// Run starts two maintenance loops alongside the server: one flips devices
// whose last probe has gone stale to offline, the other prunes terminal
// ceremonies past the retention window. Both stop when Shutdown runs. The
// pairing coordinator runs its own expiry sweep internally.
package gateway
