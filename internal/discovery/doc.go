// Package discovery answers "which device can do this right now".
//
// Peers advertise capability strings when they pair. Selection probes every
// registered holder of a capability concurrently: an authenticated GET of
// the peer's /livez endpoint, measured for latency. A 200 makes the peer
// online, a 401 or 403 marks it needs_repair (reachable, but the token we
// hold is no longer good), and timeouts or network errors mark it offline.
// Probe outcomes land in the discovery cache, health snapshot included, and
// each probe also stamps the device's registry row with its verdict, so the
// device list shows last-known liveness without another probe round.
//
// The winner is the online peer with the lowest latency; equal latencies
// fall back to the smaller device id so selection is deterministic. When no
// peer qualifies, Select returns ErrNoCapableDevice rather than guessing.
package discovery
