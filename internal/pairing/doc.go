// Package pairing implements the device pairing ceremony.
//
// # Ceremony Flow
//
// A ceremony is keyed by a 32-character join token and moves through four
// states:
//
//	token_created -> device_connected -> pin_verified -> device_registered
//
// The owner's device starts a ceremony and shows the join token. The joining
// device presents the token and receives a six-digit PIN, which the user
// reads off one device and types into the other. A verified PIN carries the
// joining device's identity; registration completes once the device and its
// peer token are stored.
//
// Ceremonies that stall in token_created or device_connected expire after a
// TTL (five minutes by default) and move to the terminal failed state, as do
// ceremonies that exhaust the PIN retry budget. Once a PIN is verified the
// ceremony no longer expires.
//
// # Coordinator
//
// Coordinator wraps the pure state transitions with persistence, PIN
// generation and hashing, an event trail, and a background sweep that fails
// expired ceremonies. Its clock and code generators are injectable, so tests
// drive expiry without sleeping.
//
// Every transition persists through an update guarded on the state and
// retry count the coordinator read, so concurrent requests against one
// ceremony cannot lose a retry increment or double-register; whoever loses
// the race reloads the ceremony and judges again from the fresh state.
//
// # Request Origin
//
// ClassifyAddr gates pairing to the local network: loopback and RFC 1918,
// unique-local, or IPv6 link-local addresses count as local, everything else
// (including hostnames) is external.
package pairing
