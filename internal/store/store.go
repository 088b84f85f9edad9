// ABOUTME: Store interface and data types for burrow persistence
// ABOUTME: Defines Device, IssuedToken, Ceremony structs and the Store interface

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateCeremony is returned when a ceremony with the same join token already exists
var ErrDuplicateCeremony = errors.New("ceremony already exists")

// ErrStaleCeremony is returned when a guarded ceremony update finds the row
// already moved past the state the caller read. The caller must reload the
// ceremony and reapply its transition against the fresh state.
var ErrStaleCeremony = errors.New("ceremony changed since read")

// CeremonyState constants for pairing ceremony states
const (
	CeremonyTokenCreated     = "token_created"     // Join token issued, waiting for a device
	CeremonyDeviceConnected  = "device_connected"  // Device presented the token, PIN issued
	CeremonyPinVerified      = "pin_verified"      // Device proved PIN knowledge
	CeremonyDeviceRegistered = "device_registered" // Device registered, peer token issued
	CeremonyFailed           = "failed"            // Terminal failure, see FailureReason
)

// Failure reason constants for failed ceremonies
const (
	FailureExpired            = "expired"
	FailureInvalidPin         = "invalid_pin"
	FailureRetryLimitExceeded = "retry_limit_exceeded"
)

// DeviceStatus constants. The registry's status column uses online, offline,
// and degraded; discovery cache rows use needs_repair instead of degraded to
// record why the peer is unhealthy.
const (
	DeviceOnline      = "online"
	DeviceOffline     = "offline"
	DeviceDegraded    = "degraded"     // Reachable but unhealthy
	DeviceNeedsRepair = "needs_repair" // Reachable but rejects our held token
)

// Device represents a paired peer device
type Device struct {
	ID           string
	Owner        string // empty means the default owner
	Name         string
	Addr         string
	Port         int
	Fingerprint  string
	Capabilities []string
	Current      bool   // the preferred device for capability routing
	Status       string // online, offline, degraded
	LastSeen     *time.Time
	Metadata     json.RawMessage // freeform peer-supplied details, nil when absent
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IssuedToken is a bearer token this device issued to a peer
type IssuedToken struct {
	ID          string
	Token       string
	Subject     string // device ID the token authenticates as
	Permissions []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	LastUsedAt  *time.Time
	RevokedAt   *time.Time
}

// HeldToken is a bearer token a peer issued to this device
type HeldToken struct {
	PeerDeviceID string
	Token        string
	Permissions  []string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// PeerInfo is the identity a device presents during pairing
type PeerInfo struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Addr         string          `json:"addr"`
	Port         int             `json:"port"`
	Fingerprint  string          `json:"fingerprint,omitempty"`
	Owner        string          `json:"owner,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// Ceremony is a pairing ceremony keyed by its join token.
// State transitions are driven by the pairing package; the store only
// persists whatever state it is handed.
type Ceremony struct {
	Token         string
	State         string
	CreatedBy     string // local identity that started the ceremony
	PinHash       string // bcrypt hash, set on connect
	DeviceAddr    string // remote address captured on connect
	RetryCount    int
	FailureReason string
	Peer          *PeerInfo // candidate identity, set on verify
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
}

// PairingEvent is an append-only audit record for a ceremony
type PairingEvent struct {
	ID        string
	Token     string
	Event     string // started, connected, pin_rejected, pin_verified, registered, failed
	Detail    map[string]any
	CreatedAt time.Time
}

// FingerprintMapping binds an (owner, fingerprint) pair to its canonical device
type FingerprintMapping struct {
	Owner       string
	Fingerprint string
	DeviceID    string
	CreatedAt   time.Time
}

// DiscoveryRecord caches the last probe result for a device
type DiscoveryRecord struct {
	DeviceID  string
	Status    string // online, offline, needs_repair
	LatencyMs int64
	Health    json.RawMessage // health snapshot from the last answered probe, nil otherwise
	CheckedAt time.Time
}

// RegisterDeviceParams bundles the rows written atomically when a
// pairing ceremony completes.
type RegisterDeviceParams struct {
	Device  *Device
	Mapping *FingerprintMapping // nil when the device has no fingerprint
	Token   *IssuedToken
}

// Store defines the interface for burrow persistence
type Store interface {
	// Devices
	UpsertDevice(ctx context.Context, device *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	GetCurrentDevice(ctx context.Context) (*Device, error)
	SetCurrentDevice(ctx context.Context, id string) error
	TouchDeviceStatus(ctx context.Context, id, status string, seenAt *time.Time) error
	RemoveDevice(ctx context.Context, id string, at time.Time) error
	ListDevices(ctx context.Context) ([]*Device, error)
	ListDevicesByCapability(ctx context.Context, capability string) ([]*Device, error)

	// Issued tokens (tokens we granted to peers)
	InsertIssuedToken(ctx context.Context, token *IssuedToken) error
	GetIssuedToken(ctx context.Context, token string) (*IssuedToken, error)
	TouchIssuedToken(ctx context.Context, token string, lastUsed time.Time, newExpiry *time.Time) error
	RevokeIssuedToken(ctx context.Context, token string, at time.Time) error
	RevokeIssuedTokensForSubject(ctx context.Context, subject string, at time.Time) (int64, error)

	// Held tokens (tokens peers granted to us)
	StoreHeldToken(ctx context.Context, token *HeldToken) error
	GetHeldToken(ctx context.Context, peerDeviceID string) (*HeldToken, error)

	// Pairing ceremonies
	SaveCeremony(ctx context.Context, c *Ceremony) error
	UpdateCeremony(ctx context.Context, c *Ceremony, fromState string, fromRetries int) error
	GetCeremony(ctx context.Context, token string) (*Ceremony, error)
	ExpireCeremonies(ctx context.Context, now time.Time) (int64, error)
	PruneCeremonies(ctx context.Context, olderThan time.Time) (int64, error)

	// Pairing events (audit trail)
	AppendPairingEvent(ctx context.Context, event *PairingEvent) error
	ListPairingEvents(ctx context.Context, token string) ([]*PairingEvent, error)

	// Fingerprint mappings
	GetFingerprintMapping(ctx context.Context, owner, fingerprint string) (*FingerprintMapping, error)
	PutFingerprintMapping(ctx context.Context, mapping *FingerprintMapping) error

	// Registration and identity merge (multi-table transactions)
	RegisterDevice(ctx context.Context, params RegisterDeviceParams) error
	MergeDevices(ctx context.Context, canonicalID, duplicateID string) error

	// Discovery cache
	PutDiscoveryRecord(ctx context.Context, rec *DiscoveryRecord) error
	GetDiscoveryRecord(ctx context.Context, deviceID string) (*DiscoveryRecord, error)
	MarkStaleDevicesOffline(ctx context.Context, olderThan time.Time) (int64, error)

	// Close releases any resources held by the store
	Close() error
}
