// ABOUTME: Pure pairing ceremony state transitions with caller-supplied time
// ABOUTME: token_created -> device_connected -> pin_verified -> device_registered, or failed

package pairing

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/burrownet/burrow/internal/store"
)

// Ceremony errors surfaced to callers
var (
	// ErrExpired is returned when a ceremony's deadline has passed.
	ErrExpired = errors.New("ceremony expired")
	// ErrInvalidPin is returned for a wrong PIN while attempts remain.
	ErrInvalidPin = errors.New("invalid pin")
	// ErrRetryLimitExceeded is returned when a wrong PIN exhausts the attempt budget.
	ErrRetryLimitExceeded = errors.New("pin retry limit exceeded")
)

// InvalidTransitionError reports a ceremony operation applied in the wrong state.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

// Expired reports whether the ceremony deadline has passed. Once a PIN is
// verified the ceremony no longer expires.
func Expired(c *store.Ceremony, now time.Time) bool {
	switch c.State {
	case store.CeremonyTokenCreated, store.CeremonyDeviceConnected:
		return now.After(c.ExpiresAt)
	default:
		return false
	}
}

// connect moves a ceremony from token_created to device_connected, recording
// the PIN hash and the connecting device's address.
func connect(c *store.Ceremony, pinHash, deviceAddr string, now time.Time) error {
	if c.State != store.CeremonyTokenCreated {
		return &InvalidTransitionError{From: c.State, To: store.CeremonyDeviceConnected}
	}
	if Expired(c, now) {
		fail(c, store.FailureExpired, now)
		return ErrExpired
	}

	c.State = store.CeremonyDeviceConnected
	c.PinHash = pinHash
	c.DeviceAddr = deviceAddr
	c.UpdatedAt = now
	return nil
}

// verifyPin moves a ceremony from device_connected to pin_verified when the
// PIN matches, counting wrong attempts against the retry limit.
func verifyPin(c *store.Ceremony, pin string, peer *store.PeerInfo, retryLimit int, now time.Time) error {
	if c.State != store.CeremonyDeviceConnected {
		return &InvalidTransitionError{From: c.State, To: store.CeremonyPinVerified}
	}
	if Expired(c, now) {
		fail(c, store.FailureExpired, now)
		return ErrExpired
	}

	err := bcrypt.CompareHashAndPassword([]byte(c.PinHash), []byte(pin))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		c.RetryCount++
		c.UpdatedAt = now
		if c.RetryCount >= retryLimit {
			fail(c, store.FailureRetryLimitExceeded, now)
			return ErrRetryLimitExceeded
		}
		return ErrInvalidPin
	}
	if err != nil {
		return fmt.Errorf("comparing pin: %w", err)
	}

	c.State = store.CeremonyPinVerified
	c.Peer = peer
	c.UpdatedAt = now
	return nil
}

// register completes a ceremony after the device row and its token exist.
func register(c *store.Ceremony, now time.Time) error {
	if c.State != store.CeremonyPinVerified {
		return &InvalidTransitionError{From: c.State, To: store.CeremonyDeviceRegistered}
	}

	c.State = store.CeremonyDeviceRegistered
	c.UpdatedAt = now
	return nil
}

// fail moves a ceremony to the terminal failed state.
func fail(c *store.Ceremony, reason string, now time.Time) {
	c.State = store.CeremonyFailed
	c.FailureReason = reason
	c.UpdatedAt = now
}
