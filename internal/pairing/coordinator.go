// ABOUTME: Pairing coordinator orchestrating ceremonies over the store
// ABOUTME: Owns token and PIN generation, transition persistence, and the expiry sweep

package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/burrownet/burrow/internal/store"
)

const (
	defaultCeremonyTTL   = 5 * time.Minute
	defaultPinRetryLimit = 5
	defaultSweepInterval = time.Minute
	sweepTimeout         = 10 * time.Second

	// updateAttempts bounds how often a transition is recomputed when a
	// concurrent request wins the guarded update first.
	updateAttempts = 3
)

// Store is the persistence surface the coordinator needs.
type Store interface {
	SaveCeremony(ctx context.Context, c *store.Ceremony) error
	UpdateCeremony(ctx context.Context, c *store.Ceremony, fromState string, fromRetries int) error
	GetCeremony(ctx context.Context, token string) (*store.Ceremony, error)
	ExpireCeremonies(ctx context.Context, now time.Time) (int64, error)
	AppendPairingEvent(ctx context.Context, event *store.PairingEvent) error
}

// Options tunes coordinator behavior. Zero values fall back to defaults.
type Options struct {
	TTL           time.Duration
	RetryLimit    int
	SweepInterval time.Duration
}

// Coordinator drives pairing ceremonies. It issues join tokens and PINs,
// applies state transitions, persists them, and sweeps expired ceremonies in
// the background until Close is called.
type Coordinator struct {
	store  Store
	logger *slog.Logger

	ttl        time.Duration
	retryLimit int

	// Injectable for tests
	now      func() time.Time
	newToken func() (string, error)
	newPin   func() (string, error)

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewCoordinator creates a coordinator and starts its expiry sweep.
func NewCoordinator(st Store, logger *slog.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultCeremonyTTL
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = defaultPinRetryLimit
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}

	c := &Coordinator{
		store:      st,
		logger:     logger.With("component", "pairing"),
		ttl:        opts.TTL,
		retryLimit: opts.RetryLimit,
		now:        time.Now,
		newToken:   NewJoinToken,
		newPin:     NewPin,
		done:       make(chan struct{}),
	}

	go c.sweep(opts.SweepInterval)

	return c
}

// Start opens a new ceremony and returns it with its join token set.
func (c *Coordinator) Start(ctx context.Context, createdBy string) (*store.Ceremony, error) {
	token, err := c.newToken()
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	ceremony := &store.Ceremony{
		Token:     token,
		State:     store.CeremonyTokenCreated,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}

	if err := c.store.SaveCeremony(ctx, ceremony); err != nil {
		return nil, fmt.Errorf("saving ceremony: %w", err)
	}

	// Events are an audit trail and never block pairing
	_ = c.store.AppendPairingEvent(ctx, &store.PairingEvent{
		Token:  token,
		Event:  "started",
		Detail: map[string]any{"created_by": createdBy},
	})

	c.logger.Info("pairing ceremony started",
		"created_by", createdBy,
		"expires_at", ceremony.ExpiresAt)

	return ceremony, nil
}

// Connect accepts a device presenting a join token. On success it returns the
// plaintext PIN exactly once; only the bcrypt hash is stored.
func (c *Coordinator) Connect(ctx context.Context, token, deviceAddr string) (string, *store.Ceremony, error) {
	pin, err := c.newPin()
	if err != nil {
		return "", nil, err
	}
	pinHash, err := HashPin(pin)
	if err != nil {
		return "", nil, err
	}

	ceremony, err := c.apply(ctx, token, func(cer *store.Ceremony) error {
		return connect(cer, pinHash, deviceAddr, c.now().UTC())
	})
	if err != nil {
		c.recordFailure(ctx, ceremony, err)
		return "", ceremony, err
	}

	_ = c.store.AppendPairingEvent(ctx, &store.PairingEvent{
		Token:  token,
		Event:  "connected",
		Detail: map[string]any{"device_addr": deviceAddr},
	})

	c.logger.Info("device connected to ceremony", "device_addr", deviceAddr)

	return pin, ceremony, nil
}

// VerifyPin checks a PIN against a connected ceremony, recording the peer's
// identity on success. Wrong PINs count against the retry limit and persist,
// so attempts survive restarts.
func (c *Coordinator) VerifyPin(ctx context.Context, token, pin string, peer *store.PeerInfo) (*store.Ceremony, error) {
	if peer == nil {
		return nil, errors.New("peer identity is required")
	}

	ceremony, err := c.apply(ctx, token, func(cer *store.Ceremony) error {
		return verifyPin(cer, pin, peer, c.retryLimit, c.now().UTC())
	})
	if err != nil {
		c.recordFailure(ctx, ceremony, err)
		return ceremony, err
	}

	_ = c.store.AppendPairingEvent(ctx, &store.PairingEvent{
		Token:  token,
		Event:  "pin_verified",
		Detail: map[string]any{"peer_id": peer.ID},
	})

	c.logger.Info("pin verified", "peer_id", peer.ID, "peer_name", peer.Name)

	return ceremony, nil
}

// Finalize marks a ceremony registered. Callers invoke it after the device
// row and its token have been written.
func (c *Coordinator) Finalize(ctx context.Context, token string) (*store.Ceremony, error) {
	ceremony, err := c.apply(ctx, token, func(cer *store.Ceremony) error {
		return register(cer, c.now().UTC())
	})
	if err != nil {
		return ceremony, err
	}

	_ = c.store.AppendPairingEvent(ctx, &store.PairingEvent{
		Token: token,
		Event: "registered",
	})

	return ceremony, nil
}

// Status returns the ceremony for a join token.
func (c *Coordinator) Status(ctx context.Context, token string) (*store.Ceremony, error) {
	return c.store.GetCeremony(ctx, token)
}

// apply loads a ceremony, runs one pure transition against it, and persists
// the result guarded on the state and retry count it read. Losing the guard
// means a concurrent request moved the ceremony first; the transition is then
// recomputed against the fresh row, so a late PIN attempt counts on top of
// the winner's instead of overwriting it, and a late duplicate of a winning
// attempt resolves to an invalid transition.
func (c *Coordinator) apply(ctx context.Context, token string, transition func(*store.Ceremony) error) (*store.Ceremony, error) {
	for attempt := 1; ; attempt++ {
		ceremony, err := c.store.GetCeremony(ctx, token)
		if err != nil {
			return nil, err
		}

		fromState, fromRetries := ceremony.State, ceremony.RetryCount
		terr := transition(ceremony)
		if terr != nil && ceremony.State == fromState && ceremony.RetryCount == fromRetries {
			// Nothing changed, nothing to persist. Invalid transitions land here;
			// expiry and wrong PINs mutate the ceremony and must go through the
			// guarded update below.
			return ceremony, terr
		}

		err = c.store.UpdateCeremony(ctx, ceremony, fromState, fromRetries)
		if err == nil {
			return ceremony, terr
		}
		if errors.Is(err, store.ErrStaleCeremony) && attempt < updateAttempts {
			continue
		}
		if terr != nil {
			// The transition outcome stands even when recording it failed.
			c.logger.Error("failed to persist ceremony", "error", err, "state", ceremony.State)
			return ceremony, terr
		}
		return nil, fmt.Errorf("updating ceremony: %w", err)
	}
}

// recordFailure appends the audit events for a failed transition. Invalid
// transitions change nothing and leave no trace.
func (c *Coordinator) recordFailure(ctx context.Context, ceremony *store.Ceremony, cause error) {
	var invalid *InvalidTransitionError
	if ceremony == nil || errors.As(cause, &invalid) {
		return
	}

	if errors.Is(cause, ErrInvalidPin) {
		_ = c.store.AppendPairingEvent(ctx, &store.PairingEvent{
			Token:  ceremony.Token,
			Event:  "pin_rejected",
			Detail: map[string]any{"attempts": ceremony.RetryCount},
		})
		return
	}

	if ceremony.State == store.CeremonyFailed {
		_ = c.store.AppendPairingEvent(ctx, &store.PairingEvent{
			Token:  ceremony.Token,
			Event:  "failed",
			Detail: map[string]any{"reason": ceremony.FailureReason},
		})
	}
}

// sweep periodically fails in-flight ceremonies whose deadline passed.
func (c *Coordinator) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			_, err := c.store.ExpireCeremonies(ctx, c.now().UTC())
			cancel()
			if err != nil {
				c.logger.Error("ceremony sweep failed", "error", err)
			}
		case <-c.done:
			return
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
