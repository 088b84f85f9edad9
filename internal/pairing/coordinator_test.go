// ABOUTME: Coordinator tests over a real SQLite store
// ABOUTME: Exercises transition persistence, retries surviving restarts, and expiry

package pairing

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrownet/burrow/internal/store"
)

// testClock lets tests move a coordinator's clock by hand.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setupCoordinator(t *testing.T) (*Coordinator, store.Store, *testClock) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := &testClock{now: testEpoch}
	coord := NewCoordinator(st, nil, Options{
		TTL:           5 * time.Minute,
		RetryLimit:    5,
		SweepInterval: time.Hour,
	})
	t.Cleanup(coord.Close)

	coord.now = clock.Now
	coord.newPin = func() (string, error) { return "482913", nil }

	return coord, st, clock
}

func TestCoordinatorLifecycle(t *testing.T) {
	coord, st, clock := setupCoordinator(t)
	ctx := context.Background()

	ceremony, err := coord.Start(ctx, "device-owner")
	require.NoError(t, err)
	assert.Len(t, ceremony.Token, 32)
	assert.Equal(t, store.CeremonyTokenCreated, ceremony.State)
	assert.Equal(t, testEpoch.Add(5*time.Minute), ceremony.ExpiresAt)

	clock.Advance(10 * time.Second)
	pin, ceremony, err := coord.Connect(ctx, ceremony.Token, "192.168.1.42:51000")
	require.NoError(t, err)
	assert.Equal(t, "482913", pin)
	assert.Equal(t, store.CeremonyDeviceConnected, ceremony.State)
	assert.NotEqual(t, pin, ceremony.PinHash)

	clock.Advance(30 * time.Second)
	ceremony, err = coord.VerifyPin(ctx, ceremony.Token, pin, testPeer())
	require.NoError(t, err)
	assert.Equal(t, store.CeremonyPinVerified, ceremony.State)
	require.NotNil(t, ceremony.Peer)
	assert.Equal(t, "peer-device-1", ceremony.Peer.ID)

	ceremony, err = coord.Finalize(ctx, ceremony.Token)
	require.NoError(t, err)
	assert.Equal(t, store.CeremonyDeviceRegistered, ceremony.State)

	// Every step landed in the store
	got, err := st.GetCeremony(ctx, ceremony.Token)
	require.NoError(t, err)
	assert.Equal(t, store.CeremonyDeviceRegistered, got.State)
	require.NotNil(t, got.Peer)
	assert.Equal(t, "laptop", got.Peer.Name)

	events, err := st.ListPairingEvents(ctx, ceremony.Token)
	require.NoError(t, err)
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Event
	}
	assert.Equal(t, []string{"started", "connected", "pin_verified", "registered"}, names)
}

func TestCoordinatorConnect_UnknownToken(t *testing.T) {
	coord, _, _ := setupCoordinator(t)

	_, _, err := coord.Connect(context.Background(), "nope", "192.168.1.42:51000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCoordinatorConnect_Expired(t *testing.T) {
	coord, st, clock := setupCoordinator(t)
	ctx := context.Background()

	ceremony, err := coord.Start(ctx, "device-owner")
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	_, _, err = coord.Connect(ctx, ceremony.Token, "192.168.1.42:51000")
	require.ErrorIs(t, err, ErrExpired)

	// Failure state is persisted, not just returned
	got, err := st.GetCeremony(ctx, ceremony.Token)
	require.NoError(t, err)
	assert.Equal(t, store.CeremonyFailed, got.State)
	assert.Equal(t, store.FailureExpired, got.FailureReason)
}

func TestCoordinatorVerifyPin_ExpiredMidCeremony(t *testing.T) {
	coord, st, clock := setupCoordinator(t)
	ctx := context.Background()

	ceremony, err := coord.Start(ctx, "device-owner")
	require.NoError(t, err)

	pin, _, err := coord.Connect(ctx, ceremony.Token, "192.168.1.42:51000")
	require.NoError(t, err)

	clock.Advance(400 * time.Second)
	_, err = coord.VerifyPin(ctx, ceremony.Token, pin, testPeer())
	require.ErrorIs(t, err, ErrExpired)

	got, err := st.GetCeremony(ctx, ceremony.Token)
	require.NoError(t, err)
	assert.Equal(t, store.CeremonyFailed, got.State)
	assert.Equal(t, store.FailureExpired, got.FailureReason)
}

func TestCoordinatorVerifyPin_RetriesPersist(t *testing.T) {
	coord, st, clock := setupCoordinator(t)
	ctx := context.Background()

	ceremony, err := coord.Start(ctx, "device-owner")
	require.NoError(t, err)
	pin, _, err := coord.Connect(ctx, ceremony.Token, "192.168.1.42:51000")
	require.NoError(t, err)

	clock.Advance(time.Second)
	for i := 1; i <= 4; i++ {
		_, err = coord.VerifyPin(ctx, ceremony.Token, "000000", testPeer())
		require.ErrorIs(t, err, ErrInvalidPin)

		got, gerr := st.GetCeremony(ctx, ceremony.Token)
		require.NoError(t, gerr)
		assert.Equal(t, i, got.RetryCount)
		assert.Equal(t, store.CeremonyDeviceConnected, got.State)
	}

	// Correct PIN still wins before the limit
	ceremony, err = coord.VerifyPin(ctx, ceremony.Token, pin, testPeer())
	require.NoError(t, err)
	assert.Equal(t, store.CeremonyPinVerified, ceremony.State)
	assert.Equal(t, 4, ceremony.RetryCount)
}

func TestCoordinatorVerifyPin_RetryLimitFailsCeremony(t *testing.T) {
	coord, st, _ := setupCoordinator(t)
	ctx := context.Background()

	ceremony, err := coord.Start(ctx, "device-owner")
	require.NoError(t, err)
	_, _, err = coord.Connect(ctx, ceremony.Token, "192.168.1.42:51000")
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		_, err = coord.VerifyPin(ctx, ceremony.Token, "000000", testPeer())
		require.ErrorIs(t, err, ErrInvalidPin)
	}

	_, err = coord.VerifyPin(ctx, ceremony.Token, "000000", testPeer())
	require.ErrorIs(t, err, ErrRetryLimitExceeded)

	got, err := st.GetCeremony(ctx, ceremony.Token)
	require.NoError(t, err)
	assert.Equal(t, store.CeremonyFailed, got.State)
	assert.Equal(t, store.FailureRetryLimitExceeded, got.FailureReason)

	// The right PIN after the limit is an invalid transition, not a retry
	_, err = coord.VerifyPin(ctx, ceremony.Token, "482913", testPeer())
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, store.CeremonyFailed, invalid.From)

	events, err := st.ListPairingEvents(ctx, ceremony.Token)
	require.NoError(t, err)
	var rejected, failed int
	for _, ev := range events {
		switch ev.Event {
		case "pin_rejected":
			rejected++
		case "failed":
			failed++
		}
	}
	assert.Equal(t, 4, rejected)
	assert.Equal(t, 1, failed)
}

// barrierStore wraps a store and, once armed, holds the next two GetCeremony
// calls until both are waiting. Two requests then work off the same ceremony
// snapshot, which is the worst case the guarded update has to survive.
// Reloads after the first two reads pass straight through.
type barrierStore struct {
	Store
	mu      sync.Mutex
	armed   bool
	reads   int
	release chan struct{}
}

func (b *barrierStore) arm() {
	b.mu.Lock()
	b.armed = true
	b.mu.Unlock()
}

func (b *barrierStore) GetCeremony(ctx context.Context, token string) (*store.Ceremony, error) {
	b.mu.Lock()
	hold := false
	if b.armed {
		b.reads++
		hold = b.reads <= 2
		if b.reads == 2 {
			close(b.release)
		}
	}
	b.mu.Unlock()

	if hold {
		<-b.release
	}
	return b.Store.GetCeremony(ctx, token)
}

func setupBarrierCoordinator(t *testing.T) (*Coordinator, *barrierStore, store.Store) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	barrier := &barrierStore{Store: st, release: make(chan struct{})}
	clock := &testClock{now: testEpoch}
	coord := NewCoordinator(barrier, nil, Options{
		TTL:           5 * time.Minute,
		RetryLimit:    5,
		SweepInterval: time.Hour,
	})
	t.Cleanup(coord.Close)

	coord.now = clock.Now
	coord.newPin = func() (string, error) { return "482913", nil }

	return coord, barrier, st
}

func TestCoordinatorVerifyPin_ConcurrentWrongPins(t *testing.T) {
	coord, barrier, st := setupBarrierCoordinator(t)
	ctx := context.Background()

	ceremony, err := coord.Start(ctx, "device-owner")
	require.NoError(t, err)
	_, _, err = coord.Connect(ctx, ceremony.Token, "192.168.1.42:51000")
	require.NoError(t, err)

	// Both attempts read the ceremony at retry count zero before either writes.
	barrier.arm()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, verr := coord.VerifyPin(ctx, ceremony.Token, "000000", testPeer())
			errs <- verr
		}()
	}
	for i := 0; i < 2; i++ {
		require.ErrorIs(t, <-errs, ErrInvalidPin)
	}

	// Two wrong attempts must burn two retries, not collapse into one.
	got, err := st.GetCeremony(ctx, ceremony.Token)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, store.CeremonyDeviceConnected, got.State)

	events, err := st.ListPairingEvents(ctx, ceremony.Token)
	require.NoError(t, err)
	var rejected int
	for _, ev := range events {
		if ev.Event == "pin_rejected" {
			rejected++
		}
	}
	assert.Equal(t, 2, rejected)
}

func TestCoordinatorVerifyPin_ConcurrentCorrectPin(t *testing.T) {
	coord, barrier, st := setupBarrierCoordinator(t)
	ctx := context.Background()

	ceremony, err := coord.Start(ctx, "device-owner")
	require.NoError(t, err)
	pin, _, err := coord.Connect(ctx, ceremony.Token, "192.168.1.42:51000")
	require.NoError(t, err)

	barrier.arm()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, verr := coord.VerifyPin(ctx, ceremony.Token, pin, testPeer())
			errs <- verr
		}()
	}

	// Exactly one attempt wins; the duplicate resolves against the winner's
	// state and reports the conflict instead of registering twice.
	var wins, conflicts int
	for i := 0; i < 2; i++ {
		verr := <-errs
		if verr == nil {
			wins++
			continue
		}
		var invalid *InvalidTransitionError
		require.ErrorAs(t, verr, &invalid)
		assert.Equal(t, store.CeremonyPinVerified, invalid.From)
		conflicts++
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	got, err := st.GetCeremony(ctx, ceremony.Token)
	require.NoError(t, err)
	assert.Equal(t, store.CeremonyPinVerified, got.State)
	assert.Equal(t, 0, got.RetryCount)
	require.NotNil(t, got.Peer)
}

func TestCoordinatorVerifyPin_RequiresPeer(t *testing.T) {
	coord, _, _ := setupCoordinator(t)

	_, err := coord.VerifyPin(context.Background(), "whatever", "482913", nil)
	require.Error(t, err)
}

func TestCoordinatorFinalize_WrongState(t *testing.T) {
	coord, _, _ := setupCoordinator(t)
	ctx := context.Background()

	ceremony, err := coord.Start(ctx, "device-owner")
	require.NoError(t, err)

	_, err = coord.Finalize(ctx, ceremony.Token)
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, store.CeremonyTokenCreated, invalid.From)
}

func TestCoordinatorStatus(t *testing.T) {
	coord, _, _ := setupCoordinator(t)
	ctx := context.Background()

	ceremony, err := coord.Start(ctx, "device-owner")
	require.NoError(t, err)

	got, err := coord.Status(ctx, ceremony.Token)
	require.NoError(t, err)
	assert.Equal(t, store.CeremonyTokenCreated, got.State)

	_, err = coord.Status(ctx, "unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCoordinatorClose_Idempotent(t *testing.T) {
	coord, _, _ := setupCoordinator(t)

	coord.Close()
	coord.Close()
}
