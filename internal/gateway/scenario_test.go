// ABOUTME: End-to-end flows through the gateway's real mux and store
// ABOUTME: Pairing ceremonies, PIN lockout, reinstall merging, and capability selection

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrownet/burrow/internal/discovery"
	"github.com/burrownet/burrow/internal/store"
)

func TestScenario_NewDeviceJoins(t *testing.T) {
	gw := newTestGateway(t, nil)
	owner := ownerToken(t, gw)

	// The owner's device opens a ceremony and renders the join URL as a QR code
	started := startCeremony(t, gw, owner)
	assert.Equal(t, store.CeremonyTokenCreated, ceremonyStatus(t, gw, started.CeremonyID).State)

	// The new device scans it, connects, and shows the PIN on its screen
	connected := connectCeremony(t, gw, started.CeremonyID)
	require.Len(t, connected.Pin, 6)
	assert.Equal(t, store.CeremonyDeviceConnected, ceremonyStatus(t, gw, started.CeremonyID).State)

	// The owner confirms the PIN; the host registers the device and answers
	// with its own identity plus a fresh bearer token
	rec := verifyCeremony(t, gw, started.CeremonyID, connected.Pin, PeerIdentity{
		ID:           "nas-1",
		Name:         "Basement NAS",
		Address:      "192.168.1.20",
		Port:         6969,
		Capabilities: []string{"media.storage"},
		Fingerprint:  "fp-nas",
		Owner:        "alice",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var verified VerifyResponse
	decodeInto(t, rec, &verified)
	assert.Equal(t, gw.identity.ID, verified.Device.ID)

	status := ceremonyStatus(t, gw, started.CeremonyID)
	assert.Equal(t, store.CeremonyDeviceRegistered, status.State)
	assert.False(t, status.Failed)

	// From here on the NAS authenticates with its token
	req := newJSONRequest(t, http.MethodGet, "/livez", nil)
	req.Header.Set("Authorization", "Bearer "+verified.Token)
	assert.Equal(t, http.StatusOK, serve(gw, req).Code)

	// and shows up in the owner's registry
	req = newJSONRequest(t, http.MethodGet, "/api/devices", nil)
	req.Header.Set("Authorization", "Bearer "+owner)
	rec = serve(gw, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed ListDevicesResponse
	decodeInto(t, rec, &listed)
	assert.Len(t, listed.Devices, 2)
}

func TestScenario_FatFingeredPin(t *testing.T) {
	gw := newTestGateway(t, nil)
	owner := ownerToken(t, gw)
	peer := PeerIdentity{ID: "phone-2", Name: "Phone"}

	started := startCeremony(t, gw, owner)
	connected := connectCeremony(t, gw, started.CeremonyID)

	wrong := "000000"
	if connected.Pin == wrong {
		wrong = "000001"
	}

	// Two typos leave the ceremony recoverable with the limit at three
	for range 2 {
		rec := verifyCeremony(t, gw, started.CeremonyID, wrong, peer)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, PhraseIncorrectPin, errorPhrase(t, rec))
	}

	status := ceremonyStatus(t, gw, started.CeremonyID)
	assert.Equal(t, store.CeremonyDeviceConnected, status.State)
	assert.False(t, status.Failed)

	rec := verifyCeremony(t, gw, started.CeremonyID, connected.Pin, peer)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestScenario_PinLockout(t *testing.T) {
	gw := newTestGateway(t, nil)
	owner := ownerToken(t, gw)
	peer := PeerIdentity{ID: "intruder", Name: "Unknown"}

	started := startCeremony(t, gw, owner)
	connected := connectCeremony(t, gw, started.CeremonyID)

	wrong := "000000"
	if connected.Pin == wrong {
		wrong = "000001"
	}

	for i := range 3 {
		rec := verifyCeremony(t, gw, started.CeremonyID, wrong, peer)
		if i < 2 {
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, PhraseIncorrectPin, errorPhrase(t, rec))
		} else {
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
			assert.Equal(t, PhraseTooManyAttempts, errorPhrase(t, rec))
		}
	}

	status := ceremonyStatus(t, gw, started.CeremonyID)
	assert.Equal(t, store.CeremonyFailed, status.State)
	assert.True(t, status.Failed)
	assert.Equal(t, store.FailureRetryLimitExceeded, status.FailureReason)

	// Even the right PIN is no good now; the owner must start over
	rec := verifyCeremony(t, gw, started.CeremonyID, connected.Pin, peer)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, PhraseCodeUsed, errorPhrase(t, rec))

	_, err := gw.store.GetDevice(context.Background(), "intruder")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestScenario_ReinstallKeepsIdentity(t *testing.T) {
	gw := newTestGateway(t, nil)
	owner := ownerToken(t, gw)

	pairDevice := func(peer PeerIdentity) VerifyResponse {
		started := startCeremony(t, gw, owner)
		connected := connectCeremony(t, gw, started.CeremonyID)
		rec := verifyCeremony(t, gw, started.CeremonyID, connected.Pin, peer)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp VerifyResponse
		decodeInto(t, rec, &resp)
		return resp
	}

	first := pairDevice(PeerIdentity{
		ID:           "tablet-roaming",
		Name:         "Tablet",
		Fingerprint:  "fp-tablet",
		Owner:        "alice",
		Capabilities: []string{"posts.host"},
	})

	// The tablet gets wiped and pairs again with a fresh id but the same
	// hardware fingerprint
	second := pairDevice(PeerIdentity{
		ID:           "tablet-reinstall",
		Name:         "Tablet",
		Fingerprint:  "fp-tablet",
		Owner:        "alice",
		Capabilities: []string{"media.transcode"},
	})

	ctx := context.Background()

	// The fresh id collapsed into the original
	_, err := gw.store.GetDevice(ctx, "tablet-reinstall")
	assert.ErrorIs(t, err, store.ErrNotFound)

	device, err := gw.store.GetDevice(ctx, "tablet-roaming")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"posts.host", "media.transcode"}, device.Capabilities)

	mapping, err := gw.store.GetFingerprintMapping(ctx, "alice", "fp-tablet")
	require.NoError(t, err)
	assert.Equal(t, "tablet-roaming", mapping.DeviceID)

	// Both pairings left tokens that authenticate as the canonical device
	for _, secret := range []string{first.Token, second.Token} {
		issued, err := gw.store.GetIssuedToken(ctx, secret)
		require.NoError(t, err)
		assert.Equal(t, "tablet-roaming", issued.Subject)

		req := newJSONRequest(t, http.MethodGet, "/livez", nil)
		req.Header.Set("Authorization", "Bearer "+secret)
		assert.Equal(t, http.StatusOK, serve(gw, req).Code)
	}
}

func TestScenario_CapabilitySelection(t *testing.T) {
	gw := newTestGateway(t, nil)
	owner := ownerToken(t, gw)

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/livez" || r.Header.Get("Authorization") != "Bearer secret-healthy" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(discovery.LivenessPayload{
			DeviceID:      "peer-healthy",
			CapabilitySet: []string{"media.transcode"},
			Health:        discovery.HealthSnapshot{Status: "ok"},
		})
	}))
	t.Cleanup(healthy.Close)

	// This peer revoked our pairing on its side; every probe gets a 401
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(rejecting.Close)

	registerScenarioPeer(t, gw, "peer-healthy", healthy.URL, "secret-healthy", []string{"media.transcode"})
	registerScenarioPeer(t, gw, "peer-stale", rejecting.URL, "secret-stale", []string{"media.transcode"})

	req := newJSONRequest(t, http.MethodGet, "/api/select?capability=media.transcode&timeout=2s", nil)
	req.Header.Set("Authorization", "Bearer "+owner)
	rec := serve(gw, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SelectResponse
	decodeInto(t, rec, &resp)
	assert.Equal(t, "peer-healthy", resp.DeviceID)
	assert.GreaterOrEqual(t, resp.LatencyMs, int64(0))

	ctx := context.Background()

	// The rejecting peer got flagged for re-pairing, the healthy one online
	record, err := gw.store.GetDiscoveryRecord(ctx, "peer-stale")
	require.NoError(t, err)
	assert.Equal(t, store.DeviceNeedsRepair, record.Status)

	record, err = gw.store.GetDiscoveryRecord(ctx, "peer-healthy")
	require.NoError(t, err)
	assert.Equal(t, store.DeviceOnline, record.Status)
	assert.JSONEq(t, `{"status":"ok","version":"","uptime_seconds":0}`, string(record.Health))

	// The probes also kept the registry rows current
	device, err := gw.store.GetDevice(ctx, "peer-stale")
	require.NoError(t, err)
	assert.Equal(t, store.DeviceDegraded, device.Status)

	device, err = gw.store.GetDevice(ctx, "peer-healthy")
	require.NoError(t, err)
	assert.Equal(t, store.DeviceOnline, device.Status)
	assert.NotNil(t, device.LastSeen)
}

// registerScenarioPeer plants a paired device row pointing at a test server,
// with the held token a real pairing would have left behind.
func registerScenarioPeer(t *testing.T, gw *Gateway, id, rawURL, secret string, capabilities []string) {
	t.Helper()

	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, gw.store.UpsertDevice(context.Background(), &store.Device{
		ID:           id,
		Name:         id,
		Addr:         u.Hostname(),
		Port:         port,
		Capabilities: capabilities,
		CreatedAt:    now,
		UpdatedAt:    now,
	}))
	require.NoError(t, gw.ledger.StoreHeld(context.Background(), id, secret, nil, now.Add(24*time.Hour)))
}
