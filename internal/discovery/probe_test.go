// ABOUTME: Tests for single-device liveness probes
// ABOUTME: Covers online, rejected-token, timeout, and unreachable outcomes

package discovery

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrownet/burrow/internal/store"
)

func newTestService(t *testing.T, opts Options) (*Service, store.Store) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return NewService(st, nil, opts), st
}

// startPeer runs a liveness endpoint and returns a device row pointing at it.
func startPeer(t *testing.T, id string, handler http.HandlerFunc) *store.Device {
	t.Helper()

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	host, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	now := time.Now().UTC()
	return &store.Device{
		ID:           id,
		Name:         id,
		Addr:         host,
		Port:         port,
		Capabilities: []string{"media.storage"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// deadPeer returns a device row pointing at a port nothing listens on.
func deadPeer(t *testing.T, id string) *store.Device {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	now := time.Now().UTC()
	return &store.Device{
		ID:           id,
		Name:         id,
		Addr:         "127.0.0.1",
		Port:         port,
		Capabilities: []string{"media.storage"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func livezHandler(deviceID, wantSecret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != livezPath {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+wantSecret {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(LivenessPayload{
			DeviceID:      deviceID,
			CapabilitySet: []string{"media.storage"},
			Health:        HealthSnapshot{Status: "ok", Version: "0.3.0", UptimeSeconds: 42},
		})
	}
}

func TestProbe_Online(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, Options{})
	device := startPeer(t, "device-1", livezHandler("device-1", "secret-1"))
	require.NoError(t, st.UpsertDevice(ctx, device))

	result := svc.Probe(ctx, device, "secret-1", time.Second)

	assert.Equal(t, store.DeviceOnline, result.Status)
	assert.True(t, result.Online())
	assert.Greater(t, result.Latency, time.Duration(0))
	require.NotNil(t, result.Payload)
	assert.Equal(t, "device-1", result.Payload.DeviceID)
	assert.Equal(t, "ok", result.Payload.Health.Status)

	rec, err := st.GetDiscoveryRecord(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, store.DeviceOnline, rec.Status)
	assert.JSONEq(t, `{"status":"ok","version":"0.3.0","uptime_seconds":42}`, string(rec.Health))

	// The registry row follows the verdict
	got, err := st.GetDevice(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, store.DeviceOnline, got.Status)
	require.NotNil(t, got.LastSeen)
	assert.True(t, got.LastSeen.Equal(result.CheckedAt.Truncate(time.Second)))
}

func TestProbe_RejectedToken(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, Options{})
	device := startPeer(t, "device-1", livezHandler("device-1", "secret-1"))
	require.NoError(t, st.UpsertDevice(ctx, device))

	result := svc.Probe(ctx, device, "stale-secret", time.Second)

	assert.Equal(t, store.DeviceNeedsRepair, result.Status)
	assert.False(t, result.Online())
	assert.Nil(t, result.Payload)

	rec, err := st.GetDiscoveryRecord(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, store.DeviceNeedsRepair, rec.Status)
	assert.Nil(t, rec.Health)

	// A peer that answered, even to reject us, was seen; the registry files
	// the rejection as degraded rather than the cache's needs_repair.
	got, err := st.GetDevice(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, store.DeviceDegraded, got.Status)
	require.NotNil(t, got.LastSeen)
}

func TestProbe_Forbidden(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})
	device := startPeer(t, "device-1", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
	})

	result := svc.Probe(ctx, device, "secret-1", time.Second)
	assert.Equal(t, store.DeviceNeedsRepair, result.Status)
}

func TestProbe_ServerError(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})
	device := startPeer(t, "device-1", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	result := svc.Probe(ctx, device, "secret-1", time.Second)
	assert.Equal(t, store.DeviceOffline, result.Status)
}

func TestProbe_Timeout(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, Options{})
	device := startPeer(t, "device-1", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})
	seen := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	device.Status = store.DeviceOnline
	device.LastSeen = &seen
	require.NoError(t, st.UpsertDevice(ctx, device))

	result := svc.Probe(ctx, device, "secret-1", 50*time.Millisecond)

	assert.Equal(t, store.DeviceOffline, result.Status)

	rec, err := st.GetDiscoveryRecord(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, store.DeviceOffline, rec.Status)
	assert.Nil(t, rec.Health)

	// Offline flips the registry status but keeps the last real contact
	got, err := st.GetDevice(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, store.DeviceOffline, got.Status)
	require.NotNil(t, got.LastSeen)
	assert.True(t, got.LastSeen.Equal(seen))
}

func TestProbe_Unreachable(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})
	device := deadPeer(t, "device-1")

	result := svc.Probe(ctx, device, "secret-1", time.Second)
	assert.Equal(t, store.DeviceOffline, result.Status)
}

// A peer that answers 200 with a body we cannot parse is still online; it
// just contributes no health snapshot.
func TestProbe_MalformedPayload(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})
	device := startPeer(t, "device-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{not json"))
	})

	result := svc.Probe(ctx, device, "secret-1", time.Second)

	assert.Equal(t, store.DeviceOnline, result.Status)
	assert.Nil(t, result.Payload)
}
