// ABOUTME: Liveness probing of peer devices over their authenticated /livez endpoint
// ABOUTME: Classifies each peer online, offline, or needs_repair; records latency and health

package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/burrownet/burrow/internal/store"
)

// livezPath is the authenticated liveness endpoint every device serves.
const livezPath = "/livez"

// persistTimeout bounds the discovery-cache write after a probe returns.
// The probe context may already be past its own budget at that point, and a
// timed-out probe still needs its offline record written.
const persistTimeout = 5 * time.Second

// HealthSnapshot is the health block a device reports on its liveness endpoint.
type HealthSnapshot struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// LivenessPayload is the body of GET /livez. The prober decodes it and the
// gateway serves it, so the two cannot drift apart.
type LivenessPayload struct {
	DeviceID      string         `json:"device_id"`
	CapabilitySet []string       `json:"capability_set"`
	Health        HealthSnapshot `json:"health"`
}

// Result is the outcome of probing a single device.
type Result struct {
	DeviceID  string
	Status    string // store.DeviceOnline, store.DeviceOffline, store.DeviceNeedsRepair
	Latency   time.Duration
	Payload   *LivenessPayload // set only when online
	CheckedAt time.Time
}

// Online reports whether the probe reached a peer that accepted our token.
func (r *Result) Online() bool {
	return r.Status == store.DeviceOnline
}

// Probe checks one device's liveness endpoint with the held token and
// records the outcome in the discovery cache. A 200 means online, 401/403
// mean the peer rejected the token we hold (needs_repair), anything else
// counts as offline. Network errors and timeouts are outcomes, not errors.
func (s *Service) Probe(ctx context.Context, device *store.Device, heldSecret string, timeout time.Duration) *Result {
	if timeout <= 0 {
		timeout = s.probeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := &Result{
		DeviceID:  device.ID,
		Status:    store.DeviceOffline,
		CheckedAt: time.Now().UTC(),
	}

	probeURL := fmt.Sprintf("http://%s%s", net.JoinHostPort(device.Addr, strconv.Itoa(device.Port)), livezPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		s.logger.Warn("building probe request", "device", device.ID, "error", err)
		s.persist(result)
		return result
	}
	req.Header.Set("Authorization", "Bearer "+heldSecret)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("device unreachable", "device", device.ID, "error", err)
		s.persist(result)
		return result
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		result.Status = store.DeviceOnline
		result.Latency = time.Since(start)

		var payload LivenessPayload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			s.logger.Warn("decoding liveness payload", "device", device.ID, "error", err)
		} else {
			result.Payload = &payload
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		result.Status = store.DeviceNeedsRepair
	default:
		s.logger.Debug("unexpected liveness status", "device", device.ID, "status", resp.StatusCode)
	}

	s.persist(result)
	return result
}

// persist writes a probe outcome to the discovery cache and to the device's
// registry row, under its own deadline detached from the probe context.
func (s *Service) persist(result *Result) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	rec := &store.DiscoveryRecord{
		DeviceID:  result.DeviceID,
		Status:    result.Status,
		LatencyMs: result.Latency.Milliseconds(),
		CheckedAt: result.CheckedAt,
	}
	if result.Payload != nil {
		health, err := json.Marshal(result.Payload.Health)
		if err != nil {
			s.logger.Warn("encoding health snapshot", "device", result.DeviceID, "error", err)
		} else {
			rec.Health = health
		}
	}
	if err := s.store.PutDiscoveryRecord(ctx, rec); err != nil {
		s.logger.Error("recording probe result", "device", result.DeviceID, "error", err)
	}

	// A probe can outlive the device's registry row, so a missing device
	// is not an error here.
	status, seenAt := registryVerdict(result)
	if err := s.store.TouchDeviceStatus(ctx, result.DeviceID, status, seenAt); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("updating device status", "device", result.DeviceID, "error", err)
	}
}

// registryVerdict maps a probe outcome onto the registry's status column.
// The cache says needs_repair to record why; the registry just says degraded.
// Offline carries no timestamp so the last real contact stays visible.
func registryVerdict(result *Result) (status string, seenAt *time.Time) {
	switch result.Status {
	case store.DeviceOnline:
		return store.DeviceOnline, &result.CheckedAt
	case store.DeviceNeedsRepair:
		return store.DeviceDegraded, &result.CheckedAt
	default:
		return store.DeviceOffline, nil
	}
}
